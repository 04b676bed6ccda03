package source

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"ggstation/internal/replay"
)

// replaySource plays back a recorded session log with its original timing.
type replaySource struct {
	pace   pacer
	lines  []replay.Scheduled
	start  time.Time
	pos    int
	closed atomic.Bool
}

func openReplaySource(cfg Config) (Source, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("replay path is required")
	}
	recs, err := replay.ReadFile(cfg.Port)
	if err != nil {
		return nil, err
	}
	return newReplaySource(recs, cfg, time.Now, time.Sleep)
}

func newReplaySource(recs []replay.Record, cfg Config, now func() time.Time, sleep func(time.Duration)) (*replaySource, error) {
	lines, err := replay.Schedule(recs, cfg.ReplaySpeed)
	if err != nil {
		return nil, err
	}
	return &replaySource{
		pace:  pacer{now: now, sleep: sleep, timeout: cfg.ReadTimeout},
		lines: lines,
		start: now(),
	}, nil
}

func (s *replaySource) ReadLine() ([]byte, error) {
	if s.closed.Load() || s.pos >= len(s.lines) {
		return nil, io.EOF
	}
	next := s.lines[s.pos]
	if !s.pace.wait(s.start.Add(next.Offset)) {
		return nil, ErrNoLine
	}
	s.pos++
	return append([]byte(nil), next.Line...), nil
}

func (s *replaySource) Close() error {
	s.closed.Store(true)
	return nil
}
