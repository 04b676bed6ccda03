// Package ingest drives lines from a source through the parser into the
// aggregator, one line at a time and in arrival order.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ggstation/internal/aggregate"
	"ggstation/internal/sink"
	"ggstation/internal/source"
	"ggstation/internal/telemetry"
)

// ErrBusy is returned by Step while Run owns the loop.
var ErrBusy = errors.New("ingest loop is running")

type LoopConfig struct {
	// IdleSleep pauses Run after a read that produced nothing. Sources with a
	// read timeout already block, so the default is 0.
	IdleSleep time.Duration
	// ReadErrorPause pauses Run after a failed read so a dead descriptor does
	// not spin. Default 100ms.
	ReadErrorPause time.Duration
	// MaxLinesPerStep caps how many lines one Step drains. Default 64.
	MaxLinesPerStep int
	// LogUnparseable logs every LogUnparseableEvery-th unparseable line.
	LogUnparseable      bool
	LogUnparseableEvery int
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.ReadErrorPause <= 0 {
		c.ReadErrorPause = 100 * time.Millisecond
	}
	if c.MaxLinesPerStep <= 0 {
		c.MaxLinesPerStep = 64
	}
	if c.LogUnparseableEvery <= 0 {
		c.LogUnparseableEvery = 1
	}
	return c
}

// Recorder receives every raw line before it is parsed.
type Recorder interface {
	WriteLine(now time.Time, line []byte) error
}

// Stats are the loop's diagnostic counters.
type Stats struct {
	Session string `json:"session,omitempty"`
	Source  string `json:"source,omitempty"`
	State   string `json:"state"`

	Lines        uint64 `json:"lines"`
	DecodeErrors uint64 `json:"decode_errors"`
	ReadErrors   uint64 `json:"read_errors"`
	SinkErrors   uint64 `json:"sink_errors"`
	Panics       uint64 `json:"panics"`
	aggregate.Counts

	LastError       string `json:"last_error,omitempty"`
	LastUnparseable string `json:"last_unparseable,omitempty"`
	LastLineUTC     string `json:"last_line_utc,omitempty"`
}

// Loop is the single producer for one aggregator. Run and Step never
// interleave.
type Loop struct {
	cfg     LoopConfig
	src     source.Source
	parser  *telemetry.Parser
	agg     *aggregate.Aggregator
	sink    sink.Sink
	rec     Recorder
	session string

	now   func() time.Time
	start time.Time

	run sync.Mutex

	// exhausted is set once Step has drained the source; the next Step
	// reports io.EOF.
	exhausted bool

	mu          sync.Mutex
	stats       Stats
	lastReadErr string
}

type step int

const (
	stepLine step = iota
	stepIdle
	stepReadError
	stepEOF
)

// NewLoop wires a loop. snk and rec may be nil. Timestamps handed to the
// aggregator are seconds since start.
func NewLoop(cfg LoopConfig, src source.Source, parser *telemetry.Parser, agg *aggregate.Aggregator, snk sink.Sink, rec Recorder) *Loop {
	l := &Loop{
		cfg:    cfg.withDefaults(),
		src:    src,
		parser: parser,
		agg:    agg,
		sink:   snk,
		rec:    rec,
		now:    time.Now,
	}
	l.start = l.now()
	l.stats.State = "idle"
	return l
}

// Run reads until ctx is cancelled or the source is exhausted. The stop signal
// is checked between reads; each read is bounded by the source's timeout.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	l.run.Lock()
	defer l.run.Unlock()

	l.setState("running")
	for {
		select {
		case <-ctx.Done():
			l.setState("stopped")
			return nil
		default:
		}

		switch l.once() {
		case stepEOF:
			l.setState("finished")
			log.Printf("ingest source exhausted session=%s", l.session)
			return nil
		case stepIdle:
			if l.cfg.IdleSleep > 0 {
				sleepCtx(ctx, l.cfg.IdleSleep)
			}
		case stepReadError:
			if ctx.Err() != nil {
				l.setState("stopped")
				return nil
			}
			sleepCtx(ctx, l.cfg.ReadErrorPause)
		}
	}
}

// Step drains what the source has ready, up to MaxLinesPerStep lines, and
// returns how many lines it ingested. A Step that ingests lines never
// reports io.EOF; the call after the source runs dry returns (0, io.EOF).
// It returns ErrBusy if Run is active.
func (l *Loop) Step() (int, error) {
	if !l.run.TryLock() {
		return 0, ErrBusy
	}
	defer l.run.Unlock()

	if l.exhausted {
		return 0, io.EOF
	}
	n := 0
	for n < l.cfg.MaxLinesPerStep {
		switch l.once() {
		case stepLine:
			n++
			continue
		case stepEOF:
			l.exhausted = true
			l.setState("finished")
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
		break
	}
	l.setState("polling")
	return n, nil
}

func (l *Loop) once() step {
	line, err := l.src.ReadLine()
	switch {
	case err == nil:
	case errors.Is(err, source.ErrNoLine):
		return stepIdle
	case errors.Is(err, io.EOF):
		return stepEOF
	default:
		l.readError(err)
		return stepReadError
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return stepIdle
	}
	l.handle(line)
	return stepLine
}

func (l *Loop) handle(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.stats.Panics++
			l.stats.LastError = fmt.Sprintf("panic: %v", r)
			l.mu.Unlock()
			log.Printf("ingest recovered panic session=%s line=%q: %v", l.session, raw, r)
		}
	}()

	now := l.now()
	if l.rec != nil {
		if err := l.rec.WriteLine(now, raw); err != nil {
			l.setError(fmt.Sprintf("record failed: %v", err))
		}
	}

	text := string(raw)
	decodeErr := !utf8.ValidString(text)
	if decodeErr {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}

	rec := l.parser.Parse(text)
	applied := l.agg.Ingest(rec, now.Sub(l.start).Seconds())

	l.mu.Lock()
	l.stats.Lines++
	if decodeErr {
		l.stats.DecodeErrors++
	}
	l.stats.LastLineUTC = now.UTC().Format(time.RFC3339Nano)
	var unparseable uint64
	if rec.Kind == telemetry.KindUnparseable {
		l.stats.LastUnparseable = rec.Text
		unparseable = l.agg.Counts().Unparseable
	}
	l.mu.Unlock()

	if rec.Kind == telemetry.KindUnparseable {
		if l.cfg.LogUnparseable && (unparseable-1)%uint64(l.cfg.LogUnparseableEvery) == 0 {
			log.Printf("ingest unparseable line reason=%q line=%q", rec.Reason, rec.Text)
		}
		return
	}

	if l.sink != nil {
		if err := l.sink.Publish(updateFrom(l.session, applied)); err != nil {
			l.mu.Lock()
			l.stats.SinkErrors++
			l.stats.LastError = fmt.Sprintf("sink: %v", err)
			l.mu.Unlock()
		}
	}
}

func updateFrom(session string, a aggregate.Applied) sink.Update {
	u := sink.Update{Session: session, T: a.T, Kind: a.Kind.String(), Event: a.Event}
	switch a.Kind {
	case telemetry.KindSample:
		u.Fields = make(map[string]float64, len(a.Fields))
		for f, v := range a.Fields {
			u.Fields[string(f)] = v
		}
	case telemetry.KindGPS:
		lat, lon := a.Lat, a.Lon
		u.Lat, u.Lon = &lat, &lon
	}
	return u
}

func (l *Loop) readError(err error) {
	msg := err.Error()
	l.mu.Lock()
	l.stats.ReadErrors++
	l.stats.LastError = "read: " + msg
	changed := msg != l.lastReadErr
	l.lastReadErr = msg
	l.mu.Unlock()
	if changed {
		log.Printf("ingest read failed session=%s: %v", l.session, err)
	}
}

func (l *Loop) setError(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.LastError = msg
}

func (l *Loop) setState(state string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.State = state
}

// Stats returns a copy of the counters, with record counts from the aggregator.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	st := l.stats
	l.mu.Unlock()
	st.Counts = l.agg.Counts()
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
