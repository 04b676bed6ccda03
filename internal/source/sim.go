package source

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// Sim feed centre, matching the launch site used for bench demos.
const (
	simLat = 43.7735
	simLon = -79.5015
)

var simEvents = []string{
	"EVENT: All nominal",
	"EVENT: Launch detected",
	"EVENT: Apogee detected",
	"EVENT: Drogue deployed",
	"EVENT: Main deployed",
	"EVENT: Landed",
}

// simSource generates the bench-demo dashboard feed: one telemetry line and
// one GPS line per interval, and an event every 50 intervals.
type simSource struct {
	pace     pacer
	interval time.Duration
	rng      *rand.Rand

	next    time.Time
	tick    int
	pending [][]byte
	closed  atomic.Bool
}

func newSimSource(cfg Config, now func() time.Time, sleep func(time.Duration)) *simSource {
	seed := cfg.SimSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &simSource{
		pace:     pacer{now: now, sleep: sleep, timeout: cfg.ReadTimeout},
		interval: cfg.SimInterval,
		rng:      rand.New(rand.NewSource(seed)),
		next:     now(),
	}
}

func (s *simSource) ReadLine() ([]byte, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}
	if len(s.pending) == 0 {
		if !s.pace.wait(s.next) {
			return nil, ErrNoLine
		}
		s.pending = s.generate()
		s.next = s.next.Add(s.interval)
		s.tick++
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

func (s *simSource) generate() [][]byte {
	t := float64(s.tick) * s.interval.Seconds()
	u := func(lo, hi float64) float64 { return lo + s.rng.Float64()*(hi-lo) }

	led := "OFF"
	if int(t)%2 == 0 {
		led = "ON"
	}
	out := make([][]byte, 0, 3)
	if s.tick%50 == 0 {
		ev := simEvents[(s.tick/50)%len(simEvents)]
		out = append(out, []byte("Received: "+ev))
	}
	out = append(out, []byte(fmt.Sprintf(
		"Received: Yaw: %.1f, Pitch: %.1f, Roll: %.1f, Alt: %.2fm, P: %.2fPa, T: %.2fC, LED: %s",
		u(0, 360), u(-90, 90), u(-180, 180),
		100+10*math.Sin(t/5),
		101325+u(-200, 200),
		25+u(-1, 1),
		led,
	)))
	out = append(out, []byte(fmt.Sprintf("GPS: %.6f %.6f",
		simLat+u(-0.0005, 0.0005), simLon+u(-0.0005, 0.0005))))
	return out
}

func (s *simSource) Close() error {
	s.closed.Store(true)
	return nil
}
