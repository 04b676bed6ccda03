package aggregate

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"ggstation/internal/telemetry"
)

// DefaultCapacity is the per-field history length.
const DefaultCapacity = 100

type Config struct {
	// Capacity is the maximum number of points kept per field. Default 100.
	Capacity int
	// StageEvents turns a change of the Stage field into a "Stage N" event.
	StageEvents bool
}

// Aggregator owns the bounded per-field histories of one ingest session.
//
// Every series entry carries its own timestamp, so a field that is absent from
// some lines never drifts out of alignment with its time values. The shared
// time axis records one entry per sample-bearing ingest and is kept for
// consumers that plot against arrival ticks.
//
// One mutex guards all state: a reader always observes a complete ingest.
type Aggregator struct {
	mu sync.RWMutex

	capacity    int
	stageEvents bool
	cal         *Calibrator

	series map[telemetry.Field]*ring[Point]
	times  *ring[float64]
	latest map[telemetry.Field]float64

	event      string
	eventAt    float64
	lastStage  float64
	stageKnown bool

	counts Counts
}

// Counts tallies ingested records by kind.
type Counts struct {
	Samples     uint64 `json:"samples"`
	Events      uint64 `json:"events"`
	Fixes       uint64 `json:"fixes"`
	Unparseable uint64 `json:"unparseable"`
}

// Applied describes what one Ingest call changed. Field values are post
// calibration.
type Applied struct {
	Kind   telemetry.Kind
	T      float64
	Fields map[telemetry.Field]float64
	Event  string
	Lat    float64
	Lon    float64
}

// New creates an Aggregator. A nil Calibrator gets a fresh one.
func New(cfg Config, cal *Calibrator) *Aggregator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cal == nil {
		cal = NewCalibrator()
	}
	return &Aggregator{
		capacity:    cfg.Capacity,
		stageEvents: cfg.StageEvents,
		cal:         cal,
		series:      make(map[telemetry.Field]*ring[Point]),
		times:       newRing[float64](cfg.Capacity),
		latest:      make(map[telemetry.Field]float64),
	}
}

// Ingest applies one parsed record observed at now (seconds since session
// start). Unparseable records leave the state untouched apart from a counter.
func (a *Aggregator) Ingest(rec telemetry.Record, now float64) Applied {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Applied{Kind: rec.Kind, T: now}
	switch rec.Kind {
	case telemetry.KindSample:
		if len(rec.Fields) == 0 {
			return out
		}
		out.Fields = make(map[telemetry.Field]float64, len(rec.Fields))
		for _, f := range rec.SortedFields() {
			v := rec.Fields[f]
			if f == telemetry.Alt {
				v = a.cal.ApplyAltitude(v)
			}
			a.appendLocked(f, now, v)
			out.Fields[f] = v
		}
		a.times.push(now)
		a.counts.Samples++

		if st, ok := rec.Fields[telemetry.Stage]; ok && a.stageEvents {
			if !a.stageKnown || st != a.lastStage {
				a.setEventLocked(fmt.Sprintf("Stage %d", int(math.Round(st))), now)
				out.Event = a.event
			}
			a.lastStage = st
			a.stageKnown = true
		}

	case telemetry.KindGPS:
		a.appendLocked(telemetry.Lat, now, rec.Lat)
		a.appendLocked(telemetry.Lon, now, rec.Lon)
		a.times.push(now)
		a.counts.Fixes++
		out.Lat, out.Lon = rec.Lat, rec.Lon

	case telemetry.KindEvent:
		a.setEventLocked(rec.Text, now)
		a.counts.Events++
		out.Event = rec.Text

	default:
		a.counts.Unparseable++
	}
	return out
}

func (a *Aggregator) appendLocked(f telemetry.Field, now, v float64) {
	s, ok := a.series[f]
	if !ok {
		s = newRing[Point](a.capacity)
		a.series[f] = s
	}
	s.push(Point{T: now, V: v})
	a.latest[f] = v
}

func (a *Aggregator) setEventLocked(text string, now float64) {
	a.event = text
	a.eventAt = now
}

// Snapshot returns a copy of the history of one field, oldest first.
func (a *Aggregator) Snapshot(f telemetry.Field) []Point {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[f]
	if !ok {
		return []Point{}
	}
	return s.items()
}

// Times returns the shared time axis, oldest first.
func (a *Aggregator) Times() []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.times.items()
}

// LatestEvent returns the most recent event text, or "" if none arrived yet.
func (a *Aggregator) LatestEvent() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.event
}

// CurrentCalibration returns the altitude baseline once it has been latched.
func (a *Aggregator) CurrentCalibration() (float64, bool) {
	return a.cal.Baseline()
}

// Latest returns the most recent value of every field seen so far.
func (a *Aggregator) Latest() map[telemetry.Field]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[telemetry.Field]float64, len(a.latest))
	for f, v := range a.latest {
		out[f] = v
	}
	return out
}

// Position returns the last GPS fix.
func (a *Aggregator) Position() (lat, lon float64, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	latS, ok1 := a.series[telemetry.Lat]
	lonS, ok2 := a.series[telemetry.Lon]
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	la, ok1 := latS.last()
	lo, ok2 := lonS.last()
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return la.V, lo.V, true
}

// Fields lists the fields that have history, sorted by name.
func (a *Aggregator) Fields() []telemetry.Field {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]telemetry.Field, 0, len(a.series))
	for f := range a.series {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Aggregator) Capacity() int { return a.capacity }

func (a *Aggregator) Counts() Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.counts
}

// Frame is a consistent copy of the whole aggregator state.
type Frame struct {
	Series      map[telemetry.Field][]Point `json:"series"`
	Times       []float64                   `json:"times"`
	Latest      map[telemetry.Field]float64 `json:"latest"`
	Event       string                      `json:"event,omitempty"`
	EventAt     *float64                    `json:"event_at,omitempty"`
	BaselineAlt *float64                    `json:"baseline_alt,omitempty"`
	Capacity    int                         `json:"capacity"`
	Counts      Counts                      `json:"counts"`
}

// Frame copies all series, the time axis and the scalar state under one lock.
func (a *Aggregator) Frame() Frame {
	a.mu.RLock()
	defer a.mu.RUnlock()

	fr := Frame{
		Series:   make(map[telemetry.Field][]Point, len(a.series)),
		Times:    a.times.items(),
		Latest:   make(map[telemetry.Field]float64, len(a.latest)),
		Event:    a.event,
		Capacity: a.capacity,
		Counts:   a.counts,
	}
	for f, s := range a.series {
		fr.Series[f] = s.items()
	}
	for f, v := range a.latest {
		fr.Latest[f] = v
	}
	if a.event != "" {
		at := a.eventAt
		fr.EventAt = &at
	}
	if b, ok := a.cal.Baseline(); ok {
		fr.BaselineAlt = &b
	}
	return fr
}

// Reset drops all history and the calibration baseline.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.series = make(map[telemetry.Field]*ring[Point])
	a.times.reset()
	a.latest = make(map[telemetry.Field]float64)
	a.event = ""
	a.eventAt = 0
	a.stageKnown = false
	a.lastStage = 0
	a.counts = Counts{}
	a.cal.Reset()
}
