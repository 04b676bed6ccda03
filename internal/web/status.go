package web

import (
	"sync/atomic"
	"time"

	"ggstation/internal/ingest"
)

// Status holds process-level facts for /api/status. Setters may be called
// from any goroutine.
type Status struct {
	start   time.Time
	mode    atomic.Value // string
	source  atomic.Value // string
	sinks   atomic.Value // []string
	ingest  atomic.Value // func() ingest.Stats
	clients atomic.Value // func() int
}

func NewStatus() *Status {
	s := &Status{start: time.Now().UTC()}
	s.mode.Store("")
	s.source.Store("")
	s.sinks.Store([]string{})
	return s
}

// SetStatic records configuration that does not change while running.
func (s *Status) SetStatic(mode, source string, sinks []string) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if source != "" {
		s.source.Store(source)
	}
	if sinks != nil {
		s.sinks.Store(append([]string(nil), sinks...))
	}
}

// SetIngest installs the provider of live ingest counters.
func (s *Status) SetIngest(fn func() ingest.Stats) {
	if fn != nil {
		s.ingest.Store(fn)
	}
}

func (s *Status) SetClients(fn func() int) {
	if fn != nil {
		s.clients.Store(fn)
	}
}

type StatusSnapshot struct {
	Service   string        `json:"service"`
	NowUTC    string        `json:"now_utc"`
	UptimeSec int64         `json:"uptime_sec"`
	Mode      string        `json:"mode"`
	Source    string        `json:"source"`
	Sinks     []string      `json:"sinks"`
	WSClients int           `json:"ws_clients"`
	Ingest    *ingest.Stats `json:"ingest,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:   "ggstation",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start).Seconds()),
		Mode:      s.mode.Load().(string),
		Source:    s.source.Load().(string),
		Sinks:     s.sinks.Load().([]string),
	}
	if fn, ok := s.ingest.Load().(func() ingest.Stats); ok {
		st := fn()
		snap.Ingest = &st
	}
	if fn, ok := s.clients.Load().(func() int); ok {
		snap.WSClients = fn()
	}
	return snap
}
