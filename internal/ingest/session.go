package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"ggstation/internal/aggregate"
	"ggstation/internal/sink"
	"ggstation/internal/source"
	"ggstation/internal/telemetry"
)

type Config struct {
	Source    source.Config
	Parser    telemetry.ParserConfig
	Aggregate aggregate.Config
	Loop      LoopConfig

	// Sink and Recorder are optional and owned by the caller.
	Sink     sink.Sink
	Recorder Recorder

	// Open defaults to source.Open.
	Open func(source.Config) (source.Source, error)
}

// Session owns the calibration and buffers of one run against one source.
// Nothing carries over between sessions.
type Session struct {
	id     string
	cfg    Config
	parser *telemetry.Parser
	agg    *aggregate.Aggregator

	mu      sync.Mutex
	src     source.Source
	loop    *Loop
	openErr error
	cancel  context.CancelFunc
	started bool

	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Aggregate.Capacity < 0 {
		return nil, fmt.Errorf("aggregate capacity must be >= 0")
	}
	if cfg.Open == nil {
		cfg.Open = source.Open
	}
	return &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		parser: telemetry.NewParser(cfg.Parser),
		agg:    aggregate.New(cfg.Aggregate, nil),
		done:   make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Aggregator is the consumer-facing state of the session.
func (s *Session) Aggregator() *aggregate.Aggregator { return s.agg }

// Open opens the source. A failure is fatal to the session: the error is
// kept, no read is ever attempted and the aggregator stays empty.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *Session) openLocked() error {
	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	if s.openErr != nil {
		return s.openErr
	}
	if s.loop != nil {
		return nil
	}
	src, err := s.cfg.Open(s.cfg.Source)
	if err != nil {
		s.openErr = err
		log.Printf("ingest open failed session=%s source=%s: %v", s.id, s.cfg.Source.Describe(), err)
		return err
	}
	s.src = src
	s.loop = NewLoop(s.cfg.Loop, src, s.parser, s.agg, s.cfg.Sink, s.cfg.Recorder)
	s.loop.session = s.id
	log.Printf("ingest source opened session=%s source=%s", s.id, s.cfg.Source.Describe())
	return nil
}

// Start opens the source and runs the loop on its own goroutine until ctx is
// cancelled, Close is called or the source is exhausted.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return err
	}
	if s.started {
		return nil
	}
	s.started = true

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	loop := s.loop
	go func() {
		defer s.finish()
		log.Printf("ingest started session=%s mode=worker", s.id)
		if err := loop.Run(childCtx); err != nil {
			log.Printf("ingest stopped session=%s: %v", s.id, err)
		}
	}()
	return nil
}

// Step runs one cooperative poll. The session must be open.
func (s *Session) Step() (int, error) {
	s.mu.Lock()
	loop, openErr := s.loop, s.openErr
	s.mu.Unlock()
	if openErr != nil {
		return 0, openErr
	}
	if loop == nil {
		return 0, errors.New("session is not open")
	}
	return loop.Step()
}

// Done is closed when the worker exits or the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Close stops the worker and closes the source. It is safe to call more than
// once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, src, started := s.cancel, s.src, s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if src != nil {
		err = src.Close()
	}
	if started {
		<-s.done
	} else {
		s.finish()
	}
	return err
}

// Stats reports loop counters for the session. Before a successful open the
// state is "idle", or "failed" with the open error.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	loop, openErr := s.loop, s.openErr
	s.mu.Unlock()

	var st Stats
	switch {
	case loop != nil:
		st = loop.Stats()
	case openErr != nil:
		st = Stats{State: "failed", LastError: openErr.Error()}
	default:
		st = Stats{State: "idle"}
	}
	st.Session = s.id
	st.Source = s.cfg.Source.Describe()
	return st
}
