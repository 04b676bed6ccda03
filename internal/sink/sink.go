// Package sink fans parsed telemetry out to downstream consumers.
package sink

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

// Update is one applied record as published to consumers. Fields carry
// calibrated values.
type Update struct {
	Session string             `json:"session"`
	T       float64            `json:"t"`
	Kind    string             `json:"kind"`
	Fields  map[string]float64 `json:"fields,omitempty"`
	Event   string             `json:"event,omitempty"`
	Lat     *float64           `json:"lat,omitempty"`
	Lon     *float64           `json:"lon,omitempty"`
}

// FormatPayload creates the JSON payload shared by all network sinks.
func FormatPayload(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// Sink receives updates from the ingest loop. Publish is called from a single
// goroutine and should not block for long.
type Sink interface {
	Publish(u Update) error
	Close() error
}

// Fanout publishes to every member and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(u Update) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async decouples a slow sink from the ingest loop with a bounded queue.
// When the queue is full new updates are dropped and counted.
type Async struct {
	name string
	next Sink
	ch   chan Update
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	full      bool

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAsync(name string, next Sink, queue int) *Async {
	if queue <= 0 {
		queue = 256
	}
	a := &Async{
		name: name,
		next: next,
		ch:   make(chan Update, queue),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	lastErr := ""
	for u := range a.ch {
		err := a.next.Publish(u)
		if err == nil {
			lastErr = ""
			continue
		}
		a.failed.Add(1)
		if msg := err.Error(); msg != lastErr {
			log.Printf("sink %s publish failed: %v", a.name, err)
			lastErr = msg
		}
	}
}

func (a *Async) Publish(u Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("sink " + a.name + " is closed")
	}
	select {
	case a.ch <- u:
		a.full = false
	default:
		a.dropped.Add(1)
		if !a.full {
			log.Printf("sink %s queue full (%d updates), dropping", a.name, cap(a.ch))
			a.full = true
		}
	}
	return nil
}

// Dropped reports how many updates were discarded on a full queue.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Failed reports how many publishes the wrapped sink rejected.
func (a *Async) Failed() uint64 { return a.failed.Load() }

// Close drains the queue and closes the wrapped sink.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		<-a.done
		err = a.next.Close()
	})
	return err
}
