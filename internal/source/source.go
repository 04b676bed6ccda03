// Package source yields newline-delimited lines from the telemetry link.
//
// A Source is read by a single goroutine. ReadLine blocks for at most the
// configured read timeout and returns ErrNoLine when nothing complete arrived
// in that window; with a zero timeout it behaves as a non-blocking poll where
// the transport allows it.
package source

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	KindSerial = "serial"
	KindTCP    = "tcp"
	KindFile   = "file"
	KindReplay = "replay"
	KindSim    = "sim"
)

var (
	// ErrNoLine reports a read timeout or an empty poll. It is not a failure.
	ErrNoLine = errors.New("source: no line available")
	// ErrOpen matches every *OpenError.
	ErrOpen = errors.New("source open failed")
	// ErrLineTooLong reports a line that exceeded MaxLineBytes and was dropped.
	ErrLineTooLong = errors.New("source: line too long")
	// ErrHangup reports a serial device that went away: reads end at once
	// instead of waiting out the timeout.
	ErrHangup = errors.New("source: serial link lost")
)

type Source interface {
	// ReadLine returns the next line without its terminator. It returns
	// ErrNoLine on timeout and io.EOF once a finite stream is exhausted.
	ReadLine() ([]byte, error)
	Close() error
}

// OpenError is fatal to a session: the device or endpoint is missing or busy.
type OpenError struct {
	Kind   string
	Target string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s source %q: %v", e.Kind, e.Target, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type Config struct {
	// Kind is one of serial, tcp, file, replay, sim.
	Kind string
	// Port is the serial device path, tcp host:port, or file path ("-" is
	// stdin for kind file).
	Port string
	Baud int

	// ReadTimeout bounds a single ReadLine. Zero polls.
	ReadTimeout time.Duration
	// DialTimeout bounds the initial TCP connect.
	DialTimeout  time.Duration
	MaxLineBytes int

	ReplaySpeed float64

	SimInterval time.Duration
	SimSeed     int64
}

func (c Config) withDefaults() Config {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	c.Port = strings.TrimSpace(c.Port)
	if c.Kind == "" {
		c.Kind = KindSerial
	}
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 4096
	}
	if c.ReplaySpeed == 0 {
		c.ReplaySpeed = 1
	}
	if c.SimInterval <= 0 {
		c.SimInterval = 100 * time.Millisecond
	}
	return c
}

// Describe is a short human-readable label for logs and status.
func (c Config) Describe() string {
	c = c.withDefaults()
	switch c.Kind {
	case KindSerial:
		return fmt.Sprintf("serial %s@%d", c.Port, c.Baud)
	case KindSim:
		return fmt.Sprintf("sim every %s", c.SimInterval)
	default:
		return fmt.Sprintf("%s %s", c.Kind, c.Port)
	}
}

// Open opens the configured source. Any failure is returned as *OpenError.
func Open(cfg Config) (Source, error) {
	cfg = cfg.withDefaults()

	var (
		src Source
		err error
	)
	switch cfg.Kind {
	case KindSerial:
		src, err = openSerialSource(cfg)
	case KindTCP:
		src, err = openTCPSource(cfg)
	case KindFile:
		src, err = openFileSource(cfg)
	case KindReplay:
		src, err = openReplaySource(cfg)
	case KindSim:
		src, err = newSimSource(cfg, time.Now, time.Sleep), nil
	default:
		err = fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, &OpenError{Kind: cfg.Kind, Target: cfg.Port, Err: err}
	}
	return src, nil
}
