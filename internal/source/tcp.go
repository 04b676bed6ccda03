package source

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// pollDeadline stands in for a zero read timeout: sockets have no true
// non-blocking read through net.Conn.
const pollDeadline = time.Millisecond

// tcpSource reads a serial link exposed over TCP (ser2net, ESP-Link and
// similar bridges).
type tcpSource struct {
	conn net.Conn
	*lineReader
}

func openTCPSource(cfg Config) (Source, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("tcp address is required")
	}
	conn, err := net.DialTimeout("tcp", cfg.Port, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = pollDeadline
	}
	lr := newLineReader(&deadlineReader{conn: conn, timeout: timeout}, cfg.MaxLineBytes)
	lr.isTimeout = isNetTimeout
	return &tcpSource{conn: conn, lineReader: lr}, nil
}

func (s *tcpSource) Close() error {
	return s.conn.Close()
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
