package source

import (
	"bytes"
	"errors"
	"io"
	"time"
)

// lineReader assembles lines from partial reads. Bytes of an unfinished line
// stay buffered across timeouts.
type lineReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	max   int

	// isTimeout classifies transport errors that only mean "nothing yet".
	isTimeout func(err error) bool
	// eofIsTimeout is set for ttys, where a VTIME expiry surfaces as io.EOF.
	eofIsTimeout bool
	// eofMinWait is how long a genuine VTIME expiry takes at least. An empty
	// EOF that arrives sooner is a hangup. Zero disables the check.
	eofMinWait time.Duration
	now        func() time.Time
	// discarding is set while skipping the rest of an overlong line.
	discarding bool
}

func newLineReader(r io.Reader, maxLineBytes int) *lineReader {
	if maxLineBytes <= 0 {
		maxLineBytes = 4096
	}
	return &lineReader{
		r:     r,
		buf:   make([]byte, 0, 512),
		chunk: make([]byte, 512),
		max:   maxLineBytes,
		now:   time.Now,
	}
}

func (lr *lineReader) ReadLine() ([]byte, error) {
	for {
		if line, ok, err := lr.next(); ok || err != nil {
			return line, err
		}

		start := lr.now()
		n, err := lr.r.Read(lr.chunk)
		if n > 0 {
			lr.buf = append(lr.buf, lr.chunk[:n]...)
		}
		if err != nil {
			if n == 0 && lr.hungUp(err, start) {
				return nil, ErrHangup
			}
			timeout := (lr.isTimeout != nil && lr.isTimeout(err)) || (lr.eofIsTimeout && errors.Is(err, io.EOF))
			if timeout || errors.Is(err, io.EOF) {
				if line, ok, lerr := lr.next(); ok || lerr != nil {
					return line, lerr
				}
			}
			if timeout {
				return nil, ErrNoLine
			}
			if errors.Is(err, io.EOF) {
				// Flush an unterminated final line.
				if len(lr.buf) > 0 && !lr.discarding {
					line := lr.take(len(lr.buf), 0)
					return line, nil
				}
				lr.buf = lr.buf[:0]
				return nil, io.EOF
			}
			return nil, err
		}
		if n == 0 {
			return nil, ErrNoLine
		}
	}
}

func (lr *lineReader) hungUp(err error, start time.Time) bool {
	if !lr.eofIsTimeout || lr.eofMinWait <= 0 || !errors.Is(err, io.EOF) {
		return false
	}
	return lr.now().Sub(start) < lr.eofMinWait
}

// next extracts one complete line from the buffer, if any.
func (lr *lineReader) next() ([]byte, bool, error) {
	i := bytes.IndexByte(lr.buf, '\n')
	if i == -1 {
		if len(lr.buf) > lr.max {
			lr.buf = lr.buf[:0]
			if !lr.discarding {
				lr.discarding = true
				return nil, false, ErrLineTooLong
			}
		}
		return nil, false, nil
	}
	if lr.discarding {
		lr.discarding = false
		lr.take(i, 1)
		return lr.next()
	}
	if i > lr.max {
		lr.take(i, 1)
		return nil, false, ErrLineTooLong
	}
	return lr.take(i, 1), true, nil
}

// take copies out buf[:n] minus a trailing '\r' and drops n+skip bytes.
func (lr *lineReader) take(n, skip int) []byte {
	line := append([]byte(nil), bytes.TrimRight(lr.buf[:n], "\r")...)
	rest := copy(lr.buf, lr.buf[n+skip:])
	lr.buf = lr.buf[:rest]
	return line
}
