package source

import (
	"fmt"
	"io"
	"os"
)

// fileSource reads a captured log or a pipe. "-" reads stdin.
type fileSource struct {
	c io.Closer
	*lineReader
}

func openFileSource(cfg Config) (Source, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if cfg.Port == "-" {
		// Closing the session must not close the process's stdin.
		return NewReaderSource(io.NopCloser(os.Stdin), cfg.MaxLineBytes), nil
	}
	f, err := os.Open(cfg.Port)
	if err != nil {
		return nil, err
	}
	return NewReaderSource(f, cfg.MaxLineBytes), nil
}

// NewReaderSource wraps any stream of newline-delimited text. r is closed with
// the source when it implements io.Closer.
func NewReaderSource(r io.Reader, maxLineBytes int) Source {
	var c io.Closer = io.NopCloser(nil)
	if rc, ok := r.(io.Closer); ok {
		c = rc
	}
	return &fileSource{c: c, lineReader: newLineReader(r, maxLineBytes)}
}

func (s *fileSource) Close() error {
	return s.c.Close()
}
