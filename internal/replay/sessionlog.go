package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// A session log is text, one record per line:
//
//	START            a new recording segment begins; times restart at 0
//	<t_ns>,<hex>     a raw link line, t_ns nanoseconds into the segment
//
// Blank lines and lines starting with '#' are skipped. The payload is hex so
// undecodable bytes replay exactly as they arrived.
const (
	startMarker   = "START"
	commentPrefix = "#"
)

var errWriterClosed = errors.New("session log writer is closed")

type Record struct {
	At time.Duration
	// Line is nil for START markers.
	Line []byte
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadAll decodes every record. The first malformed line aborts the read,
// reported with its 1-based line number.
func (rr *Reader) ReadAll() ([]Record, error) {
	sc := bufio.NewScanner(rr.r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var recs []Record
	for lineNo := 1; sc.Scan(); lineNo++ {
		rec, ok, err := parseRecord(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("session log line %d: %w", lineNo, err)
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// parseRecord reports ok=false for lines that carry no record.
func parseRecord(text string) (Record, bool, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "", strings.HasPrefix(text, commentPrefix):
		return Record{}, false, nil
	case text == startMarker:
		return Record{}, true, nil
	}

	ts, payload, found := strings.Cut(text, ",")
	if !found {
		return Record{}, false, fmt.Errorf("want <t_ns>,<hex>, got %q", text)
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("timestamp: %w", err)
	}
	if ns < 0 {
		return Record{}, false, fmt.Errorf("timestamp %d is negative", ns)
	}
	line, err := hex.DecodeString(strings.Join(strings.Fields(payload), ""))
	if err != nil {
		return Record{}, false, fmt.Errorf("payload: %w", err)
	}
	if len(line) == 0 {
		return Record{}, false, errors.New("payload is empty")
	}
	return Record{At: time.Duration(ns), Line: line}, true, nil
}

// ReadFile loads a whole session log.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer records raw link lines with their arrival time. Not safe for
// concurrent use; the ingest loop is its only caller.
type Writer struct {
	f     *os.File
	bw    *bufio.Writer // nil once closed
	start time.Time
	rec   []byte
}

// CreateWriter truncates path and opens a segment timed from now.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ww := &Writer{f: f, bw: bufio.NewWriterSize(f, 64*1024), start: time.Now()}
	if err := ww.emit(append(ww.rec[:0], startMarker...)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return ww, nil
}

// WriteLine appends one record. Empty lines are not recorded.
func (ww *Writer) WriteLine(now time.Time, line []byte) error {
	if ww.bw == nil {
		return errWriterClosed
	}
	if len(line) == 0 {
		return nil
	}
	at := max(now.Sub(ww.start), 0)
	rec := strconv.AppendInt(ww.rec[:0], at.Nanoseconds(), 10)
	rec = append(rec, ',')
	rec = hex.AppendEncode(rec, line)
	return ww.emit(rec)
}

func (ww *Writer) emit(rec []byte) error {
	ww.rec = append(rec, '\n')
	_, err := ww.bw.Write(ww.rec)
	return err
}

func (ww *Writer) Flush() error {
	if ww.bw == nil {
		return nil
	}
	return ww.bw.Flush()
}

func (ww *Writer) Close() error {
	if ww.bw == nil {
		return nil
	}
	ferr := ww.bw.Flush()
	ww.bw = nil
	return errors.Join(ferr, ww.f.Close())
}

// Scheduled is a line with its playback offset from the start of replay.
type Scheduled struct {
	Offset time.Duration
	Line   []byte
}

// Schedule converts records into playback offsets. Gaps between consecutive
// lines are divided by speed. A START marker begins a new segment that
// follows the previous one without a gap.
func Schedule(records []Record, speed float64) ([]Scheduled, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("replay speed must be > 0")
	}

	out := make([]Scheduled, 0, len(records))
	var offset time.Duration
	var lastAt time.Duration
	haveLast := false

	for _, r := range records {
		if r.Line == nil {
			haveLast = false
			continue
		}
		if haveLast {
			wait := r.At - lastAt
			if wait < 0 {
				wait = 0
			}
			offset += time.Duration(float64(wait) / speed)
		}
		out = append(out, Scheduled{Offset: offset, Line: r.Line})
		lastAt = r.At
		haveLast = true
	}
	return out, nil
}
