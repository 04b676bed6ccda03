package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ggstation/internal/replay"
	"ggstation/internal/telemetry"
)

func TestSummarizeSessionLog(t *testing.T) {
	recs := []replay.Record{
		{At: 0, Line: nil},
		{At: 0, Line: []byte("Received: Yaw: 1, Alt: 100m")},
		{At: 200 * time.Millisecond, Line: []byte("GPS: 43.7735 -79.5015")},
		{At: 300 * time.Millisecond, Line: []byte("EVENT: caf\xff")},
		{At: 0, Line: nil},
		{At: time.Second, Line: []byte("garbage")},
	}

	s := summarizeSessionLog(recs, telemetry.NewParser(telemetry.DefaultParserConfig()))
	if s.Segments != 2 {
		t.Fatalf("segments=%d want %d", s.Segments, 2)
	}
	if s.Lines != 4 {
		t.Fatalf("lines=%d want %d", s.Lines, 4)
	}
	if s.DecodeErrors != 1 {
		t.Fatalf("decode_errors=%d want %d", s.DecodeErrors, 1)
	}
	for kind, want := range map[string]int{"sample": 1, "gps": 1, "event": 1, "unparseable": 1} {
		if s.KindCounts[kind] != want {
			t.Fatalf("count[%s]=%d want %d", kind, s.KindCounts[kind], want)
		}
	}
	if s.FieldCounts[telemetry.Alt] != 1 || s.FieldCounts[telemetry.Yaw] != 1 {
		t.Fatalf("field counts=%v", s.FieldCounts)
	}
	if s.MaxDuration != time.Second {
		t.Fatalf("maxDuration=%s want %s", s.MaxDuration, time.Second)
	}
}

func TestSummarizeSessionLog_NoStartMarker(t *testing.T) {
	s := summarizeSessionLog([]replay.Record{{Line: []byte("Alt: 1m")}}, telemetry.NewParser(telemetry.DefaultParserConfig()))
	if s.Segments != 1 || s.Lines != 1 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestPrintLogSummary_PrintsExpectedFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "session.log")
	w, err := replay.CreateWriter(logPath)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	now := time.Now()
	for _, line := range []string{"Received: Alt: 101.2m", "Received: EVENT: Apogee detected"} {
		if err := w.WriteLine(now, []byte(line)); err != nil {
			_ = w.Close()
			t.Fatalf("WriteLine() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	var buf bytes.Buffer
	if err := printLogSummary(&buf, logPath, telemetry.DefaultParserConfig()); err != nil {
		t.Fatalf("printLogSummary() error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"path: ", "segments: 1", "lines: 2", "kind_counts:", "  sample: 1", "  event: 1", "field_counts:", "  Alt: 1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %q", want, out)
		}
	}

	if err := printLogSummary(&buf, " ", telemetry.DefaultParserConfig()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
