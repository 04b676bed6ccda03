package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"ggstation/internal/replay"
	"ggstation/internal/telemetry"
)

type logSummary struct {
	Segments     int
	Lines        int
	DecodeErrors int
	MaxDuration  time.Duration
	KindCounts   map[string]int
	FieldCounts  map[telemetry.Field]int
}

func summarizeSessionLog(records []replay.Record, p *telemetry.Parser) logSummary {
	s := logSummary{KindCounts: map[string]int{}, FieldCounts: map[telemetry.Field]int{}}
	if len(records) == 0 {
		return s
	}

	hasLines := false
	segments := 0
	for _, r := range records {
		if r.Line == nil {
			segments++
			continue
		}
		hasLines = true

		s.Lines++
		if r.At > s.MaxDuration {
			s.MaxDuration = r.At
		}

		text := string(r.Line)
		if !utf8.ValidString(text) {
			s.DecodeErrors++
			text = strings.ToValidUTF8(text, "\uFFFD")
		}
		rec := p.Parse(text)
		s.KindCounts[rec.Kind.String()]++
		for f := range rec.Fields {
			s.FieldCounts[f]++
		}
	}
	if segments == 0 && hasLines {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printLogSummary(w io.Writer, path string, pc telemetry.ParserConfig) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := replay.NewReader(f).ReadAll()
	if err != nil {
		return err
	}

	s := summarizeSessionLog(recs, telemetry.NewParser(pc))

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "lines: %d\n", s.Lines)
	fmt.Fprintf(w, "decode_errors: %d\n", s.DecodeErrors)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	fmt.Fprintf(w, "kind_counts:\n")
	for _, k := range []string{"sample", "event", "gps", "unparseable"} {
		fmt.Fprintf(w, "  %s: %d\n", k, s.KindCounts[k])
	}

	fields := make([]string, 0, len(s.FieldCounts))
	for f := range s.FieldCounts {
		fields = append(fields, string(f))
	}
	sort.Strings(fields)
	fmt.Fprintf(w, "field_counts:\n")
	for _, f := range fields {
		fmt.Fprintf(w, "  %s: %d\n", f, s.FieldCounts[telemetry.Field(f)])
	}
	return nil
}
