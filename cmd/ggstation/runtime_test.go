package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"ggstation/internal/config"
	"ggstation/internal/replay"
	"ggstation/internal/sink"
	"ggstation/internal/source"
	"ggstation/internal/web"
)

func noHTTP() config.HTTPConfig {
	off := ""
	return config.HTTPConfig{Listen: &off}
}

func runApp(t *testing.T, a *app, ctx context.Context) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
		return nil
	}
}

func TestApp_OpenFailureIsFatal(t *testing.T) {
	cfg := config.Config{
		Source: config.SourceConfig{Kind: "serial", Port: filepath.Join(t.TempDir(), "ttyACM9")},
		HTTP:   noHTTP(),
	}
	a, err := newApp(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	err = a.run(context.Background())
	if !errors.Is(err, source.ErrOpen) {
		t.Fatalf("err=%v want ErrOpen", err)
	}
	st := a.session.Stats()
	if st.State != "failed" || st.Lines != 0 {
		t.Fatalf("stats=%+v", st)
	}
	if got := a.session.Aggregator().Counts(); got.Samples != 0 || got.Events != 0 {
		t.Fatalf("counts=%+v want empty", got)
	}
}

func TestApp_ReplayWorkerRunsToEnd(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flight.log")
	w, err := replay.CreateWriter(logPath)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	now := time.Now()
	for _, line := range []string{
		"Received: Yaw: 12.3, Pitch: -4.5, Alt: 101.2m",
		"Received: Alt: 105.2m",
		"GPS: 43.7735 -79.5015",
		"Received: EVENT: Apogee detected",
		"noise",
	} {
		if err := w.WriteLine(now, []byte(line)); err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cfg := config.Config{
		Source: config.SourceConfig{Kind: "replay", Port: logPath, ReplaySpeed: 1000},
		HTTP:   noHTTP(),
	}
	a, err := newApp(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if err := waitErr(t, runApp(t, a, context.Background())); err != nil {
		t.Fatalf("run: %v", err)
	}
	agg := a.session.Aggregator()
	counts := agg.Counts()
	if counts.Samples != 2 || counts.Fixes != 1 || counts.Events != 1 || counts.Unparseable != 1 {
		t.Fatalf("counts=%+v", counts)
	}
	if base, ok := agg.CurrentCalibration(); !ok || base != 101.2 {
		t.Fatalf("baseline=%v ok=%v want 101.2", base, ok)
	}
	if st := a.session.Stats(); st.State != "finished" || st.Lines != 5 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestApp_PollModeSimPublishesToUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()

	cfg := config.Config{
		Source: config.SourceConfig{Kind: "sim", SimInterval: 20 * time.Millisecond, SimSeed: 3},
		Ingest: config.IngestConfig{Mode: "poll", PollInterval: 5 * time.Millisecond},
		HTTP:   noHTTP(),
		Sinks:  config.SinksConfig{UDP: config.UDPSinkConfig{Enable: true, Dest: pc.LocalAddr().String()}},
	}
	a, err := newApp(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	if len(a.sinkNames) != 1 || a.sinkNames[0] != "udp" {
		t.Fatalf("sinks=%v", a.sinkNames)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runApp(t, a, ctx)

	_ = pc.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		cancel()
		t.Fatalf("ReadFrom: %v", err)
	}
	var u sink.Update
	if err := json.Unmarshal(buf[:n], &u); err != nil {
		cancel()
		t.Fatalf("unmarshal %q: %v", buf[:n], err)
	}
	if u.Session != a.session.ID() || u.Kind == "" {
		cancel()
		t.Fatalf("update=%+v session=%s", u, a.session.ID())
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := a.session.Stats(); st.State != "polling" || st.Lines == 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestApp_RecordsRawLines(t *testing.T) {
	recPath := filepath.Join(t.TempDir(), "rec.log")
	cfg := config.Config{
		Source: config.SourceConfig{Kind: "sim", SimInterval: 10 * time.Millisecond},
		Record: config.RecordConfig{Enable: true, Path: recPath},
		HTTP:   noHTTP(),
	}
	a, err := newApp(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runApp(t, a, ctx)
	deadline := time.Now().Add(3 * time.Second)
	for a.session.Stats().Lines < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("run: %v", err)
	}
	a.close()

	recs, err := replay.ReadFile(recPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := 0
	for _, r := range recs {
		if r.Line != nil {
			lines++
		}
	}
	if lines < 3 {
		t.Fatalf("recorded lines=%d want >= 3", lines)
	}
}

func TestApp_HandlerReportsStatus(t *testing.T) {
	listen := "127.0.0.1:0"
	cfg := config.Config{
		Source: config.SourceConfig{Kind: "sim"},
		Ingest: config.IngestConfig{Mode: "poll"},
		HTTP:   config.HTTPConfig{Listen: &listen},
	}
	logs := web.NewLogBuffer(10)
	a, err := newApp(context.Background(), cfg, logs)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	ts := httptest.NewServer(a.handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var snap web.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Mode != "poll" || snap.Source != "sim every 100ms" {
		t.Fatalf("snap=%+v", snap)
	}
	if len(snap.Sinks) != 1 || snap.Sinks[0] != "ws" {
		t.Fatalf("sinks=%v want [ws]", snap.Sinks)
	}
	if snap.Ingest == nil || snap.Ingest.State != "idle" || snap.Ingest.Session != a.session.ID() {
		t.Fatalf("ingest=%+v", snap.Ingest)
	}
}
