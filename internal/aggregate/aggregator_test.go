package aggregate

import (
	"math"
	"sync"
	"testing"

	"ggstation/internal/telemetry"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCalibrator_BaselineLatchedOnFirstReading(t *testing.T) {
	c := NewCalibrator()
	if _, ok := c.Baseline(); ok {
		t.Fatalf("expected no baseline before first reading")
	}
	readings := []float64{101.2, 105.2, 99.2, 250}
	want := []float64{0, 4, -2, 148.8}
	for i, r := range readings {
		if got := c.ApplyAltitude(r); !near(got, want[i]) {
			t.Fatalf("reading %d: got %v want %v", i, got, want[i])
		}
	}
	b, ok := c.Baseline()
	if !ok || !near(b, 101.2) {
		t.Fatalf("baseline=%v ok=%v want 101.2", b, ok)
	}
}

func TestCalibrator_ConcurrentFirstCallLatchesOnce(t *testing.T) {
	c := NewCalibrator()
	var wg sync.WaitGroup
	zeros := make(chan float64, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			if c.ApplyAltitude(v) == 0 {
				zeros <- v
			}
		}(float64(i + 1))
	}
	wg.Wait()
	close(zeros)
	n := 0
	for range zeros {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one baseline call, got %d", n)
	}
}

func TestRing_FIFOEviction(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	got := r.items()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("items=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("items=%v want %v", got, want)
		}
	}
	if last, ok := r.last(); !ok || last != 5 {
		t.Fatalf("last=%v ok=%v", last, ok)
	}
	r.reset()
	if r.len() != 0 {
		t.Fatalf("len=%d after reset", r.len())
	}
}

func TestAggregator_ScenarioAB(t *testing.T) {
	p := telemetry.NewParser(telemetry.DefaultParserConfig())
	a := New(Config{}, nil)

	a.Ingest(p.Parse("Received: Yaw: 12.3, Pitch: -4.5, Alt: 101.2m"), 1.0)
	latest := a.Latest()
	if !near(latest[telemetry.Yaw], 12.3) || !near(latest[telemetry.Pitch], -4.5) {
		t.Fatalf("latest=%v", latest)
	}
	alt := a.Snapshot(telemetry.Alt)
	if len(alt) != 1 || alt[0].V != 0 || alt[0].T != 1.0 {
		t.Fatalf("alt=%v want [{1 0}]", alt)
	}
	b, ok := a.CurrentCalibration()
	if !ok || !near(b, 101.2) {
		t.Fatalf("baseline=%v ok=%v", b, ok)
	}

	a.Ingest(p.Parse("Alt: 105.2m"), 2.0)
	alt = a.Snapshot(telemetry.Alt)
	if len(alt) != 2 || !near(alt[1].V, 4.0) {
		t.Fatalf("alt=%v want second entry 4.0", alt)
	}
}

func TestAggregator_TimeAxisOncePerIngest(t *testing.T) {
	a := New(Config{}, nil)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{
		telemetry.Yaw: 1, telemetry.Pitch: 2, telemetry.Roll: 3, telemetry.Alt: 10,
	}), 0.5)
	if n := len(a.Times()); n != 1 {
		t.Fatalf("times len=%d want 1", n)
	}
	for _, f := range []telemetry.Field{telemetry.Yaw, telemetry.Pitch, telemetry.Roll, telemetry.Alt} {
		if n := len(a.Snapshot(f)); n != 1 {
			t.Fatalf("%s len=%d want 1", f, n)
		}
	}
}

func TestAggregator_UnevenFieldsStayAligned(t *testing.T) {
	a := New(Config{}, nil)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Yaw: 1, telemetry.Pressure: 1000}), 1)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Yaw: 2}), 2)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Yaw: 3, telemetry.Pressure: 990}), 3)

	pr := a.Snapshot(telemetry.Pressure)
	if len(pr) != 2 {
		t.Fatalf("pressure=%v", pr)
	}
	if pr[0].T != 1 || pr[1].T != 3 {
		t.Fatalf("pressure timestamps=%v want 1 and 3", pr)
	}
	if n := len(a.Times()); n != 3 {
		t.Fatalf("times len=%d want 3", n)
	}
}

func TestAggregator_BoundedFIFO(t *testing.T) {
	const n = 10
	a := New(Config{Capacity: n}, nil)
	for i := 0; i < 25; i++ {
		a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Roll: float64(i)}), float64(i))
	}
	pts := a.Snapshot(telemetry.Roll)
	if len(pts) != n {
		t.Fatalf("len=%d want %d", len(pts), n)
	}
	for i, p := range pts {
		want := float64(15 + i)
		if p.V != want || p.T != want {
			t.Fatalf("pts[%d]=%+v want value %v", i, p, want)
		}
	}
	if len(a.Times()) != n {
		t.Fatalf("times len=%d want %d", len(a.Times()), n)
	}
}

func TestAggregator_RoundTripBelowCapacity(t *testing.T) {
	a := New(Config{Capacity: 100}, nil)
	for i := 0; i < 7; i++ {
		a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Temperature: float64(20 + i)}), float64(i)*0.1)
	}
	pts := a.Snapshot(telemetry.Temperature)
	if len(pts) != 7 {
		t.Fatalf("len=%d want 7", len(pts))
	}
	for i := 1; i < len(pts); i++ {
		if pts[i].T < pts[i-1].T {
			t.Fatalf("timestamps decrease at %d: %v", i, pts)
		}
	}
}

func TestAggregator_GPSFixAppendsLatLon(t *testing.T) {
	a := New(Config{}, nil)
	a.Ingest(telemetry.GPSFix(43.7735, -79.5015), 3)
	lat, lon, ok := a.Position()
	if !ok || lat != 43.7735 || lon != -79.5015 {
		t.Fatalf("position=%v,%v ok=%v", lat, lon, ok)
	}
	if len(a.Snapshot(telemetry.Lat)) != 1 || len(a.Snapshot(telemetry.Lon)) != 1 {
		t.Fatalf("expected one lat and one lon point")
	}
}

func TestAggregator_EventOverwritesLatest(t *testing.T) {
	a := New(Config{}, nil)
	a.Ingest(telemetry.Event("EVENT: Launch"), 1)
	a.Ingest(telemetry.Event("EVENT: Apogee"), 2)
	if got := a.LatestEvent(); got != "EVENT: Apogee" {
		t.Fatalf("event=%q", got)
	}
	if len(a.Times()) != 0 {
		t.Fatalf("events must not touch the time axis")
	}
}

func TestAggregator_UnparseableIsNoOp(t *testing.T) {
	a := New(Config{}, nil)
	a.Ingest(telemetry.Unparseable("garbage nonsense", "unrecognized line"), 1)
	fr := a.Frame()
	if len(fr.Series) != 0 || len(fr.Times) != 0 || fr.Event != "" || fr.BaselineAlt != nil {
		t.Fatalf("state changed: %+v", fr)
	}
	if fr.Counts.Unparseable != 1 {
		t.Fatalf("unparseable=%d want 1", fr.Counts.Unparseable)
	}
}

func TestAggregator_StageEvents(t *testing.T) {
	a := New(Config{StageEvents: true}, nil)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Stage: 1}), 1)
	if got := a.LatestEvent(); got != "Stage 1" {
		t.Fatalf("event=%q", got)
	}
	a.Ingest(telemetry.Event("EVENT: Burnout"), 2)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Stage: 1}), 3)
	if got := a.LatestEvent(); got != "EVENT: Burnout" {
		t.Fatalf("unchanged stage must not overwrite event, got %q", got)
	}
	applied := a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Stage: 2}), 4)
	if applied.Event != "Stage 2" || a.LatestEvent() != "Stage 2" {
		t.Fatalf("event=%q applied=%q", a.LatestEvent(), applied.Event)
	}
}

func TestAggregator_AppliedCarriesCalibratedAltitude(t *testing.T) {
	a := New(Config{}, nil)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Alt: 50}), 0)
	applied := a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Alt: 62.5}), 1)
	if !near(applied.Fields[telemetry.Alt], 12.5) {
		t.Fatalf("applied alt=%v want 12.5", applied.Fields[telemetry.Alt])
	}
}

func TestAggregator_ResetClearsSession(t *testing.T) {
	a := New(Config{}, nil)
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Alt: 50}), 0)
	a.Ingest(telemetry.Event("EVENT: x"), 1)
	a.Reset()
	if _, ok := a.CurrentCalibration(); ok {
		t.Fatalf("baseline survived reset")
	}
	if len(a.Fields()) != 0 || a.LatestEvent() != "" || len(a.Times()) != 0 {
		t.Fatalf("state survived reset")
	}
	a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Alt: 80}), 2)
	if pts := a.Snapshot(telemetry.Alt); len(pts) != 1 || pts[0].V != 0 {
		t.Fatalf("alt=%v want fresh baseline", pts)
	}
}

func TestAggregator_ConcurrentReadersSeeConsistentFrames(t *testing.T) {
	a := New(Config{Capacity: 50}, nil)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			fr := a.Frame()
			yaw := fr.Series[telemetry.Yaw]
			pitch := fr.Series[telemetry.Pitch]
			if len(yaw) != len(pitch) || len(yaw) != len(fr.Times) {
				t.Errorf("misaligned frame: yaw=%d pitch=%d times=%d", len(yaw), len(pitch), len(fr.Times))
				return
			}
		}
	}()
	for i := 0; i < 500; i++ {
		a.Ingest(telemetry.Sample(map[telemetry.Field]float64{telemetry.Yaw: float64(i), telemetry.Pitch: float64(-i)}), float64(i))
	}
	close(done)
	wg.Wait()
}
