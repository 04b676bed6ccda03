package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/http"
	"path"
	"strings"
	"time"

	"ggstation/internal/aggregate"
	"ggstation/internal/telemetry"
)

// Telemetry is the read side of the aggregator that the HTTP API exposes.
type Telemetry interface {
	Frame() aggregate.Frame
	Snapshot(f telemetry.Field) []aggregate.Point
	LatestEvent() string
	CurrentCalibration() (float64, bool)
	Latest() map[telemetry.Field]float64
	Position() (lat, lon float64, ok bool)
}

type SeriesResponse struct {
	Field  string            `json:"field"`
	Points []aggregate.Point `json:"points"`
}

type EventResponse struct {
	Event string `json:"event"`
}

type CalibrationResponse struct {
	Calibrated  bool     `json:"calibrated"`
	BaselineAlt *float64 `json:"baseline_alt"`
}

type LatestResponse struct {
	Fields map[telemetry.Field]float64 `json:"fields"`
	// YawHeadingDeg is Yaw folded into [0,360) for compass gauges.
	YawHeadingDeg *float64 `json:"yaw_heading_deg,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`
	Event         string   `json:"event,omitempty"`
}

// Handler serves the consumer API. tel, logs and hub may be nil.
func Handler(status *Status, tel Telemetry, logs *LogBuffer, hub *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/about", aboutHandler)

	if tel != nil {
		mux.HandleFunc("/api/frame", func(w http.ResponseWriter, r *http.Request) {
			if !allowGet(w, r) {
				return
			}
			writeJSON(w, tel.Frame())
		})

		mux.HandleFunc("/api/series", func(w http.ResponseWriter, r *http.Request) {
			if !allowGet(w, r) {
				return
			}
			field := strings.TrimSpace(r.URL.Query().Get("field"))
			if field == "" {
				http.Error(w, "field is required", http.StatusBadRequest)
				return
			}
			writeJSON(w, SeriesResponse{Field: field, Points: tel.Snapshot(telemetry.Field(field))})
		})

		mux.HandleFunc("/api/event", func(w http.ResponseWriter, r *http.Request) {
			if !allowGet(w, r) {
				return
			}
			writeJSON(w, EventResponse{Event: tel.LatestEvent()})
		})

		mux.HandleFunc("/api/calibration", func(w http.ResponseWriter, r *http.Request) {
			if !allowGet(w, r) {
				return
			}
			var resp CalibrationResponse
			if b, ok := tel.CurrentCalibration(); ok {
				resp.Calibrated = true
				resp.BaselineAlt = &b
			}
			writeJSON(w, resp)
		})

		mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
			if !allowGet(w, r) {
				return
			}
			writeJSON(w, latestView(tel))
		})
	}

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if hub != nil {
		mux.Handle("/ws", hub)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		if r.URL.Path != "/" {
			if path.Dir(r.URL.Path) == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
				http.NotFound(w, r)
				return
			}
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>GGStation</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>GGStation</h1>")
		_, _ = fmt.Fprintf(w, "<p>Live data: <a href=\"/api/latest\">/api/latest</a>, <a href=\"/api/frame\">/api/frame</a>, websocket at /ws.</p>")
		_, _ = fmt.Fprintf(w, "<pre>mode=%s\nsource=%s\nuptime_sec=%d</pre>",
			html.EscapeString(snap.Mode), html.EscapeString(snap.Source), snap.UptimeSec)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func latestView(tel Telemetry) LatestResponse {
	resp := LatestResponse{Fields: tel.Latest(), Event: tel.LatestEvent()}
	if yaw, ok := resp.Fields[telemetry.Yaw]; ok {
		h := math.Mod(yaw, 360)
		if h < 0 {
			h += 360
		}
		resp.YawHeadingDeg = &h
	}
	if lat, lon, ok := tel.Position(); ok {
		resp.Lat, resp.Lon = &lat, &lon
	}
	return resp
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: /ws connections are long-lived and set their own
		// per-message deadlines.
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
