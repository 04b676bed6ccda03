package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"ggstation/internal/config"
	"ggstation/internal/ingest"
	"ggstation/internal/replay"
	"ggstation/internal/sink"
	"ggstation/internal/udp"
	"ggstation/internal/web"
)

// app is one process run: a single ingest session plus the surfaces that
// consume it.
type app struct {
	cfg    config.Config
	status *web.Status
	logs   *web.LogBuffer
	hub    *web.Hub

	session   *ingest.Session
	sinks     sink.Fanout
	sinkNames []string
	recorder  *replay.Writer
}

func newApp(ctx context.Context, cfg config.Config, logs *web.LogBuffer) (*app, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	a := &app{cfg: c, status: web.NewStatus(), logs: logs}

	if c.HTTP.Addr() != "" {
		a.hub = web.NewHub()
		a.addSink("ws", a.hub)
	}
	a.initSinks(ctx)

	if c.Record.Enable {
		w, err := replay.CreateWriter(c.Record.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("record: %w", err)
		}
		a.recorder = w
		log.Printf("recording session to path=%s", c.Record.Path)
	}

	sc := c.SessionConfig()
	if len(a.sinks) > 0 {
		sc.Sink = a.sinks
	}
	if a.recorder != nil {
		sc.Recorder = a.recorder
	}
	session, err := ingest.NewSession(sc)
	if err != nil {
		a.close()
		return nil, err
	}
	a.session = session

	a.status.SetStatic(c.Ingest.Mode, sc.Source.Describe(), a.sinkNames)
	a.status.SetIngest(session.Stats)
	if a.hub != nil {
		a.status.SetClients(a.hub.Clients)
	}
	return a, nil
}

// initSinks connects the optional downstream sinks. A sink that cannot
// connect is logged and left out; the ground station keeps running without it.
func (a *app) initSinks(ctx context.Context) {
	c := a.cfg.Sinks
	if c.MQTT.Enable {
		m, err := sink.NewMQTT(sink.MQTTConfig{
			Broker:   c.MQTT.Broker,
			Topic:    c.MQTT.Topic,
			ClientID: c.MQTT.ClientID,
		})
		if err != nil {
			log.Printf("mqtt sink disabled: %v", err)
		} else {
			a.addSink("mqtt", sink.NewAsync("mqtt", m, c.MQTT.Queue))
			log.Printf("mqtt sink broker=%s topic=%s", c.MQTT.Broker, c.MQTT.Topic)
		}
	}
	if c.Redis.Enable {
		r, err := sink.NewRedis(ctx, sink.RedisConfig{
			Addr:    c.Redis.Addr,
			DB:      c.Redis.DB,
			Channel: c.Redis.Channel,
			Key:     c.Redis.Key,
		})
		if err != nil {
			log.Printf("redis sink disabled: %v", err)
		} else {
			a.addSink("redis", sink.NewAsync("redis", r, c.Redis.Queue))
			log.Printf("redis sink addr=%s channel=%s key=%s", c.Redis.Addr, c.Redis.Channel, c.Redis.Key)
		}
	}
	if c.UDP.Enable {
		b, err := udp.NewBroadcaster(c.UDP.Dest)
		if err != nil {
			log.Printf("udp sink disabled: %v", err)
		} else {
			a.addSink("udp", sink.NewAsync("udp", b, 0))
			log.Printf("udp sink dest=%s", b.Dest())
		}
	}
}

func (a *app) addSink(name string, s sink.Sink) {
	a.sinks = append(a.sinks, s)
	a.sinkNames = append(a.sinkNames, name)
}

func (a *app) handler() http.Handler {
	return web.Handler(a.status, a.session.Aggregator(), a.logs, a.hub)
}

// run opens the source and ingests until ctx is done. An open failure is
// returned without any retry.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	errCh := make(chan error, 1)
	if addr := a.cfg.HTTP.Addr(); addr != "" {
		go a.hub.Run(ctx)
		go func() {
			err := web.Serve(ctx, addr, a.handler())
			if err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
		log.Printf("http listening addr=%s", addr)
	}

	log.Printf("ggstation starting session=%s mode=%s sinks=%s", a.session.ID(), a.cfg.Ingest.Mode, strings.Join(a.sinkNames, ","))
	if a.cfg.Ingest.Mode == "poll" {
		return a.poll(ctx, errCh)
	}
	return a.work(ctx, errCh)
}

func (a *app) work(ctx context.Context, errCh <-chan error) error {
	if err := a.session.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	case <-a.session.Done():
		return a.linger(ctx, errCh)
	}
}

func (a *app) poll(ctx context.Context, errCh <-chan error) error {
	t := time.NewTicker(a.cfg.Ingest.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-t.C:
			_, err := a.session.Step()
			switch {
			case err == nil, errors.Is(err, ingest.ErrBusy):
			case errors.Is(err, io.EOF):
				return a.linger(ctx, errCh)
			default:
				return err
			}
		}
	}
}

// linger keeps the HTTP surface up after a finite source ends so the last
// session stays inspectable. Without HTTP there is nothing left to do.
func (a *app) linger(ctx context.Context, errCh <-chan error) error {
	st := a.session.Stats()
	log.Printf("ingest finished session=%s lines=%d samples=%d events=%d fixes=%d unparseable=%d",
		st.Session, st.Lines, st.Samples, st.Events, st.Fixes, st.Unparseable)
	if a.cfg.HTTP.Addr() == "" {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *app) close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			log.Printf("source close: %v", err)
		}
	}
	if len(a.sinks) > 0 {
		if err := a.sinks.Close(); err != nil {
			log.Printf("sink close: %v", err)
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			log.Printf("record close: %v", err)
		}
	}
}
