// Package config loads the station's YAML configuration. Environment
// variables (optionally from a .env file) override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ggstation/internal/aggregate"
	"ggstation/internal/ingest"
	"ggstation/internal/source"
	"ggstation/internal/telemetry"
)

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Parser    ParserConfig    `yaml:"parser"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Record    RecordConfig    `yaml:"record"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sinks     SinksConfig     `yaml:"sinks"`
}

type SourceConfig struct {
	Kind string `yaml:"kind"`
	// Port is a serial device ("auto" scans for one), tcp host:port, or a
	// file or session log path.
	Port         string        `yaml:"port"`
	Baud         int           `yaml:"baud"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxLineBytes int           `yaml:"max_line_bytes"`
	ReplaySpeed  float64       `yaml:"replay_speed"`
	SimInterval  time.Duration `yaml:"sim_interval"`
	SimSeed      int64         `yaml:"sim_seed"`
}

type ParserConfig struct {
	Fields  []string          `yaml:"fields"`
	Aliases map[string]string `yaml:"aliases"`
	// GPSPrefix nil means the default "GPS:"; an empty string disables the
	// prefix check.
	GPSPrefix   *string `yaml:"gps_prefix"`
	GPSIndex    *int    `yaml:"gps_index"`
	EventMarker string  `yaml:"event_marker"`
	// LinePrefix nil means "Received: "; an empty string strips nothing.
	LinePrefix *string `yaml:"line_prefix"`
}

type AggregateConfig struct {
	Capacity    int  `yaml:"capacity"`
	StageEvents bool `yaml:"stage_events"`
}

type IngestConfig struct {
	// Mode is "worker" (blocking reads on a goroutine) or "poll" (Step on a
	// ticker).
	Mode                string        `yaml:"mode"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	IdleSleep           time.Duration `yaml:"idle_sleep"`
	ReadErrorPause      time.Duration `yaml:"read_error_pause"`
	MaxLinesPerStep     int           `yaml:"max_lines_per_step"`
	LogUnparseable      bool          `yaml:"log_unparseable"`
	LogUnparseableEvery int           `yaml:"log_unparseable_every"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type HTTPConfig struct {
	// Listen nil means ":8080"; an empty string disables the server.
	Listen *string `yaml:"listen"`
}

// Addr is the effective listen address, "" when disabled.
func (h HTTPConfig) Addr() string {
	if h.Listen == nil {
		return ":8080"
	}
	return strings.TrimSpace(*h.Listen)
}

type SinksConfig struct {
	MQTT  MQTTSinkConfig  `yaml:"mqtt"`
	Redis RedisSinkConfig `yaml:"redis"`
	UDP   UDPSinkConfig   `yaml:"udp"`
}

type MQTTSinkConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Queue    int    `yaml:"queue"`
}

type RedisSinkConfig struct {
	Enable  bool   `yaml:"enable"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
	Key     string `yaml:"key"`
	Queue   int    `yaml:"queue"`
}

type UDPSinkConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

// Load reads path (which may be empty for an all-defaults config), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := decodeStrict(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var te *yaml.TypeError
	if errors.As(err, &te) {
		unknown := make([]string, 0, len(te.Errors))
		for _, msg := range te.Errors {
			// "line 3: field x not found in type config.SourceConfig"
			if i := strings.Index(msg, ": "); i >= 0 && strings.HasPrefix(msg, "line ") {
				msg = msg[i+2:]
			}
			if !strings.HasPrefix(msg, "field ") {
				return err
			}
			unknown = append(unknown, msg)
		}
		return fmt.Errorf("config contains unknown fields: %s", strings.Join(unknown, "; "))
	}
	return err
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides config values from GGSTATION_* environment variables.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("GGSTATION_SOURCE_KIND", &cfg.Source.Kind)
	str("GGSTATION_SOURCE_PORT", &cfg.Source.Port)
	if v, ok := lookup("GGSTATION_SOURCE_BAUD"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("GGSTATION_SOURCE_BAUD must be an integer")
		}
		cfg.Source.Baud = n
	}
	if v, ok := lookup("GGSTATION_INGEST_MODE"); ok {
		cfg.Ingest.Mode = strings.TrimSpace(v)
	}
	if v, ok := lookup("GGSTATION_HTTP_LISTEN"); ok {
		v = strings.TrimSpace(v)
		cfg.HTTP.Listen = &v
	}
	if v, ok := lookup("GGSTATION_MQTT_BROKER"); ok {
		cfg.Sinks.MQTT.Broker = strings.TrimSpace(v)
		cfg.Sinks.MQTT.Enable = cfg.Sinks.MQTT.Broker != ""
	}
	if v, ok := lookup("GGSTATION_REDIS_ADDR"); ok {
		cfg.Sinks.Redis.Addr = strings.TrimSpace(v)
		cfg.Sinks.Redis.Enable = cfg.Sinks.Redis.Addr != ""
	}
	return nil
}

// DefaultAndValidate fills defaults in place and rejects inconsistent values.
func DefaultAndValidate(cfg *Config) error {
	src := &cfg.Source
	src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
	src.Port = strings.TrimSpace(src.Port)
	if src.Kind == "" {
		src.Kind = source.KindSerial
	}
	switch src.Kind {
	case source.KindSerial:
		if src.Port == "" {
			return fmt.Errorf("source.port is required when source.kind is 'serial'")
		}
		if src.Baud == 0 {
			src.Baud = 115200
		}
		if src.Baud < 0 {
			return fmt.Errorf("source.baud must be > 0")
		}
	case source.KindTCP, source.KindFile, source.KindReplay:
		if src.Port == "" {
			return fmt.Errorf("source.port is required when source.kind is '%s'", src.Kind)
		}
	case source.KindSim:
	default:
		return fmt.Errorf("source.kind must be one of serial, tcp, file, replay, sim")
	}
	if src.ReadTimeout == 0 {
		src.ReadTimeout = time.Second
	}
	if src.ReadTimeout < 0 {
		return fmt.Errorf("source.read_timeout must be >= 0")
	}
	if src.ReplaySpeed == 0 {
		src.ReplaySpeed = 1
	}
	if src.ReplaySpeed < 0 {
		return fmt.Errorf("source.replay_speed must be > 0")
	}
	if src.SimInterval <= 0 {
		src.SimInterval = 100 * time.Millisecond
	}
	if src.MaxLineBytes < 0 {
		return fmt.Errorf("source.max_line_bytes must be >= 0")
	}

	p := &cfg.Parser
	if len(p.Fields) == 0 {
		for _, f := range telemetry.DefaultFields {
			p.Fields = append(p.Fields, string(f))
		}
	}
	known := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		if strings.TrimSpace(f) == "" || strings.ContainsAny(f, ":,") {
			return fmt.Errorf("parser.fields contains an invalid name %q", f)
		}
		known[f] = true
	}
	if p.Aliases == nil {
		p.Aliases = make(map[string]string, len(telemetry.DefaultAliases))
		for k, v := range telemetry.DefaultAliases {
			if known[string(v)] {
				p.Aliases[k] = string(v)
			}
		}
	}
	for alias, target := range p.Aliases {
		if !known[target] {
			return fmt.Errorf("parser.aliases.%s maps to unknown field %q", alias, target)
		}
	}
	if p.GPSIndex != nil && *p.GPSIndex < 0 {
		return fmt.Errorf("parser.gps_index must be >= 0")
	}

	if cfg.Aggregate.Capacity == 0 {
		cfg.Aggregate.Capacity = aggregate.DefaultCapacity
	}
	if cfg.Aggregate.Capacity < 0 {
		return fmt.Errorf("aggregate.capacity must be > 0")
	}

	in := &cfg.Ingest
	in.Mode = strings.ToLower(strings.TrimSpace(in.Mode))
	if in.Mode == "" {
		in.Mode = "worker"
	}
	if in.Mode != "worker" && in.Mode != "poll" {
		return fmt.Errorf("ingest.mode must be 'worker' or 'poll'")
	}
	if in.PollInterval <= 0 {
		in.PollInterval = 10 * time.Millisecond
	}
	if in.MaxLinesPerStep <= 0 {
		in.MaxLinesPerStep = 64
	}
	if in.LogUnparseableEvery <= 0 {
		in.LogUnparseableEvery = 1
	}
	if in.Mode == "poll" && cfg.Source.ReadTimeout > in.PollInterval {
		// A poll step must return within one tick.
		cfg.Source.ReadTimeout = 0
	}

	if cfg.Record.Enable {
		if strings.TrimSpace(cfg.Record.Path) == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if cfg.Source.Kind == source.KindReplay {
			return fmt.Errorf("record cannot be used with source.kind=replay")
		}
	}

	m := &cfg.Sinks.MQTT
	if m.Enable && strings.TrimSpace(m.Broker) == "" {
		return fmt.Errorf("sinks.mqtt.broker is required when sinks.mqtt.enable is true")
	}
	if m.Topic == "" {
		m.Topic = "ggstation/telemetry"
	}
	if m.ClientID == "" {
		m.ClientID = "ggstation"
	}
	r := &cfg.Sinks.Redis
	if r.Enable && strings.TrimSpace(r.Addr) == "" {
		return fmt.Errorf("sinks.redis.addr is required when sinks.redis.enable is true")
	}
	if r.DB < 0 {
		return fmt.Errorf("sinks.redis.db must be >= 0")
	}
	if r.Channel == "" {
		r.Channel = "ggstation:telemetry"
	}
	if r.Key == "" {
		r.Key = "ggstation:latest"
	}
	if cfg.Sinks.UDP.Enable && strings.TrimSpace(cfg.Sinks.UDP.Dest) == "" {
		return fmt.Errorf("sinks.udp.dest is required when sinks.udp.enable is true")
	}
	return nil
}

// SessionConfig maps the validated file schema onto an ingest session.
// Sink and Recorder are left to the caller.
func (c Config) SessionConfig() ingest.Config {
	pc := telemetry.DefaultParserConfig()
	pc.Fields = make([]telemetry.Field, 0, len(c.Parser.Fields))
	for _, f := range c.Parser.Fields {
		pc.Fields = append(pc.Fields, telemetry.Field(f))
	}
	pc.Aliases = make(map[string]telemetry.Field, len(c.Parser.Aliases))
	for k, v := range c.Parser.Aliases {
		pc.Aliases[k] = telemetry.Field(v)
	}
	if c.Parser.GPSPrefix != nil {
		pc.GPSPrefix = *c.Parser.GPSPrefix
		if pc.GPSPrefix == "" {
			pc.NoGPSPrefix = true
			pc.GPSIndex = 0
		}
	}
	if c.Parser.GPSIndex != nil {
		pc.GPSIndex = *c.Parser.GPSIndex
	}
	if c.Parser.EventMarker != "" {
		pc.EventMarker = c.Parser.EventMarker
	}
	if c.Parser.LinePrefix != nil {
		pc.LinePrefix = *c.Parser.LinePrefix
		pc.NoLinePrefix = pc.LinePrefix == ""
	}

	return ingest.Config{
		Source: source.Config{
			Kind:         c.Source.Kind,
			Port:         c.Source.Port,
			Baud:         c.Source.Baud,
			ReadTimeout:  c.Source.ReadTimeout,
			DialTimeout:  c.Source.DialTimeout,
			MaxLineBytes: c.Source.MaxLineBytes,
			ReplaySpeed:  c.Source.ReplaySpeed,
			SimInterval:  c.Source.SimInterval,
			SimSeed:      c.Source.SimSeed,
		},
		Parser: pc,
		Aggregate: aggregate.Config{
			Capacity:    c.Aggregate.Capacity,
			StageEvents: c.Aggregate.StageEvents,
		},
		Loop: ingest.LoopConfig{
			IdleSleep:           c.Ingest.IdleSleep,
			ReadErrorPause:      c.Ingest.ReadErrorPause,
			MaxLinesPerStep:     c.Ingest.MaxLinesPerStep,
			LogUnparseable:      c.Ingest.LogUnparseable,
			LogUnparseableEvery: c.Ingest.LogUnparseableEvery,
		},
	}
}
