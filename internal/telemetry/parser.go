package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParserConfig selects the dialect of the link. Different firmware builds and
// GPS bridges differ only in these knobs, so one Parser serves all of them.
type ParserConfig struct {
	// Fields is the recognized canonical field set. Keys outside it (after
	// alias resolution) are ignored. Empty means DefaultFields.
	Fields []Field
	// Aliases maps wire key names onto canonical fields. Nil means
	// DefaultAliases; an empty map disables aliasing.
	Aliases map[string]Field

	// GPSPrefix is the literal first token a GPS line must carry. Default
	// "GPS:". Set NoGPSPrefix for bridges that send bare coordinates.
	GPSPrefix   string
	NoGPSPrefix bool
	// GPSIndex is the token index holding latitude; longitude follows it.
	GPSIndex int

	// EventMarker marks status/event lines. Default "EVENT".
	EventMarker string
	// LinePrefix is stripped from the start of a line when present.
	// Default "Received: ". NoLinePrefix keeps lines as received.
	LinePrefix   string
	NoLinePrefix bool
	// Units are value suffixes stripped before numeric conversion.
	Units []string
}

// DefaultParserConfig matches the ground-station receiver firmware.
func DefaultParserConfig() ParserConfig {
	aliases := make(map[string]Field, len(DefaultAliases))
	for k, v := range DefaultAliases {
		aliases[k] = v
	}
	return ParserConfig{
		Fields:      append([]Field(nil), DefaultFields...),
		Aliases:     aliases,
		GPSPrefix:   "GPS:",
		GPSIndex:    1,
		EventMarker: "EVENT",
		LinePrefix:  "Received: ",
		Units:       []string{"hPa", "Pa", "°C", "C", "m"},
	}
}

// Parser is safe for concurrent use; it holds no mutable state after
// construction.
type Parser struct {
	keys        map[string]Field
	gpsPrefix   string
	gpsIndex    int
	eventMarker string
	linePrefix  string
	units       []string
}

func NewParser(cfg ParserConfig) *Parser {
	def := DefaultParserConfig()
	if len(cfg.Fields) == 0 {
		cfg.Fields = def.Fields
	}
	if cfg.EventMarker == "" {
		cfg.EventMarker = def.EventMarker
	}
	if cfg.Aliases == nil {
		cfg.Aliases = def.Aliases
	}
	switch {
	case cfg.NoLinePrefix:
		cfg.LinePrefix = ""
	case cfg.LinePrefix == "":
		cfg.LinePrefix = def.LinePrefix
	}
	switch {
	case cfg.NoGPSPrefix:
		cfg.GPSPrefix = ""
	case cfg.GPSPrefix == "":
		cfg.GPSPrefix = def.GPSPrefix
	}
	if len(cfg.Units) == 0 {
		cfg.Units = def.Units
	}
	if cfg.GPSIndex < 0 {
		cfg.GPSIndex = 0
	}
	// The prefix occupies token 0, so coordinates cannot start there.
	if cfg.GPSPrefix != "" && cfg.GPSIndex < 1 {
		cfg.GPSIndex = 1
	}

	known := make(map[Field]bool, len(cfg.Fields))
	keys := make(map[string]Field, len(cfg.Fields)+len(cfg.Aliases))
	for _, f := range cfg.Fields {
		known[f] = true
		keys[string(f)] = f
	}
	for alias, f := range cfg.Aliases {
		if known[f] {
			keys[alias] = f
		}
	}

	return &Parser{
		keys:        keys,
		gpsPrefix:   cfg.GPSPrefix,
		gpsIndex:    cfg.GPSIndex,
		eventMarker: cfg.EventMarker,
		linePrefix:  cfg.LinePrefix,
		units:       cfg.Units,
	}
}

// Parse interprets one line. It never fails: anything it cannot interpret is
// returned as an Unparseable record.
func (p *Parser) Parse(line string) Record {
	line = strings.TrimSpace(line)
	if line == "" {
		return Unparseable(line, "empty line")
	}
	body := strings.TrimSpace(strings.TrimPrefix(line, p.linePrefix))

	if strings.Contains(line, p.eventMarker) {
		return Event(body)
	}
	if p.isKeyValue(body) {
		return p.parseKeyValue(line, body)
	}
	return p.parseGPS(line, body)
}

// isKeyValue reports whether body looks like "key: value[, key: value...]".
// A pair counts when its key is recognized, or when it is a generic
// single-token "Key: value" pair. "GPS: 43.77 -79.50" is neither, since its
// value spans two tokens.
func (p *Parser) isKeyValue(body string) bool {
	for _, pair := range strings.Split(body, ",") {
		colon := strings.IndexByte(pair, ':')
		if colon <= 0 {
			continue
		}
		key := strings.TrimSpace(pair[:colon])
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		if _, ok := p.keys[key]; ok {
			return true
		}
		if len(strings.Fields(pair[colon+1:])) == 1 {
			return true
		}
	}
	return false
}

func (p *Parser) parseKeyValue(line, body string) Record {
	fields := make(map[Field]float64)
	for _, pair := range strings.Split(body, ",") {
		pair = strings.TrimSpace(pair)
		colon := strings.IndexByte(pair, ':')
		if colon == -1 {
			continue
		}
		key := strings.TrimSpace(pair[:colon])
		f, ok := p.keys[key]
		if !ok {
			continue
		}
		v, err := p.parseValue(pair[colon+1:])
		if err != nil {
			return Unparseable(line, fmt.Sprintf("field %s: %v", key, err))
		}
		fields[f] = v
	}
	if len(fields) == 0 {
		return Unparseable(line, "no recognized fields")
	}
	return Sample(fields)
}

func (p *Parser) parseGPS(line, body string) Record {
	tokens := strings.Fields(body)
	if p.gpsPrefix != "" {
		if len(tokens) == 0 || tokens[0] != p.gpsPrefix {
			return Unparseable(line, "unrecognized line")
		}
	}
	if len(tokens) < p.gpsIndex+2 {
		return Unparseable(line, "incomplete coordinate pair")
	}
	lat, err := parseFinite(tokens[p.gpsIndex])
	if err != nil {
		return Unparseable(line, fmt.Sprintf("latitude: %v", err))
	}
	lon, err := parseFinite(tokens[p.gpsIndex+1])
	if err != nil {
		return Unparseable(line, fmt.Sprintf("longitude: %v", err))
	}
	return GPSFix(lat, lon)
}

func (p *Parser) parseValue(raw string) (float64, error) {
	v := strings.TrimSpace(raw)
	switch strings.ToUpper(v) {
	case "ON", "TRUE":
		return 1, nil
	case "OFF", "FALSE":
		return 0, nil
	}
	scale := 1.0
	for _, u := range p.units {
		if strings.HasSuffix(v, u) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u))
			if k, ok := unitScale[u]; ok {
				scale = k
			}
			break
		}
	}
	f, err := parseFinite(v)
	if err != nil {
		return 0, err
	}
	return f * scale, nil
}

// unitScale converts suffixed values to the unit the rest of a series uses.
var unitScale = map[string]float64{
	"hPa": 100,
}

func parseFinite(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	// ParseFloat also takes hex mantissas; the link only sends decimal.
	if d := strings.TrimLeft(s, "+-"); strings.HasPrefix(d, "0x") || strings.HasPrefix(d, "0X") {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not finite: %q", s)
	}
	return v, nil
}
