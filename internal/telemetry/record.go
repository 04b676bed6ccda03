package telemetry

import "sort"

// Field is a canonical telemetry channel name.
type Field string

const (
	Yaw         Field = "Yaw"
	Pitch       Field = "Pitch"
	Roll        Field = "Roll"
	Alt         Field = "Alt"
	Pressure    Field = "Pressure"
	Temperature Field = "Temperature"
	Accel       Field = "Accel"
	Stage       Field = "Stage"
	LED         Field = "LED"

	// Lat and Lon are only populated from GPS fixes.
	Lat Field = "Lat"
	Lon Field = "Lon"
)

// DefaultFields is the field set flown by the current avionics firmware.
var DefaultFields = []Field{Yaw, Pitch, Roll, Alt, Pressure, Temperature, Accel, Stage, LED}

// DefaultAliases maps the short and filtered key names used by older firmware
// builds onto canonical fields.
var DefaultAliases = map[string]Field{
	"P":        Pressure,
	"T":        Temperature,
	"Filt_Alt": Alt,
	"Filt_Acc": Accel,
	"AngleX":   Yaw,
	"AngleY":   Pitch,
}

type Kind int

const (
	KindUnparseable Kind = iota
	KindSample
	KindEvent
	KindGPS
)

func (k Kind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindEvent:
		return "event"
	case KindGPS:
		return "gps"
	default:
		return "unparseable"
	}
}

// Record is the result of parsing one line. Kind selects which of the other
// fields are meaningful:
//
//	KindSample:      Fields
//	KindEvent:       Text
//	KindGPS:         Lat, Lon
//	KindUnparseable: Text (original line), Reason
type Record struct {
	Kind   Kind
	Fields map[Field]float64
	Text   string
	Lat    float64
	Lon    float64
	Reason string
}

func Sample(fields map[Field]float64) Record {
	return Record{Kind: KindSample, Fields: fields}
}

func Event(text string) Record {
	return Record{Kind: KindEvent, Text: text}
}

func GPSFix(lat, lon float64) Record {
	return Record{Kind: KindGPS, Lat: lat, Lon: lon}
}

func Unparseable(line string, reason string) Record {
	return Record{Kind: KindUnparseable, Text: line, Reason: reason}
}

// SortedFields returns the populated field names of a sample in a stable order.
func (r Record) SortedFields() []Field {
	out := make([]Field, 0, len(r.Fields))
	for f := range r.Fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
