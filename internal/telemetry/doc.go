// Package telemetry turns single ASCII lines from the avionics or GPS serial
// link into typed records.
//
// Three line shapes are recognized, in priority order:
//   - event lines (anything containing "EVENT")
//   - key/value telemetry ("Received: Yaw: 12.3, Pitch: -4.5, Alt: 101.2m")
//   - whitespace separated GPS lines ("GPS: 43.7735 -79.5015")
//
// Everything else becomes an Unparseable record carrying the original text.
package telemetry
