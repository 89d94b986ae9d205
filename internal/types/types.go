// Package types holds the records shared across the ingest, index, and
// fan-out layers.
package types

import (
	"bytes"
	"encoding/json"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Marker is the authoritative record for one geolocated event. Stored
// markers are replaced wholesale on update, never mutated in place, so a
// Marker handed out in a ChangeEvent stays stable after the store moves on.
type Marker struct {
	ID         string
	Lng        float64
	Lat        float64
	Attributes map[string]json.RawMessage
	Version    int64
}

// AttributesEqual compares display payloads by canonical JSON form
// (map marshaling sorts keys). Formatting differences inside attribute
// values read as inequality, which at worst produces a redundant synthetic
// update during reconcile.
func (m Marker) AttributesEqual(o Marker) bool {
	a, err1 := json.Marshal(m.Attributes)
	b, err2 := json.Marshal(o.Attributes)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ChangeKind classifies a store mutation.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is the normalized form of one applied mutation. Prev and Next
// carry the record before and after; nil when there is no such state.
type ChangeEvent struct {
	Kind    ChangeKind
	ID      string
	Prev    *Marker
	Next    *Marker
	Version int64
}
