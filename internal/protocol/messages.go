// Package protocol defines the framed JSON messages exchanged with clients.
// Every message is a UTF-8 JSON object carrying a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/geo"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

// Message type taxonomy. The per-event marker_* names are reserved for wire
// compatibility with deployments that emit immediate deltas; this server
// emits coalesced batches only.
const (
	TypeViewportUpdate        = "viewport_update"
	TypePing                  = "ping"
	TypeConnectionEstablished = "connection_established"
	TypeInitialMarkers        = "initial_markers"
	TypeMarkerUpdatesBatch    = "marker_updates_batch"
	TypeMarkerCreated         = "marker_created"
	TypeMarkerUpdated         = "marker_updated"
	TypeMarkerDeleted         = "marker_deleted"
	TypeError                 = "error"
	TypeDebugEvent            = "debug_event"
)

// Error codes sent to clients.
const (
	CodeMalformedMessage = "MALFORMED_MESSAGE"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeInvalidViewport  = "INVALID_VIEWPORT"
	CodeTooManyErrors    = "TOO_MANY_ERRORS"
)

// Viewport is the client-facing bbox shape. Pointers distinguish absent
// fields from legitimate zero coordinates.
type Viewport struct {
	North *float64 `json:"north"`
	South *float64 `json:"south"`
	East  *float64 `json:"east"`
	West  *float64 `json:"west"`
}

// Rect validates the payload and converts it to index space.
func (v Viewport) Rect() (geo.Rect, error) {
	if v.North == nil || v.South == nil || v.East == nil || v.West == nil {
		return geo.Rect{}, fmt.Errorf("protocol: viewport missing field")
	}
	r := geo.Rect{
		MinLng: *v.West,
		MinLat: *v.South,
		MaxLng: *v.East,
		MaxLat: *v.North,
	}
	if err := r.Validate(); err != nil {
		return geo.Rect{}, err
	}
	return r, nil
}

// Inbound is the decoded client message envelope.
type Inbound struct {
	Type     string    `json:"type"`
	Viewport *Viewport `json:"viewport,omitempty"`
}

// DecodeInbound parses a client frame. It fails only on malformed JSON or a
// missing type; unknown types decode fine and are judged by the dispatcher.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("protocol: malformed message: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("protocol: message missing type")
	}
	return in, nil
}

// Marker is the wire shape of a marker record: coordinates ride as
// [lng, lat] and attributes pass through untouched.
type Marker struct {
	ID         string                     `json:"id"`
	Coordinate [2]float64                 `json:"coordinate"`
	Attributes map[string]json.RawMessage `json:"attributes"`
}

func wireMarker(m types.Marker) Marker {
	attrs := m.Attributes
	if attrs == nil {
		attrs = map[string]json.RawMessage{}
	}
	return Marker{
		ID:         m.ID,
		Coordinate: [2]float64{m.Lng, m.Lat},
		Attributes: attrs,
	}
}

func wireMarkers(ms []types.Marker) []Marker {
	out := make([]Marker, 0, len(ms))
	for _, m := range ms {
		out = append(out, wireMarker(m))
	}
	return out
}

type connectionEstablished struct {
	Type       string `json:"type"`
	ClientID   string `json:"clientId"`
	InstanceID string `json:"instanceId"`
}

// ConnectionEstablished is the first frame on every connection.
func ConnectionEstablished(clientID, instanceID string) ([]byte, error) {
	return json.Marshal(connectionEstablished{
		Type:       TypeConnectionEstablished,
		ClientID:   clientID,
		InstanceID: instanceID,
	})
}

type initialMarkers struct {
	Type string   `json:"type"`
	Data []Marker `json:"data"`
}

// InitialMarkers carries the full current-viewport set. The data array is
// always present, empty included, so clients can clear stale markers.
func InitialMarkers(markers []types.Marker) ([]byte, error) {
	return json.Marshal(initialMarkers{
		Type: TypeInitialMarkers,
		Data: wireMarkers(markers),
	})
}

type markerUpdatesBatch struct {
	Type      string   `json:"type"`
	Created   []Marker `json:"created"`
	Updated   []Marker `json:"updated"`
	Deleted   []string `json:"deleted"`
	Timestamp int64    `json:"timestamp"`
}

// Batch encodes one coalesced flush. Deleted entries are bare ids.
func Batch(created, updated []types.Marker, deleted []string, ts time.Time) ([]byte, error) {
	if deleted == nil {
		deleted = []string{}
	}
	return json.Marshal(markerUpdatesBatch{
		Type:      TypeMarkerUpdatesBatch,
		Created:   wireMarkers(created),
		Updated:   wireMarkers(updated),
		Deleted:   deleted,
		Timestamp: ts.UnixMilli(),
	})
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorMessage reports a protocol violation back to the offending client.
func ErrorMessage(code, message string) ([]byte, error) {
	return json.Marshal(errorMessage{Type: TypeError, Code: code, Message: message})
}

type debugEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DebugEvent wraps opaque diagnostics. Clients are free to ignore it.
func DebugEvent(data any) ([]byte, error) {
	return json.Marshal(debugEvent{Type: TypeDebugEvent, Data: data})
}
