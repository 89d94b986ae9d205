// Package pubsub feeds marker change events from the backing message bus
// into the store. Two drivers implement the same Subscriber surface: NATS
// (default) and Kafka. The Consumer in between owns a bounded queue so a
// burst on the bus degrades to dropped messages, never to an unbounded
// heap; hydration reconciles whatever was dropped.
package pubsub

import (
	"encoding/json"
	"fmt"
)

// Operations carried in the envelope. INSERT is accepted as a synonym for
// CREATE; some upstream publishers emit one, some the other.
const (
	OpCreate = "CREATE"
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Envelope is the published wire shape on the marker channel.
type Envelope struct {
	Operation string          `json:"operation"`
	Record    json.RawMessage `json:"record"`
}

// ParseEnvelope validates the outer shape. The record payload is left raw;
// the consumer parses it per operation.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Operation {
	case OpCreate, OpInsert, OpUpdate, OpDelete:
	case "":
		return Envelope{}, fmt.Errorf("envelope missing operation")
	default:
		return Envelope{}, fmt.Errorf("unknown operation %q", env.Operation)
	}
	if len(env.Record) == 0 {
		return Envelope{}, fmt.Errorf("envelope missing record")
	}
	return env, nil
}

// Handler receives one raw message payload from the bus.
type Handler func(data []byte)

// Subscriber is a push source of raw envelope payloads.
type Subscriber interface {
	// Start begins delivery. The handler must not block; drivers call it
	// from their receive goroutine.
	Start(handler Handler) error
	Stop() error
	Connected() bool
}
