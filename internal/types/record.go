package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/geo"
)

// ErrNoCoordinate marks an upstream record without a usable coordinate
// pair. Callers skip such records rather than failing the whole batch.
var ErrNoCoordinate = errors.New("record has no usable coordinate")

// ParseRecord decodes an upstream marker record of the form
// {id, location:{coordinates:[lng,lat]}, …attributes}. Every field other
// than id and location is carried through as an opaque attribute.
func ParseRecord(data []byte) (Marker, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Marker{}, fmt.Errorf("parse record: %w", err)
	}

	rawID, ok := fields["id"]
	if !ok {
		return Marker{}, errors.New("record missing id")
	}
	var id string
	if err := json.Unmarshal(rawID, &id); err != nil || id == "" {
		return Marker{}, errors.New("record id is not a non-empty string")
	}

	rawLoc, ok := fields["location"]
	if !ok {
		return Marker{}, fmt.Errorf("id %s: %w", id, ErrNoCoordinate)
	}
	var loc struct {
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(rawLoc, &loc); err != nil || len(loc.Coordinates) < 2 {
		return Marker{}, fmt.Errorf("id %s: %w", id, ErrNoCoordinate)
	}
	lng, lat := loc.Coordinates[0], loc.Coordinates[1]
	if !geo.ValidCoordinate(lng, lat) {
		return Marker{}, fmt.Errorf("id %s: coordinate (%v,%v): %w", id, lng, lat, ErrNoCoordinate)
	}

	attrs := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "id" || k == "location" {
			continue
		}
		attrs[k] = v
	}

	return Marker{ID: id, Lng: lng, Lat: lat, Attributes: attrs}, nil
}

// ParseRecordID extracts just the id, for DELETE records that may carry
// nothing else.
func ParseRecordID(data []byte) (string, error) {
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("parse record id: %w", err)
	}
	if rec.ID == "" {
		return "", errors.New("record missing id")
	}
	return rec.ID, nil
}
