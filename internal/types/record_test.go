package types

import (
	"errors"
	"testing"
)

func TestParseRecord(t *testing.T) {
	raw := []byte(`{
		"id": "evt-1",
		"location": {"type": "Point", "coordinates": [-73.99, 40.72]},
		"title": "Food trucks",
		"emoji": "🌮",
		"color": "#ff8800"
	}`)
	m, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if m.ID != "evt-1" {
		t.Fatalf("ID = %q", m.ID)
	}
	if m.Lng != -73.99 || m.Lat != 40.72 {
		t.Fatalf("coordinate = (%v,%v)", m.Lng, m.Lat)
	}
	if _, ok := m.Attributes["title"]; !ok {
		t.Fatal("title attribute dropped")
	}
	if _, ok := m.Attributes["id"]; ok {
		t.Fatal("id leaked into attributes")
	}
	if _, ok := m.Attributes["location"]; ok {
		t.Fatal("location leaked into attributes")
	}
}

func TestParseRecordErrors(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		noCoord bool
	}{
		{"not json", `{{`, false},
		{"missing id", `{"location":{"coordinates":[1,2]}}`, false},
		{"numeric id", `{"id": 12, "location":{"coordinates":[1,2]}}`, false},
		{"missing location", `{"id":"a","title":"x"}`, true},
		{"empty coordinates", `{"id":"a","location":{"coordinates":[]}}`, true},
		{"single coordinate", `{"id":"a","location":{"coordinates":[5]}}`, true},
		{"lng out of range", `{"id":"a","location":{"coordinates":[181,0]}}`, true},
		{"lat out of range", `{"id":"a","location":{"coordinates":[0,-91]}}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRecord([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrNoCoordinate); got != tc.noCoord {
				t.Fatalf("errors.Is(ErrNoCoordinate) = %v, want %v (err: %v)", got, tc.noCoord, err)
			}
		})
	}
}

func TestParseRecordID(t *testing.T) {
	id, err := ParseRecordID([]byte(`{"id":"evt-9"}`))
	if err != nil || id != "evt-9" {
		t.Fatalf("ParseRecordID = %q, %v", id, err)
	}
	if _, err := ParseRecordID([]byte(`{}`)); err == nil {
		t.Fatal("missing id accepted")
	}
	if _, err := ParseRecordID([]byte(`not json`)); err == nil {
		t.Fatal("malformed json accepted")
	}
}

func TestAttributesEqual(t *testing.T) {
	a, err := ParseRecord([]byte(`{"id":"x","location":{"coordinates":[1,2]},"title":"a","color":"red"}`))
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	b, err := ParseRecord([]byte(`{"id":"x","color":"red","title":"a","location":{"coordinates":[1,2]}}`))
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if !a.AttributesEqual(b) {
		t.Fatal("field order changed equality")
	}
	c, err := ParseRecord([]byte(`{"id":"x","location":{"coordinates":[1,2]},"title":"b","color":"red"}`))
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if a.AttributesEqual(c) {
		t.Fatal("differing titles compared equal")
	}
}
