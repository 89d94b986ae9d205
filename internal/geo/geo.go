// Package geo provides the planar lng/lat primitives and the point R-tree
// backing the marker index.
package geo

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDuplicateID is returned by Insert when the id is already indexed.
	ErrDuplicateID = errors.New("geo: id already present")

	// ErrBadCoordinate is returned for NaN or infinite coordinates.
	ErrBadCoordinate = errors.New("geo: non-finite coordinate")
)

// Entry is one indexed point.
type Entry struct {
	ID  string
	Lng float64
	Lat float64
}

// Rect is an axis-aligned rectangle in lng/lat space. Antimeridian-crossing
// rectangles are not representable; callers must split them.
type Rect struct {
	MinLng float64
	MinLat float64
	MaxLng float64
	MaxLat float64
}

// Contains reports whether the point lies inside the rectangle, borders
// inclusive.
func (r Rect) Contains(lng, lat float64) bool {
	return lng >= r.MinLng && lng <= r.MaxLng && lat >= r.MinLat && lat <= r.MaxLat
}

// Validate checks finiteness, world bounds, and min<=max ordering.
func (r Rect) Validate() error {
	for _, v := range []float64{r.MinLng, r.MinLat, r.MaxLng, r.MaxLat} {
		if !finite(v) {
			return ErrBadCoordinate
		}
	}
	if r.MinLng < -180 || r.MaxLng > 180 || r.MinLat < -90 || r.MaxLat > 90 {
		return fmt.Errorf("geo: rect outside world bounds: %+v", r)
	}
	if r.MinLng > r.MaxLng || r.MinLat > r.MaxLat {
		return fmt.Errorf("geo: rect min exceeds max: %+v", r)
	}
	return nil
}

func (r Rect) intersects(o Rect) bool {
	return r.MinLng <= o.MaxLng && r.MaxLng >= o.MinLng &&
		r.MinLat <= o.MaxLat && r.MaxLat >= o.MinLat
}

func (r Rect) union(o Rect) Rect {
	return Rect{
		MinLng: math.Min(r.MinLng, o.MinLng),
		MinLat: math.Min(r.MinLat, o.MinLat),
		MaxLng: math.Max(r.MaxLng, o.MaxLng),
		MaxLat: math.Max(r.MaxLat, o.MaxLat),
	}
}

func (r Rect) area() float64 {
	return (r.MaxLng - r.MinLng) * (r.MaxLat - r.MinLat)
}

// enlargement is the area growth needed for r to absorb o.
func (r Rect) enlargement(o Rect) float64 {
	return r.union(o).area() - r.area()
}

func pointRect(lng, lat float64) Rect {
	return Rect{MinLng: lng, MinLat: lat, MaxLng: lng, MaxLat: lat}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidCoordinate reports whether (lng, lat) is finite and within world
// bounds. Record validation in the ingest paths uses this before any marker
// reaches the index.
func ValidCoordinate(lng, lat float64) bool {
	return finite(lng) && finite(lat) &&
		lng >= -180 && lng <= 180 && lat >= -90 && lat <= 90
}
