package geo

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"
)

func collectIDs(entries []Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids
}

func wantIDs(ids ...string) []string {
	sort.Strings(ids)
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInsertAndSearch(t *testing.T) {
	tr := NewRTree()
	points := []Entry{
		{ID: "m1", Lng: -73.99, Lat: 40.72},
		{ID: "m2", Lng: -73.95, Lat: 40.78},
		{ID: "m3", Lng: -74.10, Lat: 40.60},
	}
	for _, p := range points {
		if err := tr.Insert(p.ID, p.Lng, p.Lat); err != nil {
			t.Fatalf("Insert(%s): %v", p.ID, err)
		}
	}
	if tr.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tr.Len())
	}

	got := tr.Search(Rect{MinLng: -74.0, MinLat: 40.70, MaxLng: -73.9, MaxLat: 40.80})
	if !equalIDs(collectIDs(got), wantIDs("m1", "m2")) {
		t.Fatalf("Search = %v, want [m1 m2]", collectIDs(got))
	}

	got = tr.Search(Rect{MinLng: -74.15, MinLat: 40.55, MaxLng: -74.05, MaxLat: 40.65})
	if !equalIDs(collectIDs(got), wantIDs("m3")) {
		t.Fatalf("Search = %v, want [m3]", collectIDs(got))
	}
}

func TestInsertRejectsDuplicateAndNonFinite(t *testing.T) {
	tr := NewRTree()
	if err := tr.Insert("a", 1, 2); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert("a", 3, 4); err != ErrDuplicateID {
		t.Fatalf("duplicate Insert err = %v, want ErrDuplicateID", err)
	}
	cases := []struct{ lng, lat float64 }{
		{math.NaN(), 0},
		{0, math.NaN()},
		{math.Inf(1), 0},
		{0, math.Inf(-1)},
	}
	for _, c := range cases {
		if err := tr.Insert("b", c.lng, c.lat); err != ErrBadCoordinate {
			t.Fatalf("Insert(%v,%v) err = %v, want ErrBadCoordinate", c.lng, c.lat, err)
		}
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d after rejected inserts, want 1", tr.Len())
	}
}

func TestSearchBordersInclusive(t *testing.T) {
	tr := NewRTree()
	if err := tr.Insert("edge", -74.0, 40.70); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got := tr.Search(Rect{MinLng: -74.0, MinLat: 40.70, MaxLng: -73.9, MaxLat: 40.80})
	if len(got) != 1 {
		t.Fatalf("point on min corner not returned")
	}
	got = tr.Search(Rect{MinLng: -74.1, MinLat: 40.60, MaxLng: -74.0, MaxLat: 40.70})
	if len(got) != 1 {
		t.Fatalf("point on max corner not returned")
	}
}

func TestDuplicateCoordinatesDistinctIDs(t *testing.T) {
	tr := NewRTree()
	for i := 0; i < 40; i++ {
		if err := tr.Insert(fmt.Sprintf("p%02d", i), 10.5, 20.5); err != nil {
			t.Fatalf("Insert p%02d: %v", i, err)
		}
	}
	got := tr.Search(Rect{MinLng: 10, MinLat: 20, MaxLng: 11, MaxLat: 21})
	if len(got) != 40 {
		t.Fatalf("Search returned %d coincident points, want 40", len(got))
	}
}

func TestRemove(t *testing.T) {
	tr := NewRTree()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("p%03d", i)
		if err := tr.Insert(id, float64(i%10), float64(i/10)); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	if removed := tr.Remove("p042"); !removed {
		t.Fatalf("Remove(p042) = false, want true")
	}
	if removed := tr.Remove("p042"); removed {
		t.Fatalf("second Remove(p042) = true, want false")
	}
	if removed := tr.Remove("missing"); removed {
		t.Fatalf("Remove(missing) = true, want false")
	}
	if tr.Len() != 99 {
		t.Fatalf("Len = %d, want 99", tr.Len())
	}
	world := Rect{MinLng: -180, MinLat: -90, MaxLng: 180, MaxLat: 90}
	for _, e := range tr.Search(world) {
		if e.ID == "p042" {
			t.Fatalf("removed id still returned by Search")
		}
	}
	if len(tr.Search(world)) != 99 {
		t.Fatalf("Search after remove returned %d, want 99", len(tr.Search(world)))
	}
}

func TestRemoveAllThenReinsert(t *testing.T) {
	tr := NewRTree()
	for i := 0; i < 20; i++ {
		if err := tr.Insert(fmt.Sprintf("x%d", i), float64(i), float64(-i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		if !tr.Remove(fmt.Sprintf("x%d", i)) {
			t.Fatalf("Remove x%d failed", i)
		}
	}
	if tr.Len() != 0 {
		t.Fatalf("Len = %d after draining, want 0", tr.Len())
	}
	if err := tr.Insert("fresh", 5, 5); err != nil {
		t.Fatalf("Insert into drained tree: %v", err)
	}
	got := tr.Search(Rect{MinLng: 4, MinLat: 4, MaxLng: 6, MaxLat: 6})
	if !equalIDs(collectIDs(got), wantIDs("fresh")) {
		t.Fatalf("Search after drain = %v, want [fresh]", collectIDs(got))
	}
}

func TestReplaceMovesPoint(t *testing.T) {
	tr := NewRTree()
	if err := tr.Insert("m1", -73.99, 40.72); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Replace("m1", -74.50, 40.72); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d after replace, want 1", tr.Len())
	}
	old := tr.Search(Rect{MinLng: -74.0, MinLat: 40.70, MaxLng: -73.9, MaxLat: 40.80})
	if len(old) != 0 {
		t.Fatalf("old position still indexed after replace")
	}
	moved := tr.Search(Rect{MinLng: -74.6, MinLat: 40.70, MaxLng: -74.4, MaxLat: 40.80})
	if !equalIDs(collectIDs(moved), wantIDs("m1")) {
		t.Fatalf("new position missing after replace")
	}
}

func TestReplaceInsertsWhenAbsent(t *testing.T) {
	tr := NewRTree()
	if err := tr.Replace("ghost", 1, 1); err != nil {
		t.Fatalf("Replace on empty tree: %v", err)
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}
}

func TestBulkLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	entries := make([]Entry, 500)
	for i := range entries {
		entries[i] = Entry{
			ID:  fmt.Sprintf("b%04d", i),
			Lng: rng.Float64()*360 - 180,
			Lat: rng.Float64()*180 - 90,
		}
	}
	tr := NewRTree()
	if err := tr.BulkLoad(entries); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	if tr.Len() != len(entries) {
		t.Fatalf("Len = %d, want %d", tr.Len(), len(entries))
	}

	// Cross-check arbitrary rects against a linear scan.
	for i := 0; i < 50; i++ {
		r := randomRect(rng)
		want := make([]string, 0)
		for _, e := range entries {
			if r.Contains(e.Lng, e.Lat) {
				want = append(want, e.ID)
			}
		}
		sort.Strings(want)
		got := collectIDs(tr.Search(r))
		if !equalIDs(got, want) {
			t.Fatalf("rect %+v: got %d ids, want %d", r, len(got), len(want))
		}
	}
}

func TestBulkLoadReplacesPriorContents(t *testing.T) {
	tr := NewRTree()
	if err := tr.Insert("old", 0, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.BulkLoad([]Entry{{ID: "new", Lng: 50, Lat: 50}}); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	world := Rect{MinLng: -180, MinLat: -90, MaxLng: 180, MaxLat: 90}
	if !equalIDs(collectIDs(tr.Search(world)), wantIDs("new")) {
		t.Fatalf("BulkLoad did not clear prior contents")
	}
}

func TestBulkLoadRejectsBadInput(t *testing.T) {
	tr := NewRTree()
	if err := tr.BulkLoad([]Entry{{ID: "a", Lng: 1, Lat: 1}, {ID: "a", Lng: 2, Lat: 2}}); err != ErrDuplicateID {
		t.Fatalf("duplicate ids err = %v, want ErrDuplicateID", err)
	}
	if err := tr.BulkLoad([]Entry{{ID: "a", Lng: math.NaN(), Lat: 1}}); err != ErrBadCoordinate {
		t.Fatalf("NaN err = %v, want ErrBadCoordinate", err)
	}
}

func TestBulkLoadEmpty(t *testing.T) {
	tr := NewRTree()
	if err := tr.Insert("x", 1, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.BulkLoad(nil); err != nil {
		t.Fatalf("BulkLoad(nil): %v", err)
	}
	if tr.Len() != 0 {
		t.Fatalf("Len = %d after empty load, want 0", tr.Len())
	}
	if err := tr.Insert("y", 2, 2); err != nil {
		t.Fatalf("Insert after empty load: %v", err)
	}
}

func TestMutationsAgainstLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	tr := NewRTree()
	ref := make(map[string]Entry)

	for step := 0; step < 3000; step++ {
		switch op := rng.Intn(10); {
		case op < 5: // insert
			id := fmt.Sprintf("r%03d", rng.Intn(400))
			e := Entry{ID: id, Lng: rng.Float64()*360 - 180, Lat: rng.Float64()*180 - 90}
			err := tr.Insert(e.ID, e.Lng, e.Lat)
			if _, exists := ref[id]; exists {
				if err != ErrDuplicateID {
					t.Fatalf("step %d: Insert existing err = %v", step, err)
				}
			} else {
				if err != nil {
					t.Fatalf("step %d: Insert: %v", step, err)
				}
				ref[id] = e
			}
		case op < 8: // remove
			id := fmt.Sprintf("r%03d", rng.Intn(400))
			_, exists := ref[id]
			if removed := tr.Remove(id); removed != exists {
				t.Fatalf("step %d: Remove(%s) = %v, want %v", step, id, removed, exists)
			}
			delete(ref, id)
		default: // replace
			id := fmt.Sprintf("r%03d", rng.Intn(400))
			e := Entry{ID: id, Lng: rng.Float64()*360 - 180, Lat: rng.Float64()*180 - 90}
			if err := tr.Replace(e.ID, e.Lng, e.Lat); err != nil {
				t.Fatalf("step %d: Replace: %v", step, err)
			}
			ref[id] = e
		}
	}

	if tr.Len() != len(ref) {
		t.Fatalf("Len = %d, want %d", tr.Len(), len(ref))
	}
	for i := 0; i < 40; i++ {
		r := randomRect(rng)
		want := make([]string, 0)
		for _, e := range ref {
			if r.Contains(e.Lng, e.Lat) {
				want = append(want, e.ID)
			}
		}
		sort.Strings(want)
		if got := collectIDs(tr.Search(r)); !equalIDs(got, want) {
			t.Fatalf("rect %+v: got %v, want %v", r, got, want)
		}
	}
}

func TestRectValidate(t *testing.T) {
	cases := []struct {
		name    string
		r       Rect
		wantErr bool
	}{
		{"ok", Rect{-74, 40, -73, 41}, false},
		{"point", Rect{-74, 40, -74, 40}, false},
		{"world", Rect{-180, -90, 180, 90}, false},
		{"min gt max lng", Rect{-73, 40, -74, 41}, true},
		{"min gt max lat", Rect{-74, 41, -73, 40}, true},
		{"out of world", Rect{-181, 40, -73, 41}, true},
		{"lat overflow", Rect{-74, 40, -73, 91}, true},
		{"nan", Rect{math.NaN(), 40, -73, 41}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate(%+v) err = %v, wantErr %v", tc.r, err, tc.wantErr)
			}
		})
	}
}

func TestValidCoordinate(t *testing.T) {
	cases := []struct {
		lng, lat float64
		want     bool
	}{
		{-73.99, 40.72, true},
		{-180, -90, true},
		{180, 90, true},
		{-180.01, 0, false},
		{0, 90.5, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
	}
	for _, tc := range cases {
		if got := ValidCoordinate(tc.lng, tc.lat); got != tc.want {
			t.Errorf("ValidCoordinate(%v, %v) = %v, want %v", tc.lng, tc.lat, got, tc.want)
		}
	}
}

func randomRect(rng *rand.Rand) Rect {
	lng1 := rng.Float64()*360 - 180
	lng2 := rng.Float64()*360 - 180
	lat1 := rng.Float64()*180 - 90
	lat2 := rng.Float64()*180 - 90
	return Rect{
		MinLng: math.Min(lng1, lng2),
		MinLat: math.Min(lat1, lat2),
		MaxLng: math.Max(lng1, lng2),
		MaxLat: math.Max(lat1, lat2),
	}
}
