package store

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/geo"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
	"github.com/rs/zerolog"
)

func newTestStore() *Store {
	return New(zerolog.Nop())
}

func marker(id string, lng, lat float64) types.Marker {
	return types.Marker{
		ID:  id,
		Lng: lng,
		Lat: lat,
		Attributes: map[string]json.RawMessage{
			"title": json.RawMessage(`"` + id + `"`),
		},
	}
}

// checkConsistency verifies that every stored id has exactly one index entry
// at the stored coordinate and vice versa.
func checkConsistency(t *testing.T, s *Store) {
	t.Helper()
	world := geo.Rect{MinLng: -180, MinLat: -90, MaxLng: 180, MaxLat: 90}
	indexed := s.Query(world)
	if len(indexed) != s.Len() {
		t.Fatalf("index holds %d points, store holds %d markers", len(indexed), s.Len())
	}
	for _, m := range indexed {
		stored, ok := s.Get(m.ID)
		if !ok {
			t.Fatalf("indexed id %s missing from store", m.ID)
		}
		if stored.Lng != m.Lng || stored.Lat != m.Lat {
			t.Fatalf("id %s: index coord (%v,%v) != store coord (%v,%v)",
				m.ID, m.Lng, m.Lat, stored.Lng, stored.Lat)
		}
	}
}

func TestApplyCreate(t *testing.T) {
	s := newTestStore()
	ev := s.ApplyCreate(marker("m1", -73.99, 40.72))
	if ev == nil {
		t.Fatal("ApplyCreate returned nil event")
	}
	if ev.Kind != types.ChangeCreate {
		t.Fatalf("Kind = %s, want create", ev.Kind)
	}
	if ev.Prev != nil {
		t.Fatal("create event has Prev")
	}
	if ev.Next == nil || ev.Next.ID != "m1" {
		t.Fatal("create event missing Next")
	}
	if ev.Version != 1 {
		t.Fatalf("Version = %d, want 1", ev.Version)
	}
	checkConsistency(t, s)
}

func TestCreateExistingDegradesToUpdate(t *testing.T) {
	s := newTestStore()
	s.ApplyCreate(marker("m1", -73.99, 40.72))
	ev := s.ApplyCreate(marker("m1", -73.90, 40.75))
	if ev.Kind != types.ChangeUpdate {
		t.Fatalf("Kind = %s, want update", ev.Kind)
	}
	if ev.Prev == nil || ev.Prev.Lng != -73.99 {
		t.Fatal("degraded update lost Prev snapshot")
	}
	if ev.Version != 2 {
		t.Fatalf("Version = %d, want 2", ev.Version)
	}
	checkConsistency(t, s)
}

func TestUpdateMissingDegradesToCreate(t *testing.T) {
	s := newTestStore()
	ev := s.ApplyUpdate(marker("ghost", 1, 2))
	if ev.Kind != types.ChangeCreate {
		t.Fatalf("Kind = %s, want create", ev.Kind)
	}
	checkConsistency(t, s)
}

func TestUpdateMovesIndexOnlyWhenCoordinateChanges(t *testing.T) {
	s := newTestStore()
	s.ApplyCreate(marker("m1", -73.99, 40.72))

	moved := marker("m1", -74.50, 40.72)
	if ev := s.ApplyUpdate(moved); ev.Kind != types.ChangeUpdate {
		t.Fatalf("Kind = %s, want update", ev.Kind)
	}
	inOld := s.Query(geo.Rect{MinLng: -74.0, MinLat: 40.70, MaxLng: -73.9, MaxLat: 40.80})
	if len(inOld) != 0 {
		t.Fatal("marker still indexed at old coordinate after move")
	}
	inNew := s.Query(geo.Rect{MinLng: -74.6, MinLat: 40.70, MaxLng: -74.4, MaxLat: 40.80})
	if len(inNew) != 1 || inNew[0].ID != "m1" {
		t.Fatal("marker not indexed at new coordinate after move")
	}

	// Attribute-only update keeps the coordinate.
	attrOnly := marker("m1", -74.50, 40.72)
	attrOnly.Attributes["title"] = json.RawMessage(`"renamed"`)
	s.ApplyUpdate(attrOnly)
	checkConsistency(t, s)
}

func TestApplyDelete(t *testing.T) {
	s := newTestStore()
	s.ApplyCreate(marker("m1", -73.99, 40.72))
	ev := s.ApplyDelete("m1")
	if ev == nil || ev.Kind != types.ChangeDelete {
		t.Fatalf("delete event = %+v", ev)
	}
	if ev.Prev == nil || ev.Prev.ID != "m1" {
		t.Fatal("delete event missing Prev")
	}
	if ev.Next != nil {
		t.Fatal("delete event has Next")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after delete, want 0", s.Len())
	}
	if ev := s.ApplyDelete("m1"); ev != nil {
		t.Fatalf("delete of absent id produced event %+v", ev)
	}
	checkConsistency(t, s)
}

func TestVersionsAscendAcrossRecreate(t *testing.T) {
	s := newTestStore()
	var last int64
	step := func(ev *types.ChangeEvent, what string) {
		t.Helper()
		if ev == nil {
			t.Fatalf("%s produced no event", what)
		}
		if ev.Version <= last {
			t.Fatalf("%s version %d not above %d", what, ev.Version, last)
		}
		last = ev.Version
	}
	step(s.ApplyCreate(marker("m1", 0, 0)), "create")
	step(s.ApplyUpdate(marker("m1", 1, 1)), "update")
	step(s.ApplyDelete("m1"), "delete")
	step(s.ApplyCreate(marker("m1", 2, 2)), "recreate")
	step(s.ApplyUpdate(marker("m1", 3, 3)), "update after recreate")
}

func TestBulkLoad(t *testing.T) {
	s := newTestStore()
	markers := make([]types.Marker, 200)
	for i := range markers {
		markers[i] = marker(fmt.Sprintf("b%03d", i), float64(i%20), float64(i/20))
	}
	if err := s.BulkLoad(markers); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	if s.Len() != 200 {
		t.Fatalf("Len = %d, want 200", s.Len())
	}
	checkConsistency(t, s)

	got := s.Query(geo.Rect{MinLng: 0, MinLat: 0, MaxLng: 4.5, MaxLat: 0.5})
	if len(got) != 5 {
		t.Fatalf("Query returned %d markers, want 5", len(got))
	}
	for _, m := range got {
		if m.Version == 0 {
			t.Fatalf("bulk-loaded marker %s has zero version", m.ID)
		}
		if len(m.Attributes) == 0 {
			t.Fatalf("bulk-loaded marker %s lost attributes", m.ID)
		}
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	s := newTestStore()
	s.ApplyCreate(marker("m1", 1, 1))
	snap := s.Snapshot()
	s.ApplyUpdate(marker("m1", 2, 2))
	if snap["m1"].Lng != 1 {
		t.Fatal("snapshot mutated by later update")
	}
	if got, _ := s.Get("m1"); got.Lng != 2 {
		t.Fatal("store missing later update")
	}
}

func TestRepairRestoresIndex(t *testing.T) {
	s := newTestStore()
	s.ApplyCreate(marker("m1", 5, 5))

	// Corrupt the index directly, then repair from the map.
	s.mu.Lock()
	s.tree.Remove("m1")
	s.mu.Unlock()

	s.Repair("m1")
	got := s.Query(geo.Rect{MinLng: 4, MinLat: 4, MaxLng: 6, MaxLat: 6})
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatal("Repair did not restore index entry")
	}
	checkConsistency(t, s)

	// Repairing a deleted id removes any stale entry.
	s.ApplyDelete("m1")
	s.Repair("m1")
	checkConsistency(t, s)
}

func TestQueryRepairsOrphanedIndexEntries(t *testing.T) {
	s := newTestStore()
	s.ApplyCreate(marker("m1", 5, 5))

	// Corrupt the index with an entry no marker backs.
	s.mu.Lock()
	if err := s.tree.Insert("ghost", 5.1, 5.1); err != nil {
		s.mu.Unlock()
		t.Fatalf("Insert: %v", err)
	}
	s.mu.Unlock()

	view := geo.Rect{MinLng: 4, MinLat: 4, MaxLng: 6, MaxLat: 6}
	if got := s.Query(view); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("Query = %+v, want only m1", got)
	}

	// The ghost is gone from the index after the self-repair.
	s.mu.RLock()
	n := len(s.tree.Search(view))
	s.mu.RUnlock()
	if n != 1 {
		t.Fatalf("index still holds %d entries, want 1", n)
	}
	checkConsistency(t, s)
}

func TestEventSnapshotsSurviveLaterMutations(t *testing.T) {
	s := newTestStore()
	s.ApplyCreate(marker("m1", 1, 1))
	ev := s.ApplyUpdate(marker("m1", 2, 2))
	s.ApplyUpdate(marker("m1", 3, 3))
	if ev.Prev.Lng != 1 || ev.Next.Lng != 2 {
		t.Fatalf("event snapshots changed: prev=%v next=%v", ev.Prev.Lng, ev.Next.Lng)
	}
}
