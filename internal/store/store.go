// Package store pairs the marker map with the spatial index behind a single
// writer / many readers lock. All mutations flow through the Apply methods,
// which keep both structures in lockstep and assign per-id versions.
package store

import (
	"sync"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/geo"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
	"github.com/rs/zerolog"
)

type Store struct {
	mu      sync.RWMutex
	tree    *geo.RTree
	markers map[string]*types.Marker

	// versions survives deletes so a recreated id continues its sequence
	// and clients never observe a version step backwards.
	versions map[string]int64

	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Store {
	return &Store{
		tree:     geo.NewRTree(),
		markers:  make(map[string]*types.Marker),
		versions: make(map[string]int64),
		logger:   logger.With().Str("component", "store").Logger(),
	}
}

// ApplyCreate inserts a marker, degrading to an update when the id already
// exists. Returns the resulting change event, or nil when nothing applied.
func (s *Store) ApplyCreate(m types.Marker) *types.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.markers[m.ID]; exists {
		return s.applyUpdateLocked(m)
	}
	return s.applyCreateLocked(m)
}

// ApplyUpdate overwrites a marker, degrading to a create when the id is
// unknown.
func (s *Store) ApplyUpdate(m types.Marker) *types.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.markers[m.ID]; !exists {
		return s.applyCreateLocked(m)
	}
	return s.applyUpdateLocked(m)
}

// ApplyDelete removes a marker. Absent ids are a nil no-op.
func (s *Store) ApplyDelete(id string) *types.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.markers[id]
	if !exists {
		return nil
	}
	if !s.tree.Remove(id) {
		s.logger.Error().Str("marker_id", id).Msg("Index missing entry for stored marker")
	}
	delete(s.markers, id)
	s.versions[id]++
	return &types.ChangeEvent{
		Kind:    types.ChangeDelete,
		ID:      id,
		Prev:    prev,
		Version: s.versions[id],
	}
}

func (s *Store) applyCreateLocked(m types.Marker) *types.ChangeEvent {
	s.versions[m.ID]++
	m.Version = s.versions[m.ID]
	if err := s.tree.Insert(m.ID, m.Lng, m.Lat); err != nil {
		if err == geo.ErrDuplicateID {
			// Stale index entry for an id the map does not hold.
			s.logger.Error().Str("marker_id", m.ID).Msg("Index holds entry for unknown marker, repairing")
			s.tree.Remove(m.ID)
			err = s.tree.Insert(m.ID, m.Lng, m.Lat)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("marker_id", m.ID).Msg("Rejected marker insert")
			return nil
		}
	}
	stored := m
	s.markers[m.ID] = &stored
	next := stored
	return &types.ChangeEvent{
		Kind:    types.ChangeCreate,
		ID:      m.ID,
		Next:    &next,
		Version: m.Version,
	}
}

func (s *Store) applyUpdateLocked(m types.Marker) *types.ChangeEvent {
	prev := s.markers[m.ID]
	s.versions[m.ID]++
	m.Version = s.versions[m.ID]
	if prev.Lng != m.Lng || prev.Lat != m.Lat {
		if err := s.tree.Replace(m.ID, m.Lng, m.Lat); err != nil {
			s.logger.Warn().Err(err).Str("marker_id", m.ID).Msg("Rejected marker move")
			return nil
		}
	}
	stored := m
	s.markers[m.ID] = &stored
	next := stored
	return &types.ChangeEvent{
		Kind:    types.ChangeUpdate,
		ID:      m.ID,
		Prev:    prev,
		Next:    &next,
		Version: m.Version,
	}
}

// BulkLoad clears both structures and rebuilds them from markers via the
// index's packed load. Used by the cold-start hydrate, before any client is
// connected, so no change events are produced.
func (s *Store) BulkLoad(markers []types.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]geo.Entry, 0, len(markers))
	for _, m := range markers {
		entries = append(entries, geo.Entry{ID: m.ID, Lng: m.Lng, Lat: m.Lat})
	}
	if err := s.tree.BulkLoad(entries); err != nil {
		return err
	}
	s.markers = make(map[string]*types.Marker, len(markers))
	for _, m := range markers {
		s.versions[m.ID]++
		stored := m
		stored.Version = s.versions[m.ID]
		s.markers[m.ID] = &stored
	}
	return nil
}

// Query returns full records for every marker inside rect. An id the index
// holds but the map does not is a consistency bug; it is skipped, logged,
// and repaired once the read lock drops.
func (s *Store) Query(rect geo.Rect) []types.Marker {
	s.mu.RLock()
	entries := s.tree.Search(rect)
	out := make([]types.Marker, 0, len(entries))
	var orphans []string
	for _, e := range entries {
		m, ok := s.markers[e.ID]
		if !ok {
			orphans = append(orphans, e.ID)
			continue
		}
		out = append(out, *m)
	}
	s.mu.RUnlock()

	for _, id := range orphans {
		s.logger.Error().Str("marker_id", id).Msg("Indexed id missing from store, repairing")
		s.Repair(id)
	}
	return out
}

func (s *Store) Get(id string) (types.Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[id]
	if !ok {
		return types.Marker{}, false
	}
	return *m, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markers)
}

// Snapshot copies the full marker set, keyed by id. The hydrator diffs
// against it without holding the lock.
func (s *Store) Snapshot() map[string]types.Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Marker, len(s.markers))
	for id, m := range s.markers {
		out[id] = *m
	}
	return out
}

// Repair reconciles the index entry for id against the map, which is the
// source of truth. Safe to call on healthy ids.
func (s *Store) Repair(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Remove(id)
	if m, ok := s.markers[id]; ok {
		if err := s.tree.Insert(id, m.Lng, m.Lat); err != nil {
			s.logger.Error().Err(err).Str("marker_id", id).Msg("Repair reinsert failed")
		}
	}
}
