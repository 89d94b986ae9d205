package hub

import (
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/protocol"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

// Dispatch routes one store change event to every session. Classification
// and staging are per-session; sessions without a viewport ignore
// everything.
func (h *Hub) Dispatch(ev types.ChangeEvent) {
	var debugPayload []byte
	if h.debugEvents {
		payload, err := protocol.DebugEvent(map[string]any{
			"kind":    string(ev.Kind),
			"id":      ev.ID,
			"version": ev.Version,
		})
		if err == nil {
			debugPayload = payload
		}
	}

	h.sessions.Range(func(key, _ any) bool {
		s := key.(*Session)
		s.stage(ev)
		if debugPayload != nil {
			s.enqueue(debugPayload)
		}
		return true
	})
}

// stage classifies ev against the session's viewport and visible set, then
// folds it into the pending map. The visible set is updated eagerly so a
// later event in the same flush window classifies against what the client
// will believe, not what it believed at the start of the window.
func (s *Session) stage(ev types.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.viewport == nil {
		return
	}
	_, vis := s.visible[ev.ID]

	if ev.Kind == types.ChangeDelete {
		if !vis {
			return
		}
		delete(s.visible, ev.ID)
		s.stageDelete(ev.ID)
		return
	}

	// Creates and updates both carry the marker's next state; what matters
	// is whether that state is in view and whether the client already has
	// the marker.
	in := s.viewport.Contains(ev.Next.Lng, ev.Next.Lat)
	switch {
	case in && vis:
		s.stageUpdate(*ev.Next)
	case in && !vis:
		s.visible[ev.ID] = struct{}{}
		s.stageCreate(*ev.Next)
	case !in && vis:
		// Moved out of view: the client removes it like a deletion.
		delete(s.visible, ev.ID)
		s.stageDelete(ev.ID)
	}
}

func (s *Session) stageCreate(m types.Marker) {
	if prev, ok := s.pending[m.ID]; ok && prev.kind == pendingDeleted {
		// The client still shows the old marker, so the net effect of
		// delete-then-create is an update.
		s.pending[m.ID] = pendingDelta{kind: pendingUpdated, marker: m}
		return
	}
	s.pending[m.ID] = pendingDelta{kind: pendingCreated, marker: m}
}

func (s *Session) stageUpdate(m types.Marker) {
	if prev, ok := s.pending[m.ID]; ok && prev.kind == pendingCreated {
		// Not announced yet; fold the newer state into the pending create.
		s.pending[m.ID] = pendingDelta{kind: pendingCreated, marker: m}
		return
	}
	s.pending[m.ID] = pendingDelta{kind: pendingUpdated, marker: m}
}

func (s *Session) stageDelete(id string) {
	if prev, ok := s.pending[id]; ok && prev.kind == pendingCreated {
		// Created and deleted inside one flush window: the client never
		// needs to hear about it.
		delete(s.pending, id)
		return
	}
	s.pending[id] = pendingDelta{kind: pendingDeleted}
}
