package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/protocol"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

// flushLoop drives the coalescer: every batch interval, staged deltas are
// drained into one marker_updates_batch per session.
func (h *Hub) flushLoop() {
	defer close(h.flushDone)
	defer monitoring.RecoverPanic(h.logger, "flush-loop", nil)

	ticker := time.NewTicker(h.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.flushAll()
		case <-h.flushQuit:
			return
		}
	}
}

// flushAll fans session flushes out across the worker pool and waits for
// the tick to complete before the next one can start, so a session is never
// flushed by two ticks at once. A full worker queue falls back to running
// the task inline rather than dropping the flush.
func (h *Hub) flushAll() {
	var wg sync.WaitGroup
	h.sessions.Range(func(key, _ any) bool {
		s := key.(*Session)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			h.flushSession(s)
		}
		if !h.workers.TrySubmit(task) {
			monitoring.RecordFlushInline()
			task()
		}
		return true
	})
	wg.Wait()
}

func (h *Hub) flushSession(s *Session) {
	pending := s.takePending()
	if pending == nil {
		return
	}

	var created, updated []types.Marker
	var deleted []string
	for id, d := range pending {
		switch d.kind {
		case pendingCreated:
			created = append(created, d.marker)
		case pendingUpdated:
			updated = append(updated, d.marker)
		case pendingDeleted:
			deleted = append(deleted, id)
		}
	}
	sort.Slice(created, func(i, j int) bool { return created[i].ID < created[j].ID })
	sort.Slice(updated, func(i, j int) bool { return updated[i].ID < updated[j].ID })
	sort.Strings(deleted)

	payload, err := protocol.Batch(created, updated, deleted, time.Now())
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to encode batch")
		return
	}

	if !s.enqueue(payload) {
		monitoring.IncrementSlowConsumerDisconnects()
		if h.audit != nil {
			h.audit.Warning("SlowConsumerDisconnected", "Outbound queue full at flush", map[string]any{
				"sessionId": s.ID,
				"queueCap":  cap(s.outbound),
			})
		}
		h.logger.Warn().
			Str("session_id", s.ID).
			Int("queue_cap", cap(s.outbound)).
			Msg("Outbound queue full, disconnecting slow consumer")
		h.disconnect(s, monitoring.DisconnectReasonSlowConsumer, monitoring.DisconnectInitiatedByServer)
		return
	}
	monitoring.RecordBatch(len(created), len(updated), len(deleted))
}
