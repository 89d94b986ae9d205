package hub

import (
	"fmt"

	"github.com/gobwas/ws"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/protocol"
)

// handleMessage dispatches one client frame. The returned bool reports
// whether the session was terminated for exhausting its violation budget.
func (h *Hub) handleMessage(s *Session, raw []byte) bool {
	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		return h.violation(s, protocol.CodeMalformedMessage, "message must be JSON with a type field")
	}

	switch in.Type {
	case protocol.TypeViewportUpdate:
		return h.handleViewportUpdate(s, in)

	case protocol.TypePing:
		// Activity signal only; the read deadline was already pushed out.
		return false

	default:
		return h.violation(s, protocol.CodeUnknownType, fmt.Sprintf("unknown message type %q", in.Type))
	}
}

func (h *Hub) handleViewportUpdate(s *Session, in protocol.Inbound) bool {
	if in.Viewport == nil {
		return h.violation(s, protocol.CodeInvalidViewport, "viewport_update requires a viewport object")
	}
	rect, err := in.Viewport.Rect()
	if err != nil {
		return h.violation(s, protocol.CodeInvalidViewport, err.Error())
	}

	markers := s.setViewport(rect, h.store.Query)
	if s.viewportSet.CompareAndSwap(false, true) {
		h.viewportCount.Add(1)
	}

	payload, err := protocol.InitialMarkers(markers)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to encode initial_markers")
		return false
	}
	if !s.enqueue(payload) {
		monitoring.IncrementSlowConsumerDisconnects()
		h.logger.Warn().
			Str("session_id", s.ID).
			Int("markers", len(markers)).
			Msg("Outbound queue full sending initial_markers, disconnecting")
		h.disconnect(s, monitoring.DisconnectReasonSlowConsumer, monitoring.DisconnectInitiatedByServer)
		return true
	}

	monitoring.IncrementViewportUpdates()
	monitoring.IncrementInitialSnapshots()
	h.logger.Debug().
		Str("session_id", s.ID).
		Float64("west", rect.MinLng).
		Float64("south", rect.MinLat).
		Float64("east", rect.MaxLng).
		Float64("north", rect.MaxLat).
		Int("markers", len(markers)).
		Msg("Viewport accepted")
	return false
}

// violation records one protocol violation, tells the client what was wrong
// and closes the session once the budget is exhausted.
func (h *Hub) violation(s *Session, code, message string) bool {
	monitoring.IncrementProtocolViolations()
	h.logger.Debug().
		Str("session_id", s.ID).
		Str("code", code).
		Str("detail", message).
		Msg("Protocol violation")

	if payload, err := protocol.ErrorMessage(code, message); err == nil {
		s.enqueue(payload)
	}

	if s.violations.Record() {
		return false
	}

	if h.audit != nil {
		h.audit.Warning("SessionViolationLimit", "Session exceeded protocol violation budget", map[string]any{
			"sessionId": s.ID,
			"lastCode":  code,
		})
	}
	if payload, err := protocol.ErrorMessage(protocol.CodeTooManyErrors, "too many protocol errors"); err == nil {
		s.enqueue(payload)
	}
	s.closeCode = ws.StatusPolicyViolation
	s.closeText = "too many protocol errors"
	h.disconnect(s, monitoring.DisconnectReasonViolations, monitoring.DisconnectInitiatedByServer)
	return true
}
