package hub

import (
	"errors"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/protocol"
)

// readPump consumes client frames until the connection dies, the client
// goes idle past the timeout, or the violation budget runs out.
func (h *Hub) readPump(s *Session) {
	defer monitoring.RecoverPanic(h.logger, "readPump", map[string]any{
		"session_id": s.ID,
	})

	reason := monitoring.DisconnectReasonReadError
	initiatedBy := monitoring.DisconnectInitiatedByClient
	defer func() {
		h.disconnect(s, reason, initiatedBy)
	}()

	s.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))

	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			var closed wsutil.ClosedError
			var netErr net.Error
			switch {
			case errors.As(err, &closed):
				reason = monitoring.DisconnectReasonClientInitiated
			case errors.As(err, &netErr) && netErr.Timeout():
				reason = monitoring.DisconnectReasonIdleTimeout
				initiatedBy = monitoring.DisconnectInitiatedByServer
			}
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		s.touch()
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		switch op {
		case ws.OpText:
			if terminated := h.handleMessage(s, msg); terminated {
				reason = monitoring.DisconnectReasonViolations
				initiatedBy = monitoring.DisconnectInitiatedByServer
				return
			}
		case ws.OpBinary:
			// The protocol is JSON text; binary frames count against the
			// violation budget like any malformed message.
			if terminated := h.violation(s, protocol.CodeMalformedMessage, "binary frames are not supported"); terminated {
				reason = monitoring.DisconnectReasonViolations
				initiatedBy = monitoring.DisconnectInitiatedByServer
				return
			}
		case ws.OpClose:
			reason = monitoring.DisconnectReasonClientInitiated
			return
		}
	}
}
