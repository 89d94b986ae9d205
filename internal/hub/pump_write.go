package hub

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
)

// writePump owns all writes on the connection, including the close frame,
// and is the only place conn.Close is called on the normal path. Messages
// are batched through a buffered writer to cut syscalls when the outbound
// queue runs hot.
func (h *Hub) writePump(s *Session) {
	defer monitoring.RecoverPanic(h.logger, "writePump", map[string]any{
		"session_id": s.ID,
	})
	defer s.conn.Close()

	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(h.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case message := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				h.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Write failed")
				h.disconnect(s, monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
				return
			}
			monitoring.UpdateMessageMetrics(1, 0)
			monitoring.UpdateBytesMetrics(int64(len(message)), 0)

			// Drain whatever else is queued into the same flush.
			n := len(s.outbound)
			for i := 0; i < n; i++ {
				message = <-s.outbound
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					h.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Write failed")
					h.disconnect(s, monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
					return
				}
				monitoring.UpdateMessageMetrics(1, 0)
				monitoring.UpdateBytesMetrics(int64(len(message)), 0)
			}

			if err := writer.Flush(); err != nil {
				h.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Flush failed")
				h.disconnect(s, monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				h.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Ping failed")
				h.disconnect(s, monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
				return
			}

		case <-s.done:
			h.drainAndClose(s, writer)
			return
		}
	}
}

// drainAndClose writes anything still queued, then the close frame. Runs
// after disconnect has closed done, so closeCode/closeText are settled.
func (h *Hub) drainAndClose(s *Session, writer *bufio.Writer) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	for {
		select {
		case message := <-s.outbound:
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				return
			}
			monitoring.UpdateMessageMetrics(1, 0)
			monitoring.UpdateBytesMetrics(int64(len(message)), 0)
		default:
			if err := writer.Flush(); err != nil {
				return
			}
			code := s.closeCode
			if code == 0 {
				code = ws.StatusNormalClosure
			}
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, s.closeText))
			ws.WriteFrame(s.conn, frame)
			return
		}
	}
}

// pingPeriod keeps the server-side probe comfortably inside the idle
// timeout so a dead peer is noticed before the deadline fires.
func (h *Hub) pingPeriod() time.Duration {
	return (h.idleTimeout * 9) / 10
}
