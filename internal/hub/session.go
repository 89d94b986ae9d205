package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/geo"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/limits"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

type pendingKind uint8

const (
	pendingCreated pendingKind = iota
	pendingUpdated
	pendingDeleted
)

// pendingDelta is one staged change for a session, keyed by marker id in
// Session.pending. marker is unset for deletions.
type pendingDelta struct {
	kind   pendingKind
	marker types.Marker
}

// Session is one connected WebSocket client.
type Session struct {
	ID          string
	conn        net.Conn
	outbound    chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
	violations  *limits.ViolationLimiter

	// closeCode and closeText are written before done is closed; the
	// write pump reads them when building the close frame.
	closeCode ws.StatusCode
	closeText string

	lastActivity atomic.Int64 // unix nano of the last client frame
	viewportSet  atomic.Bool

	mu       sync.Mutex
	viewport *geo.Rect
	visible  map[string]struct{}     // marker ids the client currently has
	pending  map[string]pendingDelta // staged deltas for the next flush
}

func newSession(conn net.Conn, queueCap int, violations *limits.ViolationLimiter) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		conn:        conn,
		outbound:    make(chan []byte, queueCap),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		violations:  violations,
		visible:     make(map[string]struct{}),
		pending:     make(map[string]pendingDelta),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// enqueue offers a message to the write pump without blocking. False means
// the outbound queue is full and the client is too slow to keep.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

// setViewport installs a new viewport and rebuilds the visible set from the
// markers the caller's query returns. The query runs under the session lock
// so a concurrently routed event lands either against the old view or after
// the new snapshot, never in between. Staged deltas are discarded: the
// snapshot already carries the current state of everything in view.
func (s *Session) setViewport(rect geo.Rect, query func(geo.Rect) []types.Marker) []types.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()

	markers := query(rect)

	r := rect
	s.viewport = &r
	s.visible = make(map[string]struct{}, len(markers))
	for _, m := range markers {
		s.visible[m.ID] = struct{}{}
	}
	s.pending = make(map[string]pendingDelta)
	return markers
}

// takePending swaps out the staged deltas, returning nil when there is
// nothing to flush.
func (s *Session) takePending() map[string]pendingDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	p := s.pending
	s.pending = make(map[string]pendingDelta)
	return p
}

// PendingCount reports how many deltas are staged. Used by tests and the
// health endpoint.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
