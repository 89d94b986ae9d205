// Package hub owns the WebSocket sessions: registration, the read/write
// pumps, per-session delta routing and the batch coalescer that flushes
// staged deltas on a fixed interval.
package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/limits"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/protocol"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/store"
)

const writeWait = 5 * time.Second

type Config struct {
	InstanceID         string
	QueueCap           int           // outbound queue slots per session
	IdleTimeout        time.Duration // disconnect after this long without a client frame
	BatchInterval      time.Duration // coalescer flush period
	FlushWorkers       int
	ViolationThreshold int
	ViolationWindow    time.Duration
	DebugEvents        bool
	Store              *store.Store
	Logger             zerolog.Logger
	Audit              *monitoring.AuditLogger

	// OnDisconnect runs once per session after teardown bookkeeping. The
	// server releases the session's connection slot here.
	OnDisconnect func()
}

type Hub struct {
	instanceID         string
	queueCap           int
	idleTimeout        time.Duration
	batchInterval      time.Duration
	violationThreshold int
	violationWindow    time.Duration
	debugEvents        bool

	store        *store.Store
	logger       zerolog.Logger
	audit        *monitoring.AuditLogger
	onDisconnect func()

	sessions      sync.Map // *Session -> struct{}
	sessionCount  atomic.Int64
	viewportCount atomic.Int64

	workers *workerPool
	pumpWG  sync.WaitGroup

	flushQuit chan struct{}
	flushDone chan struct{}
	stopOnce  sync.Once
}

func New(cfg Config) *Hub {
	queueCap := cfg.QueueCap
	if queueCap <= 0 {
		queueCap = 256
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 300 * time.Second
	}
	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	threshold := cfg.ViolationThreshold
	if threshold <= 0 {
		threshold = 10
	}
	window := cfg.ViolationWindow
	if window <= 0 {
		window = time.Minute
	}

	logger := cfg.Logger.With().Str("component", "hub").Logger()
	return &Hub{
		instanceID:         cfg.InstanceID,
		queueCap:           queueCap,
		idleTimeout:        idle,
		batchInterval:      interval,
		violationThreshold: threshold,
		violationWindow:    window,
		debugEvents:        cfg.DebugEvents,
		store:              cfg.Store,
		logger:             logger,
		audit:              cfg.Audit,
		onDisconnect:       cfg.OnDisconnect,
		workers:            newWorkerPool(cfg.FlushWorkers, cfg.FlushWorkers*100, logger),
		flushQuit:          make(chan struct{}),
		flushDone:          make(chan struct{}),
	}
}

// Start launches the flush workers and the coalescer loop.
func (h *Hub) Start() {
	h.workers.Start()
	go h.flushLoop()
}

// Register wraps an upgraded connection in a session, announces it to the
// client and starts its pumps.
func (h *Hub) Register(conn net.Conn) *Session {
	s := newSession(conn, h.queueCap, limits.NewViolationLimiter(h.violationThreshold, h.violationWindow))
	h.sessions.Store(s, struct{}{})
	active := h.sessionCount.Add(1)
	monitoring.RecordConnect(active)

	if payload, err := protocol.ConnectionEstablished(s.ID, h.instanceID); err == nil {
		s.enqueue(payload)
	} else {
		h.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to build connection_established")
	}

	h.pumpWG.Add(2)
	go func() {
		defer h.pumpWG.Done()
		h.writePump(s)
	}()
	go func() {
		defer h.pumpWG.Done()
		h.readPump(s)
	}()

	h.logger.Info().
		Str("session_id", s.ID).
		Int64("active_sessions", active).
		Msg("Session connected")
	return s
}

// disconnect tears a session down exactly once: bookkeeping here, the
// actual close frame and conn.Close happen in the write pump once done is
// closed.
func (h *Hub) disconnect(s *Session, reason, initiatedBy string) {
	s.closeOnce.Do(func() {
		close(s.done)
		h.sessions.Delete(s)
		active := h.sessionCount.Add(-1)
		if s.viewportSet.Load() {
			h.viewportCount.Add(-1)
		}

		duration := time.Since(s.connectedAt)
		monitoring.RecordDisconnect(reason, initiatedBy, duration, active)

		h.logger.Info().
			Str("session_id", s.ID).
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Dur("duration", duration).
			Int64("active_sessions", active).
			Msg("Session disconnected")

		if h.onDisconnect != nil {
			h.onDisconnect()
		}
	})
}

// Counts reports active sessions and how many of them have a viewport.
func (h *Hub) Counts() (sessions, withViewport int64) {
	return h.sessionCount.Load(), h.viewportCount.Load()
}

// FlushQueue reports worker queue depth and capacity for the metrics
// collector.
func (h *Hub) FlushQueue() (depth, capacity int) {
	return h.workers.QueueDepth(), h.workers.QueueCapacity()
}

// Shutdown flushes staged deltas, closes every session and waits for the
// pumps, bounded by grace. Connections still open after the grace period
// are closed hard.
func (h *Hub) Shutdown(grace time.Duration) {
	h.stopOnce.Do(func() {
		close(h.flushQuit)
		<-h.flushDone

		h.flushAll()
		h.workers.Stop()

		var conns []net.Conn
		h.sessions.Range(func(key, _ any) bool {
			s := key.(*Session)
			conns = append(conns, s.conn)
			h.disconnect(s, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
			return true
		})

		if !h.waitPumps(grace) {
			h.logger.Warn().
				Int("connections", len(conns)).
				Dur("grace", grace).
				Msg("Flush grace expired, forcing connections closed")
			for _, c := range conns {
				c.Close()
			}
			h.pumpWG.Wait()
		}
		h.logger.Info().Msg("Hub shut down")
	})
}

func (h *Hub) waitPumps(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.pumpWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
