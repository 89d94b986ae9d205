package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/hub"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/hydrate"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/limits"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/pubsub"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/store"
)

// Server ties the pieces together: the marker store, the hydrator that fills
// it, the bus consumer that keeps it fresh, and the hub that fans changes out
// to WebSocket sessions.
type Server struct {
	config *Config
	logger zerolog.Logger
	audit  *monitoring.AuditLogger

	store       *store.Store
	hub         *hub.Hub
	consumer    *pubsub.Consumer
	hydrator    *hydrate.Hydrator
	rateLimiter *limits.ConnectionRateLimiter // nil when disabled

	listener       net.Listener
	connectionsSem chan struct{}
	shuttingDown   atomic.Bool
	startTime      time.Time

	hydrateCtx    context.Context
	hydrateCancel context.CancelFunc

	// sys caches the latest gopsutil sample for /health; the collector
	// goroutine refreshes it.
	sys struct {
		mu         sync.RWMutex
		cpuPercent float64
		memoryMB   float64
	}

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewServer(config *Config, logger zerolog.Logger, audit *monitoring.AuditLogger) (*Server, error) {
	hydrateCtx, hydrateCancel := context.WithCancel(context.Background())

	s := &Server{
		config:         config,
		logger:         logger,
		audit:          audit,
		store:          store.New(logger),
		connectionsSem: make(chan struct{}, config.MaxConnections),
		startTime:      time.Now(),
		hydrateCtx:     hydrateCtx,
		hydrateCancel:  hydrateCancel,
		quit:           make(chan struct{}),
	}

	s.hub = hub.New(hub.Config{
		InstanceID:    config.InstanceID,
		QueueCap:      config.OutboundQueueCap,
		IdleTimeout:   config.IdleTimeout(),
		BatchInterval: config.BatchInterval(),
		FlushWorkers:  config.FlushWorkers,
		DebugEvents:   config.DebugEvents,
		Store:         s.store,
		Logger:        logger,
		Audit:         audit,
		OnDisconnect:  func() { <-s.connectionsSem },
	})

	// A reconcile pauses the consumer across fetch and apply: events
	// arriving mid-fetch stay queued until the snapshot has landed, so a
	// fetch that raced the stream cannot overwrite newer state. The hooks
	// run on the reconcile goroutine, which starts after construction.
	s.hydrator = hydrate.New(hydrate.Config{
		URL:             config.UpstreamEventsURL,
		Retries:         config.HydrateRetries,
		Backoff:         config.HydrateBackoff(),
		Store:           s.store,
		Sink:            s.hub.Dispatch,
		Logger:          logger,
		Audit:           audit,
		BeforeReconcile: func() { s.consumer.Pause() },
		AfterReconcile:  func(_ error) { s.consumer.Resume() },
	})

	subscriber, err := s.newSubscriber()
	if err != nil {
		hydrateCancel()
		return nil, err
	}
	s.consumer = pubsub.NewConsumer(pubsub.ConsumerConfig{
		Subscriber: subscriber,
		Store:      s.store,
		Sink:       s.hub.Dispatch,
		Logger:     logger,
		Audit:      audit,
	})

	if config.ConnRateLimitEnabled {
		s.rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnRateLimitIPBurst,
			IPRate:      config.ConnRateLimitIPRate,
			GlobalBurst: config.ConnRateLimitGlobalBurst,
			GlobalRate:  config.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
	}

	logger.Info().
		Str("instance_id", config.InstanceID).
		Str("pubsub_driver", config.PubSubDriver).
		Int("max_connections", config.MaxConnections).
		Int("flush_workers", config.FlushWorkers).
		Msg("Server initialized")

	return s, nil
}

func (s *Server) newSubscriber() (pubsub.Subscriber, error) {
	switch s.config.PubSubDriver {
	case "nats":
		return pubsub.NewNATSSubscriber(pubsub.NATSConfig{
			Host:        s.config.PubSubHost,
			Port:        s.config.PubSubPort,
			Password:    s.config.PubSubPassword,
			Channel:     s.config.PubSubChannel,
			Logger:      s.logger,
			OnReconnect: s.hydrator.ScheduleReconcile,
		})
	case "kafka":
		return pubsub.NewKafkaSubscriber(pubsub.KafkaConfig{
			Brokers:       splitBrokers(s.config.KafkaBrokers),
			ConsumerGroup: s.config.KafkaConsumerGroup,
			Topic:         s.config.PubSubChannel,
			Logger:        s.logger,
			OnRebalance:   s.hydrator.ScheduleReconcile,
		})
	default:
		return nil, fmt.Errorf("unknown pubsub driver %q", s.config.PubSubDriver)
	}
}

// Hydrate fills the store from upstream before any client can connect.
// Exhausting the retry budget here fails the boot; main maps that to its
// own exit code.
func (s *Server) Hydrate() error {
	return s.hydrator.Hydrate(s.hydrateCtx)
}

// Start binds the listener, subscribes to the bus, and begins serving.
// Callers run Hydrate first.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.hub.Start()
	s.hydrator.Start(s.hydrateCtx)

	if err := s.consumer.Start(); err != nil {
		listener.Close()
		return fmt.Errorf("failed to start bus consumer: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	server := &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil &&
			err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	monitoring.SetConnectionsMax(s.config.MaxConnections)
	s.wg.Add(1)
	go s.collectStats()

	s.logger.Info().Str("address", s.config.Addr()).Msg("Server listening")
	s.audit.Info("ServerStarted", "Marker WebSocket server started", map[string]any{
		"addr":           s.config.Addr(),
		"instance_id":    s.config.InstanceID,
		"pubsub_driver":  s.config.PubSubDriver,
		"maxConnections": s.config.MaxConnections,
	})
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		monitoring.RecordConnectionRejected(monitoring.RejectReasonShuttingDown)
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.rateLimiter != nil {
		ip := clientIP(r)
		if !s.rateLimiter.CheckConnectionAllowed(ip) {
			monitoring.RecordConnectionRejected(monitoring.RejectReasonRateLimited)
			s.logger.Debug().Str("ip", ip).Msg("Connection rejected by rate limiter")
			http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.RecordConnectionRejected(monitoring.RejectReasonCapacity)
		sessions, _ := s.hub.Counts()
		s.audit.Warning("ServerAtCapacity", "Connection rejected, server at maximum capacity", map[string]any{
			"currentConnections": sessions,
			"maxConnections":     s.config.MaxConnections,
		})
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.RecordConnectionRejected(monitoring.RejectReasonUpgradeFailed)
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("Failed to upgrade connection")
		return
	}

	s.hub.Register(conn)
}

// clientIP extracts the originating address, preferring proxy headers over
// the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	busStats := s.consumer.Stats()
	hydrateStats := s.hydrator.Stats()
	sessions, withViewport := s.hub.Counts()
	flushDepth, flushCap := s.hub.FlushQueue()

	s.sys.mu.RLock()
	cpuPercent := s.sys.cpuPercent
	memoryMB := s.sys.memoryMB
	s.sys.mu.RUnlock()

	isHealthy := true
	warnings := []string{}
	errors := []string{}

	busHealthy := busStats.Connected
	if !busHealthy {
		isHealthy = false
		errors = append(errors, "event bus disconnected")
	}
	if busStats.Dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d bus messages dropped since start", busStats.Dropped))
	}

	maxConns := int64(s.config.MaxConnections)
	capacityPercent := float64(sessions) / float64(maxConns) * 100
	capacityHealthy := true
	if capacityPercent > 100 {
		isHealthy = false
		capacityHealthy = false
		errors = append(errors, fmt.Sprintf("Server over capacity (%d/%d)", sessions, maxConns))
	} else if capacityPercent == 100 {
		warnings = append(warnings, fmt.Sprintf("Server at full capacity (%d/%d)", sessions, maxConns))
	} else if capacityPercent > 90 {
		warnings = append(warnings, fmt.Sprintf("Server near capacity (%.1f%%)", capacityPercent))
	}

	var lastSuccess int64
	if !hydrateStats.LastSuccess.IsZero() {
		lastSuccess = hydrateStats.LastSuccess.Unix()
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !isHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"healthy":     isHealthy,
		"instance_id": s.config.InstanceID,
		"checks": map[string]any{
			"bus": map[string]any{
				"driver":    s.config.PubSubDriver,
				"connected": busStats.Connected,
				"processed": busStats.Processed,
				"dropped":   busStats.Dropped,
				"failed":    busStats.Failed,
				"queued":    busStats.Queued,
				"healthy":   busHealthy,
			},
			"hydrate": map[string]any{
				"cycles":          hydrateStats.Cycles,
				"failures":        hydrateStats.Failures,
				"skipped_records": hydrateStats.SkippedRecords,
				"last_success":    lastSuccess,
			},
			"capacity": map[string]any{
				"current":    sessions,
				"max":        maxConns,
				"percentage": capacityPercent,
				"healthy":    capacityHealthy,
			},
			"sessions": map[string]any{
				"active":        sessions,
				"with_viewport": withViewport,
			},
			"store": map[string]any{
				"markers": s.store.Len(),
			},
			"flush_queue": map[string]any{
				"depth":    flushDepth,
				"capacity": flushCap,
			},
			"memory": map[string]any{
				"used_mb": memoryMB,
			},
			"cpu": map[string]any{
				"percentage": cpuPercent,
			},
			"goroutines": runtime.NumGoroutine(),
		},
		"warnings": warnings,
		"errors":   errors,
		"uptime":   time.Since(s.startTime).Seconds(),
	})
}

// collectStats refreshes the Prometheus gauges and the cached system sample
// on the configured interval.
func (s *Server) collectStats() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "collectStats", nil)

	interval := s.config.MetricsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to get process info")
		proc = nil
	}

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			var memBytes uint64
			var cpuPercent float64
			if proc != nil {
				if memInfo, err := proc.MemoryInfo(); err == nil {
					memBytes = memInfo.RSS
				}
				if pct, err := proc.Percent(0); err == nil {
					cpuPercent = pct
				}
			}
			if memBytes == 0 {
				if vmem, err := mem.VirtualMemory(); err == nil {
					memBytes = vmem.Used
				}
			}

			s.sys.mu.Lock()
			s.sys.cpuPercent = cpuPercent
			s.sys.memoryMB = float64(memBytes) / 1024 / 1024
			s.sys.mu.Unlock()

			busStats := s.consumer.Stats()
			hydrateStats := s.hydrator.Stats()
			_, withViewport := s.hub.Counts()
			flushDepth, flushCap := s.hub.FlushQueue()

			monitoring.SetSystemStats(memBytes, cpuPercent, runtime.NumGoroutine())
			monitoring.SetStoreSize(s.store.Len())
			monitoring.SetSessionsWithViewport(int(withViewport))
			monitoring.SetBusStats(busStats.Connected, busStats.Processed, busStats.Dropped, busStats.Failed, busStats.Queued)
			monitoring.SetHydrateStats(hydrateStats.Cycles, hydrateStats.Failures, hydrateStats.SkippedRecords, hydrateStats.LastSuccess)
			monitoring.SetFlushQueue(flushDepth, flushCap)
		}
	}
}

// Shutdown drains in dependency order: stop accepting, stop the bus, flush
// and close the sessions, then stop the background workers.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	if err := s.consumer.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("Error stopping bus consumer")
	}

	sessions, _ := s.hub.Counts()
	s.logger.Info().
		Int64("active_sessions", sessions).
		Dur("flush_grace", s.config.FlushGrace()).
		Msg("Flushing and closing sessions")
	s.hub.Shutdown(s.config.FlushGrace())

	s.hydrateCancel()
	s.hydrator.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	close(s.quit)
	s.wg.Wait()

	s.audit.Info("ServerStopped", "Graceful shutdown completed", map[string]any{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
