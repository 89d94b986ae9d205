package pubsub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/store"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

const defaultQueueCap = 1024

// Sink receives the change event produced by applying one bus message.
type Sink func(ev types.ChangeEvent)

// ConsumerConfig wires a Consumer to its subscriber, store and sink.
type ConsumerConfig struct {
	Subscriber Subscriber
	Store      *store.Store
	Sink       Sink
	Logger     zerolog.Logger
	Audit      *monitoring.AuditLogger
	QueueCap   int
}

// Consumer pulls envelopes off the bus through a bounded queue and applies
// them to the store in arrival order. One processing goroutine keeps the
// per-marker ordering the bus delivered. Queue overflow drops the message
// and counts it; the next hydrate reconciles the store.
type Consumer struct {
	sub    Subscriber
	store  *store.Store
	sink   Sink
	logger zerolog.Logger
	audit  *monitoring.AuditLogger

	queue chan []byte
	quit  chan struct{}
	wg    sync.WaitGroup

	gateMu sync.Mutex
	gate   chan struct{} // non-nil while paused, closed by Resume

	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// ConsumerStats is a point-in-time counter snapshot, exposed on /health and
// scraped into the Prometheus gauges.
type ConsumerStats struct {
	Processed uint64
	Dropped   uint64
	Failed    uint64
	Queued    int
	Connected bool
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	cap := cfg.QueueCap
	if cap <= 0 {
		cap = defaultQueueCap
	}
	return &Consumer{
		sub:    cfg.Subscriber,
		store:  cfg.Store,
		sink:   cfg.Sink,
		logger: cfg.Logger.With().Str("component", "consumer").Logger(),
		audit:  cfg.Audit,
		queue:  make(chan []byte, cap),
		quit:   make(chan struct{}),
	}
}

func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.processLoop()
	if err := c.sub.Start(c.enqueue); err != nil {
		close(c.quit)
		c.wg.Wait()
		return err
	}
	return nil
}

// Stop tears down the subscriber first so nothing new is enqueued, then
// lets the processing goroutine drain what is already queued.
func (c *Consumer) Stop() error {
	err := c.sub.Stop()
	close(c.quit)
	c.wg.Wait()
	c.logger.Info().
		Uint64("processed", c.processed.Load()).
		Uint64("dropped", c.dropped.Load()).
		Uint64("failed", c.failed.Load()).
		Msg("Consumer stopped")
	return err
}

// Pause holds message application while a reconcile hydrate runs, so the
// fetched snapshot lands before any stream event that follows it. Arrivals
// keep queueing up to the queue cap in the meantime.
func (c *Consumer) Pause() {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	if c.gate != nil {
		return
	}
	c.gate = make(chan struct{})
	c.logger.Info().Msg("Consumer paused for reconcile")
}

// Resume releases a pause. Resuming a running consumer is a no-op.
func (c *Consumer) Resume() {
	c.gateMu.Lock()
	ch := c.gate
	c.gate = nil
	c.gateMu.Unlock()
	if ch != nil {
		close(ch)
		c.logger.Info().Int("queued", len(c.queue)).Msg("Consumer resumed")
	}
}

func (c *Consumer) paused() chan struct{} {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	return c.gate
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed: c.processed.Load(),
		Dropped:   c.dropped.Load(),
		Failed:    c.failed.Load(),
		Queued:    len(c.queue),
		Connected: c.sub.Connected(),
	}
}

// enqueue runs on the subscriber's receive goroutine and must not block.
func (c *Consumer) enqueue(data []byte) {
	select {
	case c.queue <- data:
	default:
		n := c.dropped.Add(1)
		// First drop and every 1000th after it reach the audit log; a
		// sustained overflow would otherwise flood it.
		if n == 1 || n%1000 == 0 {
			c.logger.Warn().Uint64("dropped_total", n).Msg("Consumer queue full, dropping message")
			if c.audit != nil {
				c.audit.Warning("consumer_queue_overflow", "Consumer queue full, dropping messages", map[string]any{
					"dropped_total": n,
					"queue_cap":     cap(c.queue),
				})
			}
		}
	}
}

func (c *Consumer) processLoop() {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "consumer-process", nil)

	for {
		select {
		case data := <-c.queue:
			c.waitWhilePaused()
			c.handleMessage(data)
		case <-c.quit:
			for {
				select {
				case data := <-c.queue:
					c.handleMessage(data)
				default:
					return
				}
			}
		}
	}
}

// waitWhilePaused blocks the processing goroutine while the gate is set.
// Shutdown overrides the gate: the hydrator may already be cancelled and a
// Resume never coming, and the drain path applies messages regardless.
func (c *Consumer) waitWhilePaused() {
	if gate := c.paused(); gate != nil {
		select {
		case <-gate:
		case <-c.quit:
		}
	}
}

func (c *Consumer) handleMessage(data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn().Err(err).Msg("Dropping bus message")
		return
	}

	var ev *types.ChangeEvent
	switch env.Operation {
	case OpCreate, OpInsert:
		m, err := types.ParseRecord(env.Record)
		if err != nil {
			c.recordFailure(env.Operation, err)
			return
		}
		ev = c.store.ApplyCreate(m)
	case OpUpdate:
		m, err := types.ParseRecord(env.Record)
		if err != nil {
			c.recordFailure(env.Operation, err)
			return
		}
		ev = c.store.ApplyUpdate(m)
	case OpDelete:
		id, err := types.ParseRecordID(env.Record)
		if err != nil {
			c.recordFailure(env.Operation, err)
			return
		}
		ev = c.store.ApplyDelete(id)
	}

	c.processed.Add(1)
	if ev == nil {
		// No-op deletes and rejected records produce nothing to route.
		return
	}
	if c.sink != nil {
		c.sink(*ev)
	}
}

func (c *Consumer) recordFailure(op string, err error) {
	c.failed.Add(1)
	if errors.Is(err, types.ErrNoCoordinate) {
		c.logger.Warn().Err(err).Str("operation", op).Msg("Record has no usable coordinate, dropping")
		return
	}
	c.logger.Warn().Err(err).Str("operation", op).Msg("Malformed record, dropping")
}
