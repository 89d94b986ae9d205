// Package hydrate pulls the authoritative marker set over HTTP and folds it
// into the store: a packed bulk load when the store is empty, a diff that
// emits synthetic change events when it is not. The bus keeps the store
// fresh between hydrates; hydration heals whatever the bus lost.
package hydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/store"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

const attemptTimeout = 10 * time.Second

// Sink receives the synthetic change events a reconcile diff produces.
type Sink func(ev types.ChangeEvent)

type Config struct {
	URL        string
	Retries    int           // attempts per cycle
	Backoff    time.Duration // first retry delay, doubled per attempt
	RetryDelay time.Duration // pause before rescheduling a failed reconcile
	Store      *store.Store
	Sink       Sink
	Logger     zerolog.Logger
	Audit      *monitoring.AuditLogger
	Client     *http.Client // optional, for tests

	// BeforeReconcile and AfterReconcile bracket every scheduled
	// reconcile cycle; AfterReconcile receives the cycle's outcome. The
	// server pauses bus processing across the cycle so the fetched
	// snapshot always lands before the stream continues. Both run on the
	// reconcile goroutine.
	BeforeReconcile func()
	AfterReconcile  func(err error)
}

type Hydrator struct {
	url             string
	retries         int
	backoff         time.Duration
	retryDelay      time.Duration
	client          *http.Client
	store           *store.Store
	sink            Sink
	logger          zerolog.Logger
	audit           *monitoring.AuditLogger
	beforeReconcile func()
	afterReconcile  func(err error)

	reconcileCh chan struct{}
	wg          sync.WaitGroup

	cycles      atomic.Uint64
	failures    atomic.Uint64
	skipped     atomic.Uint64
	lastSuccess atomic.Int64 // unix ms, 0 until the first success
}

// Stats is a point-in-time snapshot for /health and the metrics refresh.
type Stats struct {
	Cycles         uint64
	Failures       uint64
	SkippedRecords uint64
	LastSuccess    time.Time
}

func New(cfg Config) *Hydrator {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: attemptTimeout}
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 5
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	return &Hydrator{
		url:             cfg.URL,
		retries:         retries,
		backoff:         backoff,
		retryDelay:      retryDelay,
		client:          client,
		store:           cfg.Store,
		sink:            cfg.Sink,
		logger:          cfg.Logger.With().Str("component", "hydrator").Logger(),
		audit:           cfg.Audit,
		beforeReconcile: cfg.BeforeReconcile,
		afterReconcile:  cfg.AfterReconcile,
		reconcileCh:     make(chan struct{}, 1),
	}
}

// Hydrate runs one full cycle: fetch with retries, then apply. The boot
// sequence treats an error here as fatal; later reconciles just log it.
func (h *Hydrator) Hydrate(ctx context.Context) error {
	start := time.Now()
	markers, err := h.fetchWithRetries(ctx)
	if err != nil {
		h.failures.Add(1)
		if h.audit != nil {
			h.audit.Error("hydrate_failed", "Hydration exhausted all attempts", map[string]any{
				"url":      h.url,
				"attempts": h.retries,
				"error":    err.Error(),
			})
		}
		return err
	}

	h.apply(markers)
	h.cycles.Add(1)
	h.lastSuccess.Store(time.Now().UnixMilli())
	monitoring.ObserveHydrateDuration(time.Since(start))
	return nil
}

func (h *Hydrator) fetchWithRetries(ctx context.Context) ([]types.Marker, error) {
	var lastErr error
	for attempt := 0; attempt < h.retries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with full jitter: sleep anywhere up to
			// backoff * 2^(attempt-1).
			ceiling := h.backoff << (attempt - 1)
			delay := time.Duration(rand.Int63n(int64(ceiling) + 1))
			h.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Hydrate attempt failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		markers, err := h.fetch(ctx)
		if err == nil {
			return markers, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("hydrate failed after %d attempts: %w", h.retries, lastErr)
}

func (h *Hydrator) fetch(ctx context.Context) ([]types.Marker, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", h.url, resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// Duplicate ids in the payload resolve to the last occurrence, keeping
	// the slice in payload order for deterministic application.
	markers := make([]types.Marker, 0, len(raw))
	index := make(map[string]int, len(raw))
	for _, r := range raw {
		m, err := types.ParseRecord(r)
		if err != nil {
			h.skipped.Add(1)
			h.logger.Warn().Err(err).Msg("Skipping upstream record")
			continue
		}
		if at, seen := index[m.ID]; seen {
			markers[at] = m
			continue
		}
		index[m.ID] = len(markers)
		markers = append(markers, m)
	}
	return markers, nil
}

// apply folds the fetched set into the store. An empty store takes the
// packed bulk-load path and emits nothing; clients connected later pull
// their initial view themselves. A populated store gets a three-way diff
// whose events flow through the sink like bus events.
func (h *Hydrator) apply(markers []types.Marker) {
	if h.store.Len() == 0 {
		if err := h.store.BulkLoad(markers); err != nil {
			// BulkLoad validates what ParseRecord already validated, so
			// this only fires on duplicate-id corruption.
			h.logger.Error().Err(err).Msg("Bulk load rejected, applying individually")
			for _, m := range markers {
				h.store.ApplyCreate(m)
			}
		}
		h.logger.Info().Int("markers", len(markers)).Msg("Cold hydrate complete")
		return
	}

	local := h.store.Snapshot()
	var created, updated, deleted int

	for _, m := range markers {
		prev, exists := local[m.ID]
		if !exists {
			if ev := h.store.ApplyCreate(m); ev != nil {
				created++
				h.emit(*ev)
			}
			continue
		}
		if prev.Lng == m.Lng && prev.Lat == m.Lat && prev.AttributesEqual(m) {
			continue
		}
		if ev := h.store.ApplyUpdate(m); ev != nil {
			updated++
			h.emit(*ev)
		}
	}

	upstream := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		upstream[m.ID] = struct{}{}
	}
	stale := make([]string, 0)
	for id := range local {
		if _, ok := upstream[id]; !ok {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		if ev := h.store.ApplyDelete(id); ev != nil {
			deleted++
			h.emit(*ev)
		}
	}

	h.logger.Info().
		Int("created", created).
		Int("updated", updated).
		Int("deleted", deleted).
		Int("upstream_total", len(markers)).
		Msg("Reconcile hydrate complete")
}

func (h *Hydrator) emit(ev types.ChangeEvent) {
	if h.sink != nil {
		h.sink(ev)
	}
}

// Start serves reconcile requests until ctx is cancelled. Requests arriving
// while a cycle runs coalesce into one pending cycle; a failed cycle
// reschedules itself after retryDelay.
func (h *Hydrator) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer monitoring.RecoverPanic(h.logger, "hydrator-reconcile", nil)
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.reconcileCh:
				if h.beforeReconcile != nil {
					h.beforeReconcile()
				}
				err := h.Hydrate(ctx)
				if err != nil && ctx.Err() == nil {
					h.logger.Error().Err(err).Dur("retry_in", h.retryDelay).Msg("Reconcile hydrate failed, retry scheduled")
					h.scheduleRetry(ctx)
				}
				if h.afterReconcile != nil {
					h.afterReconcile(err)
				}
			}
		}
	}()
}

func (h *Hydrator) scheduleRetry(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTimer(h.retryDelay)
		defer t.Stop()
		select {
		case <-t.C:
			h.ScheduleReconcile()
		case <-ctx.Done():
		}
	}()
}

// ScheduleReconcile requests a hydrate cycle without blocking the caller.
// Safe from bus callback goroutines.
func (h *Hydrator) ScheduleReconcile() {
	select {
	case h.reconcileCh <- struct{}{}:
	default:
	}
}

// Wait blocks until the reconcile goroutine exits. Call after cancelling
// the context passed to Start.
func (h *Hydrator) Wait() {
	h.wg.Wait()
}

func (h *Hydrator) Stats() Stats {
	var last time.Time
	if ms := h.lastSuccess.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return Stats{
		Cycles:         h.cycles.Load(),
		Failures:       h.failures.Load(),
		SkippedRecords: h.skipped.Load(),
		LastSuccess:    last,
	}
}
