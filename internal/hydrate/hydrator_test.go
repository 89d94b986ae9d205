package hydrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/geo"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/store"
	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/types"
)

func record(t *testing.T, js string) types.Marker {
	t.Helper()
	m, err := types.ParseRecord([]byte(js))
	if err != nil {
		t.Fatalf("ParseRecord(%s): %v", js, err)
	}
	return m
}

func serveJSON(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func waitOutcome(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconcile outcome")
		return nil
	}
}

func TestColdHydrateBulkLoads(t *testing.T) {
	srv := serveJSON(`[
		{"id":"m1","location":{"coordinates":[-73.99,40.72]},"title":"Delivery 12"},
		{"id":"m2","location":{"coordinates":[-73.95,40.78]},"title":"Delivery 7"},
		{"id":"m3","location":{"coordinates":[-74.10,40.60]}}
	]`)
	defer srv.Close()

	st := store.New(zerolog.Nop())
	var events atomic.Int64
	h := New(Config{
		URL:    srv.URL,
		Store:  st,
		Sink:   func(types.ChangeEvent) { events.Add(1) },
		Logger: zerolog.Nop(),
	})

	if err := h.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if st.Len() != 3 {
		t.Fatalf("store has %d markers, want 3", st.Len())
	}
	if events.Load() != 0 {
		t.Fatalf("cold hydrate emitted %d events, want 0", events.Load())
	}
	got := st.Query(geo.Rect{MinLng: -74.0, MinLat: 40.70, MaxLng: -73.90, MaxLat: 40.80})
	if len(got) != 2 {
		t.Fatalf("query returned %d markers, want 2", len(got))
	}
}

func TestReconcileEmitsDiffEvents(t *testing.T) {
	st := store.New(zerolog.Nop())
	st.ApplyCreate(record(t, `{"id":"m1","location":{"coordinates":[-73.99,40.72]},"title":"old"}`))
	st.ApplyCreate(record(t, `{"id":"m2","location":{"coordinates":[-73.95,40.78]},"title":"same"}`))
	st.ApplyCreate(record(t, `{"id":"m3","location":{"coordinates":[-74.10,40.60]}}`))

	srv := serveJSON(`[
		{"id":"m1","location":{"coordinates":[-73.99,40.72]},"title":"new"},
		{"id":"m2","location":{"coordinates":[-73.95,40.78]},"title":"same"},
		{"id":"m4","location":{"coordinates":[-73.97,40.75]}}
	]`)
	defer srv.Close()

	byKind := map[types.ChangeKind][]string{}
	h := New(Config{
		URL:   srv.URL,
		Store: st,
		Sink: func(ev types.ChangeEvent) {
			byKind[ev.Kind] = append(byKind[ev.Kind], ev.ID)
		},
		Logger: zerolog.Nop(),
	})

	if err := h.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	if got := byKind[types.ChangeUpdate]; len(got) != 1 || got[0] != "m1" {
		t.Fatalf("updates = %v, want [m1]", got)
	}
	if got := byKind[types.ChangeCreate]; len(got) != 1 || got[0] != "m4" {
		t.Fatalf("creates = %v, want [m4]", got)
	}
	if got := byKind[types.ChangeDelete]; len(got) != 1 || got[0] != "m3" {
		t.Fatalf("deletes = %v, want [m3]", got)
	}

	// Unchanged marker keeps its version; no synthetic churn.
	m2, ok := st.Get("m2")
	if !ok || m2.Version != 1 {
		t.Fatalf("m2 version = %d, want 1", m2.Version)
	}
	if _, ok := st.Get("m3"); ok {
		t.Fatal("m3 should be deleted by reconcile")
	}
}

func TestHydrateRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"id":"m1","location":{"coordinates":[-73.99,40.72]}}]`))
	}))
	defer srv.Close()

	st := store.New(zerolog.Nop())
	h := New(Config{
		URL:     srv.URL,
		Retries: 5,
		Backoff: time.Millisecond,
		Store:   st,
		Logger:  zerolog.Nop(),
	})

	if err := h.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("upstream called %d times, want 3", calls.Load())
	}
	if st.Len() != 1 {
		t.Fatalf("store has %d markers, want 1", st.Len())
	}
}

func TestHydrateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := New(Config{
		URL:     srv.URL,
		Retries: 3,
		Backoff: time.Millisecond,
		Store:   store.New(zerolog.Nop()),
		Logger:  zerolog.Nop(),
	})

	if err := h.Hydrate(context.Background()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("upstream called %d times, want 3", calls.Load())
	}
	if got := h.Stats().Failures; got != 1 {
		t.Fatalf("Failures = %d, want 1", got)
	}
}

func TestHydrateSkipsUnusableRecords(t *testing.T) {
	srv := serveJSON(`[
		{"id":"good","location":{"coordinates":[-73.99,40.72]}},
		{"id":"no-coords"},
		{"location":{"coordinates":[-73.95,40.78]}}
	]`)
	defer srv.Close()

	st := store.New(zerolog.Nop())
	h := New(Config{URL: srv.URL, Store: st, Logger: zerolog.Nop()})

	if err := h.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if st.Len() != 1 {
		t.Fatalf("store has %d markers, want 1", st.Len())
	}
	if got := h.Stats().SkippedRecords; got != 2 {
		t.Fatalf("SkippedRecords = %d, want 2", got)
	}
}

func TestHydrateDuplicateIDsLastWins(t *testing.T) {
	srv := serveJSON(`[
		{"id":"m1","location":{"coordinates":[-73.99,40.72]},"title":"first"},
		{"id":"m1","location":{"coordinates":[-73.95,40.78]},"title":"second"}
	]`)
	defer srv.Close()

	st := store.New(zerolog.Nop())
	h := New(Config{URL: srv.URL, Store: st, Logger: zerolog.Nop()})

	if err := h.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	m, ok := st.Get("m1")
	if !ok || m.Lng != -73.95 || m.Lat != 40.78 {
		t.Fatalf("m1 = %+v, want the later record", m)
	}
	if st.Len() != 1 {
		t.Fatalf("store has %d markers, want 1", st.Len())
	}
}

func TestScheduleReconcileRunsCycle(t *testing.T) {
	srv := serveJSON(`[{"id":"m1","location":{"coordinates":[-73.99,40.72]}}]`)
	defer srv.Close()

	st := store.New(zerolog.Nop())
	h := New(Config{URL: srv.URL, Store: st, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	h.ScheduleReconcile()

	deadline := time.After(2 * time.Second)
	for st.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("reconcile never populated the store")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	h.Wait()
}

func TestReconcileHooksBracketCycle(t *testing.T) {
	srv := serveJSON(`[{"id":"m1","location":{"coordinates":[-73.99,40.72]}}]`)
	defer srv.Close()

	st := store.New(zerolog.Nop())
	done := make(chan error, 1)
	beforeLen := -1
	h := New(Config{
		URL:             srv.URL,
		Store:           st,
		Logger:          zerolog.Nop(),
		BeforeReconcile: func() { beforeLen = st.Len() },
		AfterReconcile:  func(err error) { done <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	h.ScheduleReconcile()

	if err := waitOutcome(t, done); err != nil {
		t.Fatalf("reconcile cycle: %v", err)
	}
	if beforeLen != 0 {
		t.Fatalf("BeforeReconcile saw %d markers, want 0 before apply", beforeLen)
	}
	if st.Len() != 1 {
		t.Fatalf("store has %d markers after the cycle, want 1", st.Len())
	}

	cancel()
	h.Wait()
}

func TestFailedReconcileSchedulesRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"id":"m1","location":{"coordinates":[-73.99,40.72]}}]`))
	}))
	defer srv.Close()

	st := store.New(zerolog.Nop())
	outcomes := make(chan error, 4)
	h := New(Config{
		URL:            srv.URL,
		Retries:        1,
		Backoff:        time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
		Store:          st,
		Logger:         zerolog.Nop(),
		AfterReconcile: func(err error) { outcomes <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	h.ScheduleReconcile()

	if err := waitOutcome(t, outcomes); err == nil {
		t.Fatal("first cycle should fail")
	}
	if err := waitOutcome(t, outcomes); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if st.Len() != 1 {
		t.Fatalf("store has %d markers after the retry, want 1", st.Len())
	}

	cancel()
	h.Wait()
}
