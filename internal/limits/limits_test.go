package limits

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestViolationLimiterTripsPastThreshold(t *testing.T) {
	vl := NewViolationLimiter(10, time.Minute)

	for i := 0; i < 10; i++ {
		if !vl.Record() {
			t.Fatalf("violation %d should be within budget", i+1)
		}
	}
	if vl.Record() {
		t.Fatal("11th violation should exhaust the budget")
	}
}

func TestViolationLimitersAreIndependent(t *testing.T) {
	a := NewViolationLimiter(2, time.Minute)
	b := NewViolationLimiter(2, time.Minute)

	a.Record()
	a.Record()
	if a.Record() {
		t.Fatal("limiter a should be exhausted")
	}
	if !b.Record() {
		t.Fatal("limiter b must not share budget with a")
	}
}

func TestConnectionRateLimiterPerIPBurst(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     3,
		IPRate:      0.001,
		GlobalBurst: 1000,
		GlobalRate:  1000,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	for i := 0; i < 3; i++ {
		if !crl.CheckConnectionAllowed("10.0.0.1") {
			t.Fatalf("attempt %d within burst should be allowed", i+1)
		}
	}
	if crl.CheckConnectionAllowed("10.0.0.1") {
		t.Fatal("attempt past burst should be rejected")
	}
	if !crl.CheckConnectionAllowed("10.0.0.2") {
		t.Fatal("different IP should have its own bucket")
	}
}

func TestConnectionRateLimiterGlobalCap(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 2,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	allowed := 0
	for i := 0; i < 5; i++ {
		if crl.CheckConnectionAllowed(fmt.Sprintf("10.0.0.%d", i)) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("global cap should admit exactly 2, got %d", allowed)
	}
}

func TestConnectionRateLimiterTrackedIPs(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{Logger: zerolog.Nop()})
	defer crl.Stop()

	crl.CheckConnectionAllowed("10.0.0.1")
	crl.CheckConnectionAllowed("10.0.0.2")
	crl.CheckConnectionAllowed("10.0.0.1")

	if got := crl.TrackedIPs(); got != 2 {
		t.Fatalf("TrackedIPs = %d, want 2", got)
	}
}
