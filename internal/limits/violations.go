// Package limits provides the token-bucket guards protecting the server
// from misbehaving clients: per-session protocol-violation budgets and
// optional connection-rate limiting.
package limits

import (
	"time"

	"golang.org/x/time/rate"
)

// ViolationLimiter tracks protocol violations for one session. Occasional
// mistakes pass; a client exceeding threshold violations within the window
// gets disconnected.
type ViolationLimiter struct {
	lim *rate.Limiter
}

// NewViolationLimiter allows threshold violations as a burst, refilling
// across window. NewViolationLimiter(10, time.Minute) tolerates 10
// violations in 60 seconds.
func NewViolationLimiter(threshold int, window time.Duration) *ViolationLimiter {
	refill := rate.Limit(float64(threshold) / window.Seconds())
	return &ViolationLimiter{lim: rate.NewLimiter(refill, threshold)}
}

// Record counts one violation. A false return means the budget is exhausted
// and the session should be closed.
func (v *ViolationLimiter) Record() bool {
	return v.lim.Allow()
}
