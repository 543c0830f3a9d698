// ABOUTME: Per-source-division token bucket limiting on inbound federation traffic
// ABOUTME: Lazily creates one limiter per remote division

package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// divisionLimits throttles inbound cross-division requests. Each source
// division gets an independent token bucket so one noisy peer cannot
// starve the others.
type divisionLimits struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	limit rate.Limit
	burst int
}

func newDivisionLimits(maxPerMinute, burst int) *divisionLimits {
	return &divisionLimits{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(maxPerMinute) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether one more request from the division fits its budget.
func (l *divisionLimits) Allow(divisionID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[divisionID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[divisionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
