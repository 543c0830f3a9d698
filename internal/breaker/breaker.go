// ABOUTME: Per-division circuit breakers guarding cross-division calls
// ABOUTME: Wraps gobreaker with a doubling cooldown gate and half-open single-probe recovery

package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/2389/fabric-gateway/internal/fault"
)

// Settings configures division breakers.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int
	// BaseCooldown is the first open window after a trip.
	BaseCooldown time.Duration
	// MaxCooldown caps the doubled cooldown.
	MaxCooldown time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.BaseCooldown <= 0 {
		s.BaseCooldown = 5 * time.Second
	}
	if s.MaxCooldown <= 0 {
		s.MaxCooldown = 2 * time.Minute
	}
	return s
}

// DivisionBreaker guards calls toward one division.
//
// gobreaker owns the failure counting and the half-open single probe; its
// Timeout is fixed at the base cooldown. The doubling lives here: each trip
// without an intervening recovery extends the open window (openUntil) to
// twice the previous one, capped at MaxCooldown. Execute rejects without
// consulting gobreaker while openUntil is in the future, so the effective
// window only ever grows past gobreaker's own.
type DivisionBreaker struct {
	division string
	settings Settings
	logger   *slog.Logger

	cb *gobreaker.CircuitBreaker

	mu        sync.Mutex
	cooldown  time.Duration
	openUntil time.Time
}

func newDivisionBreaker(division string, settings Settings, logger *slog.Logger) *DivisionBreaker {
	b := &DivisionBreaker{
		division: division,
		settings: settings,
		logger:   logger.With("component", "breaker", "division", division),
		cooldown: settings.BaseCooldown,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        division,
		MaxRequests: 1, // single probe in half-open
		Timeout:     settings.BaseCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(settings.FailureThreshold)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

func (b *DivisionBreaker) onStateChange(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		b.openUntil = time.Now().Add(b.cooldown)
		b.logger.Warn("circuit opened",
			"from", from.String(),
			"cooldown", b.cooldown.String())
		b.cooldown *= 2
		if b.cooldown > b.settings.MaxCooldown {
			b.cooldown = b.settings.MaxCooldown
		}
	case gobreaker.StateClosed:
		// Successful recovery resets the doubling
		b.cooldown = b.settings.BaseCooldown
		b.openUntil = time.Time{}
		b.logger.Info("circuit closed", "from", from.String())
	}
	b.mu.Unlock()
}

// Execute runs fn under the breaker. While the circuit is open the call is
// rejected immediately with AGENT_UNAVAILABLE carrying the remaining
// cooldown, and fn is never invoked.
func (b *DivisionBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	remaining := time.Until(b.openUntil)
	b.mu.Unlock()
	if remaining > 0 {
		return b.openError(remaining)
	}

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		b.mu.Lock()
		remaining = time.Until(b.openUntil)
		b.mu.Unlock()
		return b.openError(remaining)
	}
	return err
}

func (b *DivisionBreaker) openError(remaining time.Duration) error {
	if remaining < 0 {
		remaining = 0
	}
	return fault.New(fault.CodeAgentUnavailable,
		"division %s is unreachable, circuit open", b.division).
		WithDetail("divisionId", b.division).
		WithRetryAfter(remaining)
}

// State reports the current breaker state, accounting for the extended
// cooldown gate.
func (b *DivisionBreaker) State() gobreaker.State {
	b.mu.Lock()
	gated := time.Now().Before(b.openUntil)
	b.mu.Unlock()
	if gated {
		return gobreaker.StateOpen
	}
	return b.cb.State()
}

// Registry hands out one breaker per target division.
type Registry struct {
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*DivisionBreaker
}

// NewRegistry creates a breaker registry. Zero-valued settings fields get
// defaults.
func NewRegistry(settings Settings, logger *slog.Logger) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*DivisionBreaker),
	}
}

// For returns the breaker for a division, creating it on first use.
func (r *Registry) For(division string) *DivisionBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[division]
	if !ok {
		b = newDivisionBreaker(division, r.settings, r.logger)
		r.breakers[division] = b
	}
	return b
}

// States snapshots every known division's breaker state.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string, len(r.breakers))
	for division, b := range r.breakers {
		states[division] = b.State().String()
	}
	return states
}
