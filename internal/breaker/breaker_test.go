// ABOUTME: Tests for per-division circuit breakers
// ABOUTME: Covers trip threshold, fail-fast rejection, cooldown doubling, and probe recovery

package breaker

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fabric-gateway/internal/fault"
)

func testRegistry(settings Settings) *Registry {
	return NewRegistry(settings, slog.Default())
}

func tripBreaker(t *testing.T, b *DivisionBreaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		_ = b.Execute(func() error { return errors.New("connection refused") })
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	r := testRegistry(Settings{FailureThreshold: 3, BaseCooldown: time.Minute})
	b := r.For("sales")

	tripBreaker(t, b, 2)
	assert.Equal(t, gobreaker.StateClosed, b.State(), "breaker tripped below threshold")

	tripBreaker(t, b, 1)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	r := testRegistry(Settings{FailureThreshold: 1, BaseCooldown: time.Minute})
	b := r.For("sales")
	tripBreaker(t, b, 1)

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called, "open breaker must not invoke the call")
	assert.Equal(t, fault.CodeAgentUnavailable, fault.CodeOf(err))

	var ferr *fault.Error
	require.ErrorAs(t, err, &ferr)
	assert.Greater(t, ferr.RetryAfter, time.Duration(0), "rejection must carry the remaining cooldown")
}

func TestBreaker_CooldownDoublesOnRetrip(t *testing.T) {
	r := testRegistry(Settings{FailureThreshold: 1, BaseCooldown: 20 * time.Millisecond, MaxCooldown: time.Second})
	b := r.For("sales")

	// First trip: window is the base cooldown
	tripBreaker(t, b, 1)
	assert.Equal(t, 40*time.Millisecond, b.cooldown, "next window should be doubled")

	// Wait out the window, fail the half-open probe to re-trip
	time.Sleep(30 * time.Millisecond)
	_ = b.Execute(func() error { return errors.New("still down") })

	require.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, 80*time.Millisecond, b.cooldown)

	// The gate must hold past gobreaker's own base timeout
	time.Sleep(25 * time.Millisecond)
	err := b.Execute(func() error { return nil })
	assert.Equal(t, fault.CodeAgentUnavailable, fault.CodeOf(err), "doubled window must still reject")
}

func TestBreaker_CooldownCaps(t *testing.T) {
	r := testRegistry(Settings{FailureThreshold: 1, BaseCooldown: 40 * time.Millisecond, MaxCooldown: 60 * time.Millisecond})
	b := r.For("sales")

	tripBreaker(t, b, 1)
	assert.Equal(t, 60*time.Millisecond, b.cooldown, "cooldown must cap at MaxCooldown")
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	r := testRegistry(Settings{FailureThreshold: 1, BaseCooldown: 20 * time.Millisecond, MaxCooldown: time.Second})
	b := r.For("sales")
	tripBreaker(t, b, 1)

	time.Sleep(30 * time.Millisecond)

	// Half-open: the single probe succeeds and the circuit closes
	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	// Recovery resets the doubling
	assert.Equal(t, 20*time.Millisecond, b.cooldown)
}

func TestRegistry_PerDivisionIsolation(t *testing.T) {
	r := testRegistry(Settings{FailureThreshold: 1, BaseCooldown: time.Minute})

	tripBreaker(t, r.For("sales"), 1)

	assert.Equal(t, gobreaker.StateOpen, r.For("sales").State())
	assert.Equal(t, gobreaker.StateClosed, r.For("support").State(),
		"one division's failures must not trip another's breaker")

	states := r.States()
	assert.Equal(t, "open", states["sales"])
	assert.Equal(t, "closed", states["support"])
}

func TestRegistry_ReturnsSameBreaker(t *testing.T) {
	r := testRegistry(Settings{})
	assert.Same(t, r.For("sales"), r.For("sales"))
}
