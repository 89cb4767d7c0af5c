package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives breaker timeouts without real sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New(Config{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Now:              clock.Now,
	})
}

func fail(ctx context.Context) error { return errors.New("upstream down") }

func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, b.State())

	// Calls are now rejected without running the operation.
	ran := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	require.Equal(t, StateOpen, b.State())

	clock.advance(30 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Two probe successes close the circuit.
	require.NoError(t, b.Execute(ctx, succeed))
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	clock.advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())

	// The open window restarts from the failed probe.
	clock.advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}

	var transitions []State
	b := New(Config{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	clock.advance(time.Second)
	require.NoError(t, b.Execute(ctx, succeed))

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
