package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errUpstream = errors.New("upstream down")
	errRejected = errors.New("rejected by upstream")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(clk *clock) *CircuitBreaker {
	return New(Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 1,
		IsFailure:           func(err error) bool { return !errors.Is(err, errRejected) },
		Now:                 clk.Now,
	})
}

func fail(err error) func() error { return func() error { return err } }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(clk)
	ctx := context.Background()

	var transitions []string
	cb.OnStateChange(func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) })

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail(errUpstream)), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"closed>open"}, transitions)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newBreaker(&clock{now: time.Unix(0, 0)})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errUpstream))
	_ = cb.Execute(ctx, fail(errUpstream))
	require.NoError(t, cb.Execute(ctx, fail(nil)))
	_ = cb.Execute(ctx, fail(errUpstream))
	_ = cb.Execute(ctx, fail(errUpstream))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	cb := newBreaker(&clock{now: time.Unix(0, 0)})
	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail(errRejected)), errRejected)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errUpstream))
	}
	clk.Advance(time.Second)

	require.NoError(t, cb.Execute(ctx, fail(nil)))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, fail(nil)))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errUpstream))
	}
	clk.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail(errUpstream)), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail(nil)), ErrOpen)
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errUpstream))
	}
	clk.Advance(time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func() error { <-release; return nil })
	}()
	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, time.Millisecond)

	assert.ErrorIs(t, cb.Execute(ctx, fail(nil)), ErrOpen, "only one probe at a time")
	close(release)
	assert.NoError(t, <-done)
}

func TestDo_ReturnsValue(t *testing.T) {
	cb := New(DefaultConfig())
	v, err := Do(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Do(ctx, cb, func() (int, error) { return 0, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, cb.Stats().Failures)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newBreaker(&clock{now: time.Unix(0, 0)})
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail(errUpstream))
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), fail(nil)))
}
