package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomp-ethash/pkg/errors"
)

var errNode = stderrors.New("node unavailable")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type transition struct{ from, to State }

func newTestBreaker(cfg *Config) (*Breaker, *clock, *[]transition) {
	var transitions []transition
	cfg.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, transition{from, to})
	}
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New(cfg)
	b.now = c.now
	b.lastResetTime = c.now()
	return b, c, &transitions
}

func fail(context.Context) error    { return errNode }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "half-open", StateHalfOpen.String())
	require.Equal(t, "unknown", State(999).String())
}

func TestNew_Defaults(t *testing.T) {
	b := New(nil)
	require.Equal(t, DefaultConfig(), b.config)
	require.Equal(t, StateClosed, b.GetState())

	node := NodeConfig("geth")
	require.Equal(t, "geth", node.Name)
	require.Equal(t, 3, node.MaxFailures)
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _, transitions := newTestBreaker(&Config{Name: "geth", MaxFailures: 2, SuccessRequired: 1, Timeout: 10 * time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	calls := 0
	counting := func(context.Context) error { calls++; return errNode }

	require.ErrorIs(t, b.Execute(ctx, counting), errNode)
	require.Equal(t, StateClosed, b.GetState())
	require.ErrorIs(t, b.Execute(ctx, counting), errNode)
	require.Equal(t, StateOpen, b.GetState())

	err := b.Execute(ctx, counting)
	require.ErrorIs(t, err, ErrOpen)
	require.True(t, errors.IsType(err, errors.ErrorTypeInternal))
	require.Equal(t, "geth", errors.GetContext(err)["breaker"])
	require.Equal(t, 2, calls)
	require.Equal(t, []transition{{StateClosed, StateOpen}}, *transitions)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk, transitions := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 2, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

	clk.advance(2 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateHalfOpen, b.GetState())
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateClosed, b.GetState())

	require.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	clk.advance(2 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, fail), errNode)
	require.Equal(t, StateOpen, b.GetState())
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
}

func TestBreaker_ResetTimeoutClearsFailures(t *testing.T) {
	b, clk, _ := newTestBreaker(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	clk.advance(2 * time.Minute)
	require.NoError(t, b.Execute(ctx, succeed))
	require.Zero(t, b.GetStats().Failures)

	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_IsFailure(t *testing.T) {
	rejected := errors.New(errors.ErrorTypeValidation, "submit_work", "stale work")
	b, _, _ := newTestBreaker(&Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         time.Second,
		ResetTimeout:    time.Minute,
		IsFailure:       errors.IsRetryable,
	})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return rejected }), rejected)
	require.Equal(t, StateClosed, b.GetState())

	require.Error(t, b.Execute(ctx, func(context.Context) error {
		return errors.New(errors.ErrorTypeNode, "submit_work", "connection refused")
	}))
	require.Equal(t, StateOpen, b.GetState())
}

func TestBreaker_CancellationIsNotFailure(t *testing.T) {
	b, _, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})

	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return context.Canceled }), context.Canceled)
	require.Equal(t, StateClosed, b.GetState())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Execute(ctx, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	}), context.Canceled)
}

func TestExecuteWithResult(t *testing.T) {
	b, _, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	height, err := ExecuteWithResult(ctx, b, func(context.Context) (uint64, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, uint64(42), height)

	_, err = ExecuteWithResult(ctx, b, func(context.Context) (uint64, error) { return 0, errNode })
	require.ErrorIs(t, err, errNode)

	height, err = ExecuteWithResult(ctx, b, func(context.Context) (uint64, error) { return 43, nil })
	require.ErrorIs(t, err, ErrOpen)
	require.Zero(t, height)
}

func TestBreaker_StatsAndReset(t *testing.T) {
	b, _, transitions := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, fail))

	stats := b.GetStats()
	require.Equal(t, StateOpen, stats.State)
	require.Equal(t, 1, stats.Failures)
	require.Zero(t, stats.Successes)
	require.False(t, stats.LastFailTime.IsZero())

	b.Reset()
	require.Equal(t, Stats{State: StateClosed, LastFailTime: stats.LastFailTime}, b.GetStats())
	require.Equal(t, transition{StateOpen, StateClosed}, (*transitions)[len(*transitions)-1])
}
