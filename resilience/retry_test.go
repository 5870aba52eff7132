package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/conductorhq/conductor/types"
)

// ---------------------------------------------------------------------------
// Classify
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"timeout code", types.NewError(types.ErrTimeout, "x"), ClassRetriable},
		{"rate limit code", types.NewError(types.ErrRateLimit, "x"), ClassRetriable},
		{"connection code", types.NewError(types.ErrConnection, "x"), ClassRetriable},
		{"context deadline", context.DeadlineExceeded, ClassRetriable},
		{"validation", types.NewError(types.ErrValidation, "x"), ClassTerminal},
		{"not found", types.NewError(types.ErrNotFound, "x"), ClassTerminal},
		{"plain error", errors.New("x"), ClassTerminal},
		{"authorization", types.NewError(types.ErrAuthorization, "x"), ClassManualIntervention},
		{"manual intervention", types.NewError(types.ErrManualIntervention, "x"), ClassManualIntervention},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}

	assert.Equal(t, 1*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	// Capped at MaxBackoff.
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestRetryPolicy_Backoff_Jitter(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}

	for i := 0; i < 50; i++ {
		d := p.Backoff(2) // nominal 4s
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

// Backoff is monotonically non-decreasing (without jitter) and never
// exceeds MaxBackoff.
func TestRetryPolicy_Backoff_Monotonic(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		p := RetryPolicy{
			InitialBackoff: time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(rt, "initial")),
			MaxBackoff:     time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(rt, "max")),
			Multiplier:     rapid.Float64Range(1.0, 4.0).Draw(rt, "multiplier"),
		}
		n := rapid.IntRange(0, 20).Draw(rt, "attempt")

		cur, next := p.Backoff(n), p.Backoff(n+1)
		if next < cur {
			rt.Fatalf("backoff decreased: delay(%d)=%v > delay(%d)=%v", n, cur, n+1, next)
		}
		if cur > p.MaxBackoff {
			rt.Fatalf("delay(%d)=%v exceeds max %v", n, cur, p.MaxBackoff)
		}
	})
}

// ---------------------------------------------------------------------------
// RetryWithBackoff
// ---------------------------------------------------------------------------

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := p.RetryWithBackoff(context.Background(), zap.NewNop(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrTimeout, "slow agent")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_TerminalNotRetried(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()

	calls := 0
	err := p.RetryWithBackoff(context.Background(), zap.NewNop(), func() error {
		calls++
		return types.NewError(types.ErrValidation, "bad payload")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestRetryWithBackoff_ManualInterventionNotRetried(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()

	calls := 0
	err := p.RetryWithBackoff(context.Background(), zap.NewNop(), func() error {
		calls++
		return types.NewError(types.ErrAuthorization, "policy denied")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ExhaustionReturnsLastError(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := p.RetryWithBackoff(context.Background(), zap.NewNop(), func() error {
		calls++
		return types.NewError(types.ErrConnection, "refused")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
	assert.Equal(t, types.ErrConnection, types.GetErrorCode(err))
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.RetryWithBackoff(ctx, zap.NewNop(), func() error {
		return types.NewError(types.ErrTimeout, "slow")
	})

	require.ErrorIs(t, err, context.Canceled)
}
