package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/types"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  3,
		RecoveryTimeout:   50 * time.Millisecond,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 1,
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("deploy-agent", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}

	assert.Equal(t, CircuitOpen, cb.State())

	// Next call fails fast with CIRCUIT_OPEN, without touching the target.
	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("a", testBreakerConfig(), nil, zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Failures())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("a", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	// One trial call is permitted.
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// A second concurrent trial is not.
	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("a", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("a", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("a", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_StateChangeHandler(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var changes []StateChange
	done := make(chan struct{})

	cb := NewCircuitBreaker("a", testBreakerConfig(), func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
		if c.NewState == CircuitOpen {
			close(done)
		}
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change handler not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].Resource)
	assert.Equal(t, CircuitClosed, changes[0].OldState)
	assert.Equal(t, CircuitOpen, changes[0].NewState)
}

// ---------------------------------------------------------------------------
// BreakerRegistry
// ---------------------------------------------------------------------------

func TestBreakerRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()
	r := NewBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	a := r.GetOrCreate("agent-a")
	b := r.GetOrCreate("agent-b")
	assert.NotSame(t, a, b)

	// Same resource yields the single authoritative breaker.
	assert.Same(t, a, r.GetOrCreate("agent-a"))
}

func TestBreakerRegistry_GetOrCreate_Concurrent(t *testing.T) {
	t.Parallel()
	r := NewBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 16; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestBreakerRegistry_States(t *testing.T) {
	t.Parallel()
	r := NewBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	a := r.GetOrCreate("agent-a")
	r.GetOrCreate("agent-b")
	for i := 0; i < 3; i++ {
		a.RecordFailure()
	}

	states := r.States()
	assert.Equal(t, CircuitOpen, states["agent-a"])
	assert.Equal(t, CircuitClosed, states["agent-b"])
}
