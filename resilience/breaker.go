package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/types"
)

// CircuitState is the current state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed passes calls through and counts consecutive failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all calls until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows a limited number of trial calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before allowing
	// a trial call.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// SuccessThreshold is the number of consecutive trial successes in
	// half-open that closes the circuit.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
	// HalfOpenMaxProbes caps in-flight trial calls while half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 1,
	}
}

// StateChange describes a circuit breaker state transition.
type StateChange struct {
	Resource  string       `json:"resource"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
	Timestamp time.Time    `json:"timestamp"`
}

// StateChangeHandler receives breaker state transitions.
type StateChangeHandler func(change StateChange)

// CircuitBreaker guards a single protected resource (typically one target
// agent). State is shared across all concurrent callers of that resource.
type CircuitBreaker struct {
	resource string
	config   BreakerConfig
	handler  StateChangeHandler
	logger   *zap.Logger

	state           CircuitState
	failures        int
	successes       int
	probeCount      int
	lastFailureTime time.Time
	mu              sync.Mutex
}

// NewCircuitBreaker creates a breaker for the named resource.
func NewCircuitBreaker(resource string, config BreakerConfig, handler StateChangeHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = 1
	}
	return &CircuitBreaker{
		resource: resource,
		config:   config,
		handler:  handler,
		state:    CircuitClosed,
		logger:   logger.With(zap.String("resource", resource)),
	}
}

// Allow reports whether a call may proceed. While open it returns a
// CIRCUIT_OPEN error carrying the remaining recovery time; once the recovery
// timeout elapses the breaker moves to half-open and permits a trial call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		remaining := cb.config.RecoveryTimeout - time.Since(cb.lastFailureTime)
		return types.NewErrorf(types.ErrCircuitOpen,
			"circuit open for %s: %d consecutive failures, retry after %v",
			cb.resource, cb.failures, remaining.Round(time.Millisecond)).
			WithResource(cb.resource)

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return types.NewErrorf(types.ErrCircuitOpen,
			"circuit half-open for %s: trial call already in flight", cb.resource).
			WithResource(cb.resource)

	default:
		return types.NewErrorf(types.ErrCircuitOpen, "unknown circuit state %d", cb.state)
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.probeCount--
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive trial successes", cb.successes))
			cb.failures = 0
			cb.successes = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure records a failed call. In half-open, any failure reopens
// the circuit immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}

	case CircuitHalfOpen:
		cb.successes = 0
		cb.probeCount = 0
		cb.transitionTo(CircuitOpen, "failure during trial call")
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset returns the breaker to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	if oldState != CircuitClosed {
		cb.emit(oldState, CircuitClosed, "manual reset")
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emit(oldState, newState, reason)
}

// emit must be called with the lock held; the handler runs asynchronously
// to avoid deadlocks when handlers call back into the breaker.
func (cb *CircuitBreaker) emit(oldState, newState CircuitState, reason string) {
	if cb.handler == nil {
		return
	}
	change := StateChange{
		Resource:  cb.resource,
		OldState:  oldState,
		NewState:  newState,
		Reason:    reason,
		Failures:  cb.failures,
		Timestamp: time.Now(),
	}
	go cb.handler(change)
}

// BreakerRegistry manages one breaker per protected resource. A single
// authoritative breaker per resource is shared across all concurrent runs
// calling that resource.
type BreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	handler  StateChangeHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewBreakerRegistry creates a registry with shared config.
func NewBreakerRegistry(config BreakerConfig, handler StateChangeHandler, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		handler:  handler,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for a resource, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(resource string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[resource]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[resource]; ok {
		return cb
	}

	cb := NewCircuitBreaker(resource, r.config, r.handler, r.logger)
	r.breakers[resource] = cb
	return cb
}

// States returns a snapshot of all breaker states by resource.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for resource, cb := range r.breakers {
		states[resource] = cb.State()
	}
	return states
}

// ResetAll resets every breaker in the registry.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
