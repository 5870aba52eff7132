package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
	// Jitter randomizes each delay by ±25% to avoid thundering herds.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns sensible defaults: max 3 retries with
// exponential backoff 1s/2s/4s capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Backoff computes the delay before retry attempt n (0-based):
// min(initial × multiplier^attempt, max), optionally jittered by ±25%.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt))
	if maxDelay := float64(p.MaxBackoff); p.MaxBackoff > 0 && delay > maxDelay {
		delay = maxDelay
	}

	if p.Jitter {
		// ±25%
		delay *= 0.75 + rand.Float64()*0.5
		if maxDelay := float64(p.MaxBackoff); p.MaxBackoff > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}

	return time.Duration(delay)
}

// RetryWithBackoff executes fn, retrying retriable failures up to
// MaxRetries times with computed backoff between attempts. Terminal and
// manual-intervention failures are returned immediately without retrying.
// After exhaustion the last error is returned.
func (p RetryPolicy) RetryWithBackoff(ctx context.Context, logger *zap.Logger, fn func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if class != ClassRetriable {
			return lastErr
		}

		if attempt == p.MaxRetries {
			break
		}

		backoff := p.Backoff(attempt)
		logger.Debug("retrying after transient failure",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
