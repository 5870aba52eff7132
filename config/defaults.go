package config

import (
	"time"

	"github.com/conductorhq/conductor/resilience"
)

// DefaultConfig returns the configuration used when no file or env
// overrides are present. Every section is runnable out of the box with
// in-memory backends.
func DefaultConfig() *Config {
	retry := resilience.DefaultRetryPolicy()
	breaker := resilience.DefaultBreakerConfig()

	return &Config{
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			EnableCaller: false,
		},
		Workflows: WorkflowsConfig{
			Dir:      "workflows",
			CacheTTL: 5 * time.Minute,
		},
		Router: RouterConfig{
			Threshold: 0.7,
			Strategy:  "prefer-higher",
		},
		Engine: EngineConfig{
			Source:             "engine",
			DefaultStepTimeout: 30 * time.Second,
			CheckpointRetries:  3,
		},
		Retry: RetryConfig{
			MaxRetries:     retry.MaxRetries,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			Multiplier:     retry.Multiplier,
			Jitter:         retry.Jitter,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  breaker.FailureThreshold,
			RecoveryTimeout:   breaker.RecoveryTimeout,
			SuccessThreshold:  breaker.SuccessThreshold,
			HalfOpenMaxProbes: breaker.HalfOpenMaxProbes,
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
		},
		Approvals: ApprovalsConfig{
			Backend:       "memory",
			SweepInterval: time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "conductor:",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Namespace:  "conductor",
			ListenAddr: ":9090",
		},
	}
}
