package config

import (
	"fmt"
	"time"

	"github.com/conductorhq/conductor/checkpoint"
	"github.com/conductorhq/conductor/resilience"
	"github.com/conductorhq/conductor/router"
)

// Config is the complete conductor configuration.
type Config struct {
	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Workflows configures the definition catalog.
	Workflows WorkflowsConfig `yaml:"workflows" env:"WORKFLOWS"`

	// Router configures workflow selection.
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Engine configures run execution.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Retry configures transient-failure retries around agent dispatch.
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Breaker configures the per-agent circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Checkpoint configures durable run snapshots.
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Approvals configures the human-in-the-loop manager.
	Approvals ApprovalsConfig `yaml:"approvals" env:"APPROVALS"`

	// Redis is shared by the redis-backed checkpoint and approval stores.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Metrics configures Prometheus instrumentation.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// EnableCaller annotates entries with the calling location.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// WorkflowsConfig configures the definition catalog.
type WorkflowsConfig struct {
	// Dir holds the YAML/JSON workflow definitions.
	Dir string `yaml:"dir" env:"DIR"`
	// CacheTTL bounds how long a catalog snapshot is served.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// RouterConfig configures workflow selection.
type RouterConfig struct {
	// Threshold above which a heuristic result skips the semantic matcher.
	Threshold float64 `yaml:"threshold" env:"THRESHOLD"`
	// DefaultWorkflow is the fallback when nothing matches.
	DefaultWorkflow string `yaml:"default_workflow" env:"DEFAULT_WORKFLOW"`
	// Strategy resolves heuristic/semantic disagreement:
	// prefer-higher, prefer-heuristic, or prefer-semantic.
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// RulesPath is an optional YAML file of heuristic rules.
	RulesPath string `yaml:"rules_path" env:"RULES_PATH"`
}

// EngineConfig configures run execution.
type EngineConfig struct {
	// Source names the engine on the bus and in approval requests.
	Source string `yaml:"source" env:"SOURCE"`
	// DefaultStepTimeout bounds agent calls with no per-step timeout.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	// CheckpointRetries bounds reload-and-reevaluate cycles on conflicts.
	CheckpointRetries int `yaml:"checkpoint_retries" env:"CHECKPOINT_RETRIES"`
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Multiplier     float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter         bool          `yaml:"jitter" env:"JITTER"`
}

// ToPolicy converts to the resilience policy.
func (c RetryConfig) ToPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
		Jitter:         c.Jitter,
	}
}

// BreakerConfig configures the circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	SuccessThreshold  int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
}

// ToBreakerConfig converts to the resilience breaker config.
func (c BreakerConfig) ToBreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold:  c.FailureThreshold,
		RecoveryTimeout:   c.RecoveryTimeout,
		SuccessThreshold:  c.SuccessThreshold,
		HalfOpenMaxProbes: c.HalfOpenMaxProbes,
	}
}

// CheckpointConfig configures the checkpoint backend.
type CheckpointConfig struct {
	// Backend: memory, redis, or sqlite.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is the database file for the sqlite backend.
	Path string `yaml:"path" env:"PATH"`
}

// ApprovalsConfig configures the HITL manager.
type ApprovalsConfig struct {
	// Backend: memory or redis.
	Backend string `yaml:"backend" env:"BACKEND"`
	// SweepInterval is how often pending requests are checked for expiry.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// ListenAddr serves /metrics when non-empty.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// ToCheckpointConfig maps the checkpoint and redis sections to the store
// factory config.
func (c *Config) ToCheckpointConfig() checkpoint.Config {
	return checkpoint.Config{
		Type: checkpoint.BackendType(c.Checkpoint.Backend),
		Path: c.Checkpoint.Path,
		Redis: checkpoint.RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			PoolSize:  c.Redis.PoolSize,
			KeyPrefix: c.Redis.KeyPrefix,
		},
	}
}

// RouterOptions maps the router section to router options.
func (c *Config) RouterOptions() router.Options {
	return router.Options{
		Threshold:       c.Router.Threshold,
		DefaultWorkflow: c.Router.DefaultWorkflow,
		Strategy:        router.Strategy(c.Router.Strategy),
	}
}

// Validate rejects configurations that cannot be wired.
func Validate(cfg *Config) error {
	switch cfg.Checkpoint.Backend {
	case "", "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
	switch cfg.Approvals.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown approvals backend %q", cfg.Approvals.Backend)
	}
	switch cfg.Router.Strategy {
	case "", string(router.StrategyPreferHigher), string(router.StrategyPreferHeuristic), string(router.StrategyPreferSemantic):
	default:
		return fmt.Errorf("unknown router strategy %q", cfg.Router.Strategy)
	}
	if cfg.Router.Threshold < 0 || cfg.Router.Threshold > 1 {
		return fmt.Errorf("router threshold %v outside [0, 1]", cfg.Router.Threshold)
	}
	if (cfg.Checkpoint.Backend == "redis" || cfg.Approvals.Backend == "redis") && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis backend selected but redis.addr is empty")
	}
	return nil
}
