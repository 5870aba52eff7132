package checkpoint

import (
	"fmt"
)

// BackendType selects the checkpoint storage backend.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
	BackendSQLite BackendType = "sqlite"
)

// Config selects and configures a checkpoint backend.
type Config struct {
	// Type is the storage backend: memory, redis, or sqlite.
	Type BackendType `json:"type" yaml:"type"`

	// Path is the database file for the sqlite backend.
	Path string `json:"path" yaml:"path"`

	// Redis configuration, used when Type is "redis".
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type: BackendMemory,
		Path: "./data/checkpoints.db",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "conductor:",
		},
	}
}

// NewStore creates a Store for the configured backend.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(cfg.Redis)
	case BackendSQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Type)
	}
}
