// Package config loads conductor configuration with priority
// defaults → YAML file → environment variables. Environment overrides
// follow the env struct tags: CONDUCTOR_<SECTION>_<FIELD>, e.g.
// CONDUCTOR_CHECKPOINT_BACKEND=redis.
package config
