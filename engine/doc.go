// Package engine executes workflow runs against their declarative
// definitions.
//
// A run moves pending → running → {paused → running} → completed|failed.
// Within a round, every step whose dependencies are settled executes,
// dependency-free steps fanning out in parallel; agent calls go over the
// event bus wrapped in the retry policy and the target agent's circuit
// breaker; approval gates assess risk and suspend the run until a human
// decision arrives through Resume. Every status transition persists a
// checkpoint, so a run survives process restarts: suspension is a stored
// status plus a resume entry point, not an in-memory continuation.
package engine
