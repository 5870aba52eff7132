// Package resilience provides the failure-handling layer for agent dispatch:
// error classification, retry with exponential backoff, and per-resource
// circuit breaking.
//
// Classification partitions any failure into retriable, terminal, or
// requires-manual-intervention. Only retriable failures are retried.
// Manual-intervention failures are surfaced to the caller untouched but
// still count against the target resource's breaker health.
package resilience
