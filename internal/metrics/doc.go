/*
Package metrics provides Prometheus-based instrumentation for the
orchestration pipeline: workflow runs, step execution, agent dispatch,
approvals, and resilience machinery.

# Overview

The Collector registers all metrics on a caller-supplied Registerer via
promauto, grouped by namespace, with multi-dimensional labels suited to
Grafana dashboards and alerting. Every record method is nil-safe so
components can run unmetered in tests and minimal deployments.

# Metric groups

  - Run metrics: runs started/finished/paused, run duration, step
    executions and durations, grouped by workflow/kind/status.
  - Dispatch metrics: agent request counts and round-trip latency,
    grouped by target agent and response status.
  - Approval metrics: requests created and decided, grouped by risk
    level and terminal status.
  - Resilience metrics: circuit breaker transitions, retry attempts,
    checkpoint write outcomes and optimistic-lock conflicts.
*/
package metrics
