// Package definition models declarative workflow definitions: an ordered
// list of steps (agent calls, conditionals, approval gates) with explicit
// dependencies, loaded from YAML or JSON and validated fail-fast at load
// time. The Catalog serves definitions from a source through a TTL cache.
package definition
