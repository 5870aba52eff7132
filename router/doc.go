// Package router selects a workflow definition for an incoming task.
//
// Selection runs in stages: an explicit workflow id from the caller wins
// outright; otherwise weighted heuristic rules score the task against
// keywords, branch name, touched files, and context keys; when no rule is
// confident enough an external semantic matcher is consulted, with
// agreement between the two boosting confidence and disagreement resolved
// by a configurable strategy. A configured default workflow, then the
// first catalog entry, serve as last resorts. Routing is pure: it never
// mutates state and never returns a workflow absent from the catalog.
package router
