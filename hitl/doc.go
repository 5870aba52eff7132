// Package hitl implements the human-in-the-loop approval lifecycle for
// risk-gated workflow steps.
//
// A request is created when a gated step's operation assesses above low
// risk, moves exactly once from pending to approved, rejected, or expired,
// and is immutable afterwards. Approval is role-gated per risk level;
// rejection is open to any authenticated role. A periodic sweep expires
// pending requests past their per-level deadline; the engine treats expiry
// like a rejection.
package hitl
