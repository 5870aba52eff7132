// Package bus provides the inter-agent request/response fabric and the
// lifecycle event broadcast used across the engine.
//
// Two operation modes:
//   - Emit: fire-and-forget broadcast to all subscribers of an event type,
//     non-blocking to the emitter.
//   - RequestAgent: correlated request to exactly one registered agent,
//     resolved by request id, with a synthetic timeout response when the
//     agent does not answer in time.
package bus
