// Package uploadflow provides a reusable library for orchestrating image
// uploads into a bounded set of slots backed by a remote storage endpoint.
//
// It exposes an Orchestrator that owns a per-entity slot list (at most four
// images), a FIFO upload queue drained one entry at a time, and the
// preflight, timeout, cancellation, retry, and reconciliation rules around
// it. The actual network exchange is delegated to a Transport; an HTTP
// implementation is provided under the transport subpackage, derived WebP
// renditions under variant, and an opt-in diagnostics ring buffer under diag.
//
// Freshness Tokens
//
// Every time a slot is assigned a new file it receives a fresh Token. Async
// completions (success or failure) only mutate a slot while its token still
// matches the one the work was queued with; a reassigned or removed slot
// silently discards stale completions. This is the only concurrency contract
// the slot list relies on: last writer wins, gated by token.
package uploadflow
