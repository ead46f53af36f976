// Package health provides composable probes for the ops liveness and
// readiness endpoints.
//
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static).
// [LoopLiveness] fails when the owner loop stops ticking, and [ShutdownGate]
// fails readiness while the process drains.
package health
