// Package ratelimit provides non-blocking admission control.
//
// [TokenBucket] is a single bucket for one named resource: it refills
// continuously from a monotonic clock and answers TryAcquire without ever
// waiting. [Keyed] keeps one bucket per subject (a player, a channel, a
// command) and evicts idle subjects in the background.
//
// Both are in-memory and process-local. Nothing is shared between processes
// or persisted across restarts.
package ratelimit
