// Package gateway implements the outbound delivery core of the chat gateway:
// per-destination sliding-window rate limiting, a bounded-concurrency send
// queue with classified retry and backoff, inbound event deduplication, and
// the orchestrating Gateway front door.
//
// # Delivery semantics
//
// Delivery is at-most-retry, not exactly-once. A send that times out is
// retried as a transient failure; if the original call eventually lands on
// the provider side, the retry produces a duplicate message. Callers that
// need stronger guarantees must deduplicate on the receiving end.
//
// # Ordering
//
// Sends to the same destination are issued in enqueue order, strictly one at
// a time regardless of the worker pool size. A retried send
// re-enters at the front of the queue so it is not starved behind newer
// arrivals. No ordering is guaranteed across different destinations.
package gateway
