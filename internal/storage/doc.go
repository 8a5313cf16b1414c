// Package storage provides a minimal persistence layer used by the gateway.
//
// It currently supports:
//   - Delivery log appends (outbound send outcomes)
//   - Optional dedup state (to survive restarts)
package storage
