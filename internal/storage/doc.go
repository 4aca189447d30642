// Package storage provides the shared key-value store every instance
// coordinates through.
//
// The contract is deliberately small: get/set/remove plus change
// notification, with an optional compare-and-swap primitive for drivers that
// can offer one atomically (memory, sqlite, redis).
package storage
