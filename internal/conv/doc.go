// Package conv provides safe integer type conversion utilities.
//
// These functions perform bounds checking to prevent integer overflow/underflow
// when converting between signed/unsigned and different bit-width integer types.
//
// Use cases:
//   - Validating untrusted values such as Block IDs received from another process
//   - Converting between Go's int (platform-dependent) and fixed-width header fields
//
// For conversions that are provably safe by domain constraints (e.g., granule
// counts bounded by the arena capacity), use direct type casts instead.
package conv
