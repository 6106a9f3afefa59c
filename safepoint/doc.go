// Package safepoint builds and reads the safepoint tables emitted after a
// compiled function's instructions.
//
// This package contains:
//   - Builder, which records safepoints during code generation and emits
//     the deduplicated, trimmed table
//   - Table, which decodes a table in place and finds the entry for a pc,
//     resolving deoptimization trampolines first
//   - Entry, the per-safepoint view of tagged stack slots and registers
//   - CBOR snapshots of decoded tables for external tools
package safepoint
