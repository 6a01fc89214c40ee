// Package roomsync is a reactive state synchronization substrate for
// real-time multi-client backends. A server holds one authoritative tree of
// state per room. Clients receive filtered, incremental views of that tree
// and request mutations through structured actions.
//
// The package is built from four pieces:
//
//   - the state model: a tree of Node records where every field declares a
//     sync policy controlling per-recipient visibility
//   - the snapshot extractor: derives a filtered, path-keyed view of the
//     tree for one recipient (or for the broadcast-visible subset)
//   - the diff engine: computes minimal per-recipient patch sets between
//     snapshot generations, with caching and dirty-path scoping
//   - the room mutation boundary: a per-room serialized execution context
//     that owns the tree and is the only place it is ever mutated
//
// Logging convention for this package:
// Info:
//     infrequent lifecycle events (room created, destroyed, drained)
// Error:
//     internal invariant violations (filter changed a field type,
//     mismatched snapshot generations) and suppressed handler panics
// V(1):
//     room lifecycle detail - joins, leaves, state transitions
// V(2):
//     per-cycle sync detail - patch counts, cache hits, evictions
package roomsync
