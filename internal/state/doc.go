// Package state holds the local view of the remote state tree.
//
// # Overview
//
// The remote processor owns the authoritative state. It sends partial
// updates (deltas) keyed by substate name, and Store merges them into the
// local copy:
//
//	delta {"app.counter": {"value": 5}}
//	  → Store.Apply
//	  → substate "app.counter" gains/overwrites field "value"
//	  → observers notified once for "app.counter"
//
// # Merge Semantics
//
// The merge is shallow per substate. Fields named in the delta replace the
// stored values wholesale; fields not named are kept. Substates never seen
// before are created on first update. Applying the same delta twice leaves
// the state unchanged.
//
// # Concurrency Model
//
// Store uses a readers-writer lock. Apply takes the write lock, Snapshot and
// Get take the read lock. Observers run after the lock is released, in the
// goroutine that called Apply, so an observer may read the store freely.
//
// # Copies
//
// Snapshot returns deep copies of nested maps and slices. Callers can mutate
// what they get back without affecting the stored state.
package state
