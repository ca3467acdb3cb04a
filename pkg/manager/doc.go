/*
Package manager orchestrates segment CRUD and the allocation lifecycle.

The manager is the upward-facing API of segmentd. It composes the other
packages into one coherent flow:

	┌─────────────────── MANAGER ───────────────────┐
	│                                                 │
	│  Find / Search ──→ cache ──→ read pool ──→ IPAM │
	│                                                 │
	│  InsertOne:                                     │
	│    validate ──→ resolve references (get-only)   │
	│             ──→ resolve VLAN (get-or-create)    │
	│             ──→ create prefix (write pool)      │
	│             ──→ invalidate + publish event      │
	│                                                 │
	│  Allocate / Release ──→ allocator (per-site     │
	│    critical section) ──→ write pool ──→ IPAM    │
	└─────────────────────────────────────────────────┘

Writes retry transient failures with bounded exponential backoff; anything
typed Validation, NotFound, or Conflict fails fast. Every mutation
invalidates the segment collection, so the next read refetches, and
publishes a lifecycle event on the broker.

VLANs are owned by segments: inserting a segment provisions its VLAN on
demand, and the last segment referencing a VLAN takes it along when deleted
or moved.
*/
package manager
