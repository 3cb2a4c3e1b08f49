/*
Package store provides durable persistence for Roost backed by SQLite.

The store owns row storage for all entities: devices, heartbeat history,
the last-status projection, the dispatch ledger, alert state, enrollment
tokens, and partition metadata. All mutating operations run inside explicit
transactions; no partial write is externally observable.

# Layout

	┌─────────────────────── STORE ────────────────────────┐
	│                                                       │
	│  devices               one row per enrolled device    │
	│  device_last_status    fast-read projection           │
	│  heartbeats_YYYYMMDD   daily partition tables         │
	│  heartbeat_partitions  partition lifecycle metadata   │
	│  fcm_dispatches        command dispatch ledger        │
	│  execs                 fan-out parent records         │
	│  alert_states          (device, condition) alerting   │
	│  enrollment_tokens     scoped registration tokens     │
	│  advisory_locks        cross-process job coordination │
	│                                                       │
	└───────────────────────────────────────────────────────┘

# Partition routing

SQLite has no declarative partitioning, so heartbeat history is laid out as
one table per UTC day behind a thin router. Reads resolve the query window
against the metadata table and touch only the day tables the window
intersects; a one-day query touches exactly one table.

# Concurrency

The database runs in WAL mode with a busy timeout. Writers serialize at the
SQLite level; the single-statement dedup insert and the conditional
last-status upsert are therefore atomic against concurrent submissions.
Advisory locks are rows claimed by a single conditional upsert with an
expiry, giving try-acquire semantics that survive process crashes.

# Errors

Point lookups return ErrNotFound; uniqueness violations ErrConflict; revoked
device secrets ErrRevoked; contended advisory locks ErrLockHeld. Callers map
these to their HTTP equivalents at the API boundary.
*/
package store
