/*
Package types defines the core data structures used throughout Roost.

These are the domain entities persisted by pkg/store and moved between
components: devices and their monitoring settings, heartbeats and the
last-status projection, the dispatch ledger, alert state, enrollment tokens,
and heartbeat partition metadata.

Ownership follows a single-writer discipline per field group:

  - Device rows are created by the registration gate; last_seen and the FCM
    token are mutated by the ingestor; alias and monitoring by the admin API.
  - Heartbeat rows are immutable once written.
  - LastStatus is written only by the ingestor and the reconciliation job.
  - Dispatch rows up to completed_at belong to the dispatcher; completed_at
    and result fields are write-once by the ACK receiver.
  - AlertState belongs to the alert evaluator.
  - Partition metadata belongs to the partition manager.

Wire-format request/response shapes live with the API layer, not here.
*/
package types
