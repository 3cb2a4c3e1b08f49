// Package events provides the fleet event queue and journal.
//
// Producers publish from hot paths (heartbeat ingest, dispatch, alert
// evaluation) and must never block, so the queue is bounded and sheds on
// overflow. A single drainer appends every delivered event to a bbolt
// journal and fans out to in-process subscribers best-effort.
package events
