// Package ingest accepts authenticated heartbeat submissions.
//
// Each submission is deduplicated into a 10-second bucket and dual-written
// to the daily history partition and the last-status projection in one
// transaction. Derived monitoring state follows the effective per-device
// settings. Fleet events are published asynchronously and never delay the
// device response.
package ingest
