// Package partition owns the daily heartbeat partition lifecycle.
//
// A nightly pass creates tables two weeks ahead, archives partitions past
// retention to the configured backend, drops only what has a verified
// archive, and refreshes statistics on recent days. The pass runs under a
// cross-process advisory lock; a contended run is skipped, never queued.
package partition
