// Package reconcile repairs the last-status projection when it drifts
// behind the authoritative heartbeat history.
package reconcile
