// Package archive renders retired heartbeat partitions as canonical CSV
// and stores them in a local directory or an S3-compatible bucket.
//
// The CSV column order is fixed and the SHA-256 checksum covers the exact
// bytes stored, so an archived file can be verified end to end. Object
// keys are derived from the partition name, which makes archive retries
// idempotent.
package archive
