// Package registry admits new devices under a bounded concurrency gate
// and owns the enrollment token lifecycle.
package registry
