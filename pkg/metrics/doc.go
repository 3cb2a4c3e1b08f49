/*
Package metrics provides Prometheus metrics for Roost.

All collectors are package-level variables registered once in init() and
exposed through Handler() on the admin-only /metrics endpoint. Components
record into them directly; there is no metrics registry plumbing through the
call graph.

Conventions:

  - Counters end in _total and carry low-cardinality labels only (action,
    condition, outcome). Device IDs never appear as label values.
  - Durations are histograms in seconds with default buckets.
  - Saturation is visible as gauges (registrations in flight vs capacity K,
    event queue depth vs its bound).

The Timer helper wraps start-time capture and histogram observation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
*/
package metrics
