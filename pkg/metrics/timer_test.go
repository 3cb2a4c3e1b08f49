package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	// Duration is re-readable and keeps growing
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_duration_vec_seconds",
		Help:    "Test duration histogram vec",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	timer.ObserveDuration(h)
	timer.ObserveDurationVec(hv, "ingest")
	assert.Greater(t, timer.Duration(), time.Duration(0))
}
