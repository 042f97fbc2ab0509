package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDecrement("optimistic", "ok", 3*time.Millisecond)
	m.ObserveDecrement("optimistic", "ok", time.Millisecond)
	m.ObserveDecrement("optimistic", "conflict", time.Millisecond)
	m.IncRetry("optimistic")
	m.ObserveLockWait("spin", 2*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decrements.WithLabelValues("optimistic", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decrements.WithLabelValues("optimistic", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("optimistic")))

	count, err := testutil.GatherAndCount(reg, "stock_lock_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecrement("mutex", "ok", time.Millisecond)
		m.IncRetry("mutex")
		m.ObserveLockWait("mutex", time.Millisecond)
	})
}

func TestMetrics_UnregisteredInstruments(t *testing.T) {
	m := New(nil)
	m.IncRetry("named")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("named")))
}
