package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewEngineMetrics("test", reg)
	require.NoError(t, err)

	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.Compiled()
	m.CallFinished("handle", "ok", 1234)
	m.CallFinished("handle", "gas_exhausted", 0)
	m.SlotAcquired()

	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
	require.Equal(t, 2.0, testutil.ToFloat64(m.cacheMisses))
	require.Equal(t, 1.0, testutil.ToFloat64(m.compiles))
	require.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("handle", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.busySlots))

	// Registering twice on the same registry fails.
	_, err = NewEngineMetrics("test", reg)
	require.Error(t, err)
}

func TestNilEngineMetrics(t *testing.T) {
	var m *EngineMetrics
	require.NotPanics(t, func() {
		m.CacheHit()
		m.CallFinished("query", "ok", 1)
		m.SlotAcquired()
		m.SlotReleased()
		m.ObserveCommit(0.1)
	})
}

func TestMetricsServerWithoutAddr(t *testing.T) {
	srv, err := New("test", "")
	require.NoError(t, err)
	require.NotNil(t, srv.Engine)
	require.NoError(t, srv.ListenAndServe())
	require.NoError(t, srv.Shutdown(t.Context()))
}
