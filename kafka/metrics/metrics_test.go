package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ridge/kclient/kafka/api"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Delivered(3)
	m.Failed(1)
	m.Committed(nil)
	m.Committed(errors.New("boom"))
	m.Committed(nil)
	m.Phase(api.Stable)

	require.Equal(t, 3.0, testutil.ToFloat64(m.RecordsProduced))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RecordsFailed))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Commits.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("error")))
	require.Equal(t, float64(api.Stable), testutil.ToFloat64(m.GroupPhase))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Delivered(1)
		m.Committed(nil)
		m.Phase(api.Fenced)
		m.ConnectionLost()
	})
}
