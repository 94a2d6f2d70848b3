package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg))

	m.LoginStarted()
	m.LoginStarted()
	m.Callback("ok")
	m.Callback("state_mismatch")
	m.GuardDecision(DecisionRedirect)
	m.Refresh(true)
	m.Refresh(false)
	m.ObserveDiscovery(50*time.Millisecond, nil)
	m.ObserveDiscovery(time.Second, errors.New("down"))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	values := map[string]float64{}
	for _, f := range families {
		names[f.GetName()] = true
		for _, mt := range f.GetMetric() {
			key := f.GetName()
			for _, l := range mt.GetLabel() {
				key += "/" + l.GetValue()
			}
			if c := mt.GetCounter(); c != nil {
				values[key] = c.GetValue()
			}
			if h := mt.GetHistogram(); h != nil {
				values[key] = float64(h.GetSampleCount())
			}
		}
	}

	require.Equal(t, 2.0, values["authgate_logins_started_total"])
	require.Equal(t, 1.0, values["authgate_callbacks_total/ok"])
	require.Equal(t, 1.0, values["authgate_callbacks_total/state_mismatch"])
	require.Equal(t, 1.0, values["authgate_guard_decisions_total/redirect"])
	require.Equal(t, 1.0, values["authgate_refresh_total/ok"])
	require.Equal(t, 1.0, values["authgate_refresh_total/failed"])
	require.Equal(t, 1.0, values["authgate_discovery_duration_seconds/error"])
	for _, want := range []string{
		"authgate_logins_started_total",
		"authgate_callbacks_total",
		"authgate_guard_decisions_total",
		"authgate_refresh_total",
		"authgate_discovery_duration_seconds",
	} {
		require.True(t, names[want], "missing %s", want)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.LoginStarted()
		m.Callback("ok")
		m.GuardDecision(DecisionAllow)
		m.Refresh(true)
		m.ObserveDiscovery(time.Second, nil)
	})
}

func TestMetrics_Namespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("hm"), WithSubsystem("auth"), WithConstLabels(prometheus.Labels{"env": "test"}))
	m.LoginStarted()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "hm_auth_logins_started_total", families[0].GetName())
}
