package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLabels_toPrometheusLabels(t *testing.T) {
	tests := []struct {
		name     string
		labels   Labels
		expected prometheus.Labels
	}{
		{
			name:     "empty labels",
			labels:   Labels{},
			expected: prometheus.Labels{},
		},
		{
			name: "all labels set",
			labels: Labels{
				Service:       "links",
				Transport:     "amqp",
				Environment:   "production",
				Region:        "us-east-1",
				CloudProvider: "aws",
			},
			expected: prometheus.Labels{
				"service":        "links",
				"transport":      "amqp",
				"environment":    "production",
				"region":         "us-east-1",
				"cloud_provider": "aws",
			},
		},
		{
			name: "partial labels",
			labels: Labels{
				Transport:   "kafka",
				Environment: "staging",
			},
			expected: prometheus.Labels{
				"transport":   "kafka",
				"environment": "staging",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.labels.toPrometheusLabels()
			require.Equal(t, tt.expected, result)
		})
	}
}

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := New(reg)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordPush(OutcomeSent)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, metricFamilies)
}

func TestNewWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewWithLabels(reg, Labels{Transport: "amqp", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.SetBuffered(3)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() != "relay_publisher_buffered_messages" {
			continue
		}
		found = true
		require.NotEmpty(t, mf.GetMetric())
		labelMap := make(map[string]string)
		for _, label := range mf.GetMetric()[0].GetLabel() {
			labelMap[label.GetName()] = label.GetValue()
		}
		require.Equal(t, "amqp", labelMap["transport"])
		require.Equal(t, "test", labelMap["environment"])
	}
	require.True(t, found, "buffered gauge should be gathered")
}

func TestNew_RegistrationError(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := New(reg)
	require.NoError(t, err)

	// Second registration should fail (duplicate metrics)
	m, err := New(reg)
	require.Nil(t, m, "expected nil metrics on duplicate registration")

	var alreadyRegistered prometheus.AlreadyRegisteredError
	require.ErrorAs(t, err, &alreadyRegistered)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.RecordPush(OutcomeBuffered)
		m.RecordResend(OutcomeRejected)
		m.SetBuffered(10)
		m.ObserveFlush(0.01)
		m.AddDiscarded(2)
		m.SetConnected(false)
		m.IncConnectionError()
		m.IncConnectionClose()
	})
}

func TestMetrics_PushAndResendOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordPush(OutcomeSent)
	m.RecordPush(OutcomeSent)
	m.RecordPush(OutcomeBuffered)
	m.RecordResend(OutcomeSent)
	m.RecordResend(OutcomeRejected)

	require.Equal(t, float64(2), testutil.ToFloat64(m.pushes.WithLabelValues(OutcomeSent)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.pushes.WithLabelValues(OutcomeBuffered)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.resends.WithLabelValues(OutcomeSent)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.resends.WithLabelValues(OutcomeRejected)))
}

func TestMetrics_FlushAndBuffered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetBuffered(5)
	require.Equal(t, float64(5), testutil.ToFloat64(m.buffered))

	m.ObserveFlush(0.002)
	m.ObserveFlush(0.004)
	require.Equal(t, float64(2), testutil.ToFloat64(m.flushCycles))

	m.AddDiscarded(0)
	m.AddDiscarded(4)
	require.Equal(t, float64(4), testutil.ToFloat64(m.discarded))
}

func TestMetrics_Connection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetConnected(true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.connected))

	m.IncConnectionError()
	m.IncConnectionClose()
	m.SetConnected(false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.connected))
	require.Equal(t, float64(1), testutil.ToFloat64(m.connectionErrors))
	require.Equal(t, float64(1), testutil.ToFloat64(m.connectionCloses))
}
