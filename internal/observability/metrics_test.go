package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("connector", reg)

	m.CaptureQueueSize.Set(3)
	m.CaptureOutcomes.WithLabelValues(OutcomeCaptured).Inc()
	m.EventsPublished.WithLabelValues("PAYMENT_CREATED").Inc()
	m.EventsDerivationFailed.WithLabelValues("refund").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["connector_capture_queue_size"])
	assert.True(t, names["connector_capture_outcomes_total"])
	assert.True(t, names["connector_events_published_total"])
	assert.True(t, names["connector_events_derivation_failed_total"])

	assert.Equal(t, float64(3), testutil.ToFloat64(m.CaptureQueueSize))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CaptureOutcomes.WithLabelValues(OutcomeCaptured)))
}

func TestNewMetrics_SeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("connector", prometheus.NewRegistry())
		NewMetrics("connector", prometheus.NewRegistry())
	})
}
