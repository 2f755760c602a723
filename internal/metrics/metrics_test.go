package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersEveryMetricWithoutCollision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.ConnectionsOpen.Set(3)
	m.ConnectionsClosed.WithLabelValues("1000").Inc()
	m.EnvelopeErrors.WithLabelValues("4000").Inc()
	m.SubscriptionsByTopic.WithLabelValues("market-data").Set(12)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
