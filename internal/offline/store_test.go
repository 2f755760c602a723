package offline

import (
	"testing"
	"time"

	"github.com/degenduel/gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_AppliesDefaultsWhenUnconfigured(t *testing.T) {
	s := New(nil, 0, 0, zerolog.Nop())
	assert.Equal(t, 7*24*time.Hour, s.retention)
	assert.Equal(t, 500, s.maxPerPrincipal)
}

func TestNew_KeepsExplicitConfiguration(t *testing.T) {
	s := New(nil, time.Hour, 10, zerolog.Nop())
	assert.Equal(t, time.Hour, s.retention)
	assert.Equal(t, 10, s.maxPerPrincipal)
}

func TestSetMetrics_WiresTheStoredReplayedCounters(t *testing.T) {
	s := New(nil, 0, 0, zerolog.Nop())
	assert.Nil(t, s.metrics)

	m := metrics.New(prometheus.NewRegistry())
	s.SetMetrics(m)
	assert.Same(t, m, s.metrics)
}
