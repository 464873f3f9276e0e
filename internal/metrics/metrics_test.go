package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Attempt(10 * time.Millisecond)
	m.Attempt(20 * time.Millisecond)
	m.Conflict()
	m.Finished(OutcomeSuccess)
	m.Finished(OutcomeExhausted)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.attempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.conflicts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.exhausted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mutations.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mutations.WithLabelValues(OutcomeExhausted)))
}

func TestMetrics_RegistryGathers(t *testing.T) {
	m := New()
	m.Finished(OutcomeFunctionError)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["udf_occ_attempts_total"])
	assert.True(t, names["udf_mutations_total"])
	assert.True(t, names["udf_attempt_duration_seconds"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Attempt(time.Second)
	m.Conflict()
	m.Finished(OutcomeFailed)
	assert.NotNil(t, m.Registry())
}
