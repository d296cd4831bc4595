package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Callback("mobile_push", "matched")
	m.Callback("mobile_push", "matched")
	m.LateConfirmation("mobile_pull")
	m.DeadLetter()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Callbacks.WithLabelValues("mobile_push", "matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LateConfirmations.WithLabelValues("mobile_pull")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters))
	assert.Equal(t, 3, testutil.CollectAndCount(m.Callbacks)+testutil.CollectAndCount(m.LateConfirmations)+testutil.CollectAndCount(m.DeadLetters))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Callback("p", "o")
		m.Transition("p", "a", "b", "s")
		m.Conflict("p", "a", "b")
		m.Allocation("ok")
		m.DeadLetter()
		m.Parked("p")
		m.LateConfirmation("p")
		m.Sweep("ok")
	})
}
