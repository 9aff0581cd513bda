package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecorders(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.MessagesTotal.WithLabelValues("imported"))
	m.RecordMessage("imported")
	assert.Equal(t, before+1, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("imported")))

	before = testutil.ToFloat64(m.EnhancerCalls.WithLabelValues("failed"))
	m.RecordEnhancer(false)
	assert.Equal(t, before+1, testutil.ToFloat64(m.EnhancerCalls.WithLabelValues("failed")))

	before = testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("approve_compliance", "fallback"))
	m.RecordDecision("approve_compliance", "fallback")
	assert.Equal(t, before+1, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("approve_compliance", "fallback")))

	before = testutil.ToFloat64(m.GuardRejections.WithLabelValues("rate_limit"))
	m.RecordGuardRejection("rate_limit")
	assert.Equal(t, before+1, testutil.ToFloat64(m.GuardRejections.WithLabelValues("rate_limit")))
}
