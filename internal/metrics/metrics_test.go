package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	BestSpaceLookups.WithLabelValues("hit").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(BestSpaceLookups.WithLabelValues("hit")))

	ClassReprEvictions.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(ClassReprEvictions))

	ForceOps.WithLabelValues("insert").Inc()
	ForceOps.WithLabelValues("insert").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(ForceOps.WithLabelValues("insert")))

	ReplicaApplyPartialFailures.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(ReplicaApplyPartialFailures))
}

func TestRegistryGathers(t *testing.T) {
	mfs, err := Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, mfs)
}
