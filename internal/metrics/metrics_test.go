package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPoolAcquireIncrementsByResult(t *testing.T) {
	r := New()
	r.RecordPoolAcquire(true)
	r.RecordPoolAcquire(false)
	r.RecordPoolAcquire(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.PoolAcquireTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.PoolAcquireTotal.WithLabelValues("miss")))
}

func TestSetPoolSizeUpdatesGauge(t *testing.T) {
	r := New()
	r.SetPoolSize(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(r.PoolSize))
	r.SetPoolSize(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.PoolSize))
}

func TestRecordWatchdogTransitionFlipsStateGauges(t *testing.T) {
	r := New()
	r.RecordWatchdogTransition("loading", "joining")

	assert.Equal(t, float64(1), testutil.ToFloat64(r.WatchdogTransitionTotal.WithLabelValues("loading", "joining")))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.WatchdogState.WithLabelValues("loading")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.WatchdogState.WithLabelValues("joining")))
}

func TestRecordBackendTransitionFlipsStatusGauges(t *testing.T) {
	r := New()
	r.RecordBackendTransition(2, "up", "down")

	assert.Equal(t, float64(1), testutil.ToFloat64(r.BackendTransitionTotal.WithLabelValues("2", "up", "down")))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.BackendStatus.WithLabelValues("2", "up")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.BackendStatus.WithLabelValues("2", "down")))
}

func TestNilRecorderMethodsAreNoops(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RecordPoolAcquire(true)
		r.RecordPoolCreate(nil)
		r.RecordPoolDiscard("evicted")
		r.RecordPoolEviction()
		r.SetPoolSize(1)
		r.SetConnCounter(1)
		r.RecordWatchdogTransition("a", "b")
		r.RecordFailoverDecision("proceed")
		r.SetFailoverPending(1)
		r.RecordBackendTransition(0, "up", "down")
	})
}
