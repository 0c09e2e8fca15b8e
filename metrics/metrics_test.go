package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(SyncPushes.WithLabelValues("ok"))
	SyncPushes.WithLabelValues("ok").Inc()
	if got := testutil.ToFloat64(SyncPushes.WithLabelValues("ok")); got != before+1 {
		t.Errorf("SyncPushes(ok) = %v, want %v", got, before+1)
	}
}

func TestObserveProjection(t *testing.T) {
	ObserveProjection(time.Now().Add(-10 * time.Millisecond))
	if n := testutil.CollectAndCount(ProjectionDuration); n != 1 {
		t.Errorf("CollectAndCount = %d, want 1", n)
	}
}
