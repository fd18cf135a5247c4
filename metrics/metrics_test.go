package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCompactionTasksByOutcome(t *testing.T) {
	before := testutil.ToFloat64(CompactionTasks.WithLabelValues("compacted"))
	CompactionTasks.WithLabelValues("compacted").Inc()
	if got := testutil.ToFloat64(CompactionTasks.WithLabelValues("compacted")); got != before+1 {
		t.Errorf("compacted = %v, want %v", got, before+1)
	}
}

func TestActiveConnectionsGauge(t *testing.T) {
	ActiveConnections.Set(0)
	ActiveConnections.Inc()
	ActiveConnections.Inc()
	ActiveConnections.Dec()
	if got := testutil.ToFloat64(ActiveConnections); got != 1 {
		t.Errorf("ActiveConnections = %v, want 1", got)
	}
}
