package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func read(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}

func TestRecordBlock(t *testing.T) {
	before := read(t, blockExecutions.WithLabelValues("review", "remote", "failure"))
	RecordBlock("review", "remote", false, 2*time.Second)
	after := read(t, blockExecutions.WithLabelValues("review", "remote", "failure"))
	if after-before != 1 {
		t.Errorf("failure counter delta = %v, want 1", after-before)
	}
}

func TestSetHealthState(t *testing.T) {
	all := []string{"HEALTHY", "DEGRADED", "UNAVAILABLE"}
	SetHealthState("DEGRADED", all)

	if v := read(t, cliHealthState.WithLabelValues("DEGRADED")); v != 1 {
		t.Errorf("DEGRADED gauge = %v, want 1", v)
	}
	if v := read(t, cliHealthState.WithLabelValues("HEALTHY")); v != 0 {
		t.Errorf("HEALTHY gauge = %v, want 0", v)
	}
}

func TestRecordDecisionAndTick(t *testing.T) {
	before := read(t, decisions.WithLabelValues("start_task", "approved"))
	RecordDecision("start_task", "approved")
	if d := read(t, decisions.WithLabelValues("start_task", "approved")) - before; d != 1 {
		t.Errorf("decision delta = %v", d)
	}

	before = read(t, schedulerTicks.WithLabelValues("dispatch"))
	RecordTick("dispatch")
	if d := read(t, schedulerTicks.WithLabelValues("dispatch")) - before; d != 1 {
		t.Errorf("tick delta = %v", d)
	}
}
