package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestPrometheus_Counter(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	labels := map[string]string{"database": "shop"}
	p.IncCounter("changesets_applied_total", labels, 1)
	p.IncCounter("changesets_applied_total", labels, 2)

	if got := gather(t, reg)["schemaver_changesets_applied_total"]; got != 3 {
		t.Fatalf("counter = %v, want 3", got)
	}
}

func TestPrometheus_GaugeAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.SetGauge("pending_changesets", map[string]string{"database": "shop"}, 4)
	p.ObserveHistogram("migrate_duration_seconds", map[string]string{"database": "shop"}, 0.25)
	p.ObserveHistogram("migrate_duration_seconds", map[string]string{"database": "shop"}, 0.5)

	got := gather(t, reg)
	if got["schemaver_pending_changesets"] != 4 {
		t.Fatalf("gauge = %v", got["schemaver_pending_changesets"])
	}
	if got["schemaver_migrate_duration_seconds"] != 2 {
		t.Fatalf("histogram samples = %v", got["schemaver_migrate_duration_seconds"])
	}
}

func TestNop(t *testing.T) {
	var c Collector = Nop{}
	c.IncCounter("x", nil, 1)
	c.SetGauge("x", nil, 1)
	c.ObserveHistogram("x", nil, 1)
}
