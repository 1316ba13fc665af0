package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/nulpointcorp/aicentral-gateway/internal/telemetry"
)

func TestRegistry_HistogramRegistersLazily(t *testing.T) {
	r := New()
	r.Histogram("request_duration_seconds", telemetry.Tags{Pipeline: "primary"}, 0.25)

	mf, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	if !hasMetric(mf, "gateway_request_duration_seconds") {
		t.Error("expected histogram metric to be registered after first observation")
	}
}

func TestRegistry_GaugeEmitsPerHostFallback(t *testing.T) {
	r := New()
	r.Gauge("latency_ms", telemetry.Tags{Endpoint: "East-1", Model: "gpt-4o"}, 42)

	mf, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	if !hasMetric(mf, "downstream_east_1_gpt_4o_latency_ms") {
		t.Error("expected a per-host gauge fallback metric")
	}
}

func TestRegistry_UpDownCounterAccumulates(t *testing.T) {
	r := New()
	r.UpDownCounter("inflight_requests", telemetry.Tags{Pipeline: "primary"}, 1)
	r.UpDownCounter("inflight_requests", telemetry.Tags{Pipeline: "primary"}, 1)
	r.UpDownCounter("inflight_requests", telemetry.Tags{Pipeline: "primary"}, -1)

	mf, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range mf {
		if f.GetName() != "gateway_inflight_requests" {
			continue
		}
		for _, m := range f.GetMetric() {
			if m.GetGauge().GetValue() != 1 {
				t.Errorf("expected accumulated value 1, got %v", m.GetGauge().GetValue())
			}
			found = true
		}
	}
	if !found {
		t.Fatal("expected inflight_requests metric to be present")
	}
}

func hasMetric(mf []*dto.MetricFamily, name string) bool {
	for _, f := range mf {
		if f.GetName() == name {
			return true
		}
	}
	return false
}
