package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOutcomes(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	o, err := NewOutcomes(reg)
	if err != nil {
		t.Fatalf("NewOutcomes: %v", err)
	}

	o.Observe("success")
	o.Observe("success")
	o.Observe("cache_miss")
	o.AddBytes(42)
	o.AddBytes(-1)

	if got := o.Count("success"); got != 2 {
		t.Errorf("Expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(o.total.WithLabelValues("cache_miss")); got != 1 {
		t.Errorf("Expected 1 cache miss, got %v", got)
	}
	if got := testutil.ToFloat64(o.bytes); got != 42 {
		t.Errorf("Expected 42 bytes, got %v", got)
	}

	if _, err := NewOutcomes(reg); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}

func TestNilOutcomes(t *testing.T) {
	var o *Outcomes
	o.Observe("success")
	o.AddBytes(1)
	if got := o.Count("success"); got != 0 {
		t.Errorf("Expected 0 from nil Outcomes, got %v", got)
	}
}
