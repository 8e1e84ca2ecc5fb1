package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/fastgateway/edgereactor/core/pool"
	"github.com/fastgateway/edgereactor/core/worker"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
	if m.Registry() != reg {
		t.Fatal("Registry() should return the registry passed to New")
	}
}

func TestObserveWorker_TranslatesCumulativeCountersToDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	ctx := &worker.Context{}

	for i := 0; i < 10; i++ {
		ctx.IncRequestsProcessed()
	}
	ctx.IncActiveConnections()
	m.ObserveWorker(ctx)
	if got := counterValue(t, m.requestsProcessed); got != 10 {
		t.Fatalf("requestsProcessed = %v, want 10", got)
	}

	for i := 0; i < 5; i++ {
		ctx.IncRequestsProcessed()
	}
	m.ObserveWorker(ctx)
	if got := counterValue(t, m.requestsProcessed); got != 15 {
		t.Fatalf("requestsProcessed after 2nd observe = %v, want 15 (cumulative)", got)
	}

	if got := gaugeValue(t, m.activeConnections); got != 1 {
		t.Fatalf("activeConnections = %v, want 1 (gauge, not delta)", got)
	}
}

func TestObservePool_SetsGaugesAndAccumulatesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePool(pool.Stats{Active: 5, Idle: 2, Created: 7, Closed: 1, Reused: 3})
	if got := gaugeValue(t, m.poolActive); got != 5 {
		t.Fatalf("poolActive = %v, want 5", got)
	}
	if got := counterValue(t, m.poolCreated); got != 7 {
		t.Fatalf("poolCreated = %v, want 7", got)
	}

	m.ObservePool(pool.Stats{Active: 3, Idle: 4, Created: 9, Closed: 2, Reused: 3})
	if got := counterValue(t, m.poolCreated); got != 9 {
		t.Fatalf("poolCreated after 2nd observe = %v, want 9 (cumulative)", got)
	}
	if got := gaugeValue(t, m.poolIdle); got != 4 {
		t.Fatalf("poolIdle = %v, want 4", got)
	}
}

func TestDelta_ClampsCounterResetToZero(t *testing.T) {
	var last uint64 = 100
	if got := delta(&last, 40); got != 0 {
		t.Fatalf("delta after reset = %v, want 0", got)
	}
	if last != 40 {
		t.Fatalf("last = %d, want 40 (still advances to the new baseline)", last)
	}
}
