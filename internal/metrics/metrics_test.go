package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry so
// tests don't conflict with each other or with the global default.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestSetBackendUp(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetBackendUp("10.0.0.1:3306", "rw", true)
	if v := getGaugeValue(c.backendUp.WithLabelValues("10.0.0.1:3306", "rw")); v != 1 {
		t.Errorf("expected up=1, got %v", v)
	}

	c.SetBackendUp("10.0.0.1:3306", "rw", false)
	if v := getGaugeValue(c.backendUp.WithLabelValues("10.0.0.1:3306", "rw")); v != 0 {
		t.Errorf("expected up=0 after flip, got %v", v)
	}
}

func TestSetConnectedClients(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetConnectedClients("10.0.0.1:3306", 7)
	if v := getGaugeValue(c.connectedClients.WithLabelValues("10.0.0.1:3306")); v != 7 {
		t.Errorf("expected connected_clients=7, got %v", v)
	}

	// A second call replaces, not increments, the value.
	c.SetConnectedClients("10.0.0.1:3306", 3)
	if v := getGaugeValue(c.connectedClients.WithLabelValues("10.0.0.1:3306")); v != 3 {
		t.Errorf("expected connected_clients=3 after update, got %v", v)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("10.0.0.1:3306", 5, 10, 2)

	if v := getGaugeValue(c.poolIdle.WithLabelValues("10.0.0.1:3306")); v != 5 {
		t.Errorf("expected idle=5, got %v", v)
	}
	if v := getGaugeValue(c.poolActive.WithLabelValues("10.0.0.1:3306")); v != 10 {
		t.Errorf("expected active=10, got %v", v)
	}
	if v := getGaugeValue(c.poolWaiting.WithLabelValues("10.0.0.1:3306")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("10.0.0.1:3306")
	c.PoolExhausted("10.0.0.1:3306")
	c.PoolExhausted("10.0.0.1:3306")

	val := getCounterValue(c.poolExhausted.WithLabelValues("10.0.0.1:3306"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestQueryDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryDuration("10.0.0.1:3306", "proxy", 100*time.Millisecond)
	c.QueryDuration("10.0.0.1:3306", "proxy", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "sqlmediator_query_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
			if m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("query duration metric not found")
	}
}

func TestHealthCheckCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.HealthCheckCompleted("10.0.0.1:3306", 5*time.Millisecond, true)
	c.HealthCheckCompleted("10.0.0.1:3306", 10*time.Millisecond, false)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "sqlmediator_health_check_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("health check duration metric not found")
	}
}

func TestHealthCheckError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.HealthCheckError("10.0.0.1:3306", "timeout")
	c.HealthCheckError("10.0.0.1:3306", "timeout")

	val := getCounterValue(c.healthCheckErrors.WithLabelValues("10.0.0.1:3306", "timeout"))
	if val != 2 {
		t.Errorf("expected health check errors=2, got %v", val)
	}
}

func TestConnectionAccepted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ConnectionAccepted("proxy")
	c.ConnectionAccepted("proxy")
	c.ConnectionAccepted("master")

	if v := getCounterValue(c.connectionsTotal.WithLabelValues("proxy")); v != 2 {
		t.Errorf("expected proxy connections=2, got %v", v)
	}
	if v := getCounterValue(c.connectionsTotal.WithLabelValues("master")); v != 1 {
		t.Errorf("expected master connections=1, got %v", v)
	}
}

func TestAuthFailure(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AuthFailure("bad_scramble")
	c.AuthFailure("bad_scramble")
	c.AuthFailure("master_rejected")

	if v := getCounterValue(c.authFailures.WithLabelValues("bad_scramble")); v != 2 {
		t.Errorf("expected bad_scramble failures=2, got %v", v)
	}
	if v := getCounterValue(c.authFailures.WithLabelValues("master_rejected")); v != 1 {
		t.Errorf("expected master_rejected failures=1, got %v", v)
	}
}

func TestInjection(t *testing.T) {
	c, _ := newTestCollector(t)

	c.Injection("suppress")
	c.Injection("forward")
	c.Injection("suppress")

	if v := getCounterValue(c.injectionsTotal.WithLabelValues("suppress")); v != 2 {
		t.Errorf("expected suppress=2, got %v", v)
	}
	if v := getCounterValue(c.injectionsTotal.WithLabelValues("forward")); v != 1 {
		t.Errorf("expected forward=1, got %v", v)
	}
}

func TestRemoveBackend(t *testing.T) {
	c, reg := newTestCollector(t)

	c.SetBackendUp("10.0.0.1:3306", "rw", true)
	c.SetConnectedClients("10.0.0.1:3306", 4)
	c.PoolExhausted("10.0.0.1:3306")

	c.RemoveBackend("10.0.0.1:3306")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "backend" && l.GetValue() == "10.0.0.1:3306" {
					t.Errorf("metric %s still has backend label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleBackends(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetConnectedClients("10.0.0.1:3306", 1)
	c.SetConnectedClients("10.0.0.2:3306", 2)

	v1 := getGaugeValue(c.connectedClients.WithLabelValues("10.0.0.1:3306"))
	v2 := getGaugeValue(c.connectedClients.WithLabelValues("10.0.0.2:3306"))

	if v1 != 1 {
		t.Errorf("expected backend 1 connected_clients=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected backend 2 connected_clients=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times must not panic: each builds its own
	// registry instead of registering into the process-global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.SetConnectedClients("10.0.0.1:3306", 1)
	c2.SetConnectedClients("10.0.0.1:3306", 2)

	v1 := getGaugeValue(c1.connectedClients.WithLabelValues("10.0.0.1:3306"))
	v2 := getGaugeValue(c2.connectedClients.WithLabelValues("10.0.0.1:3306"))

	if v1 != 1 {
		t.Errorf("c1 expected connected_clients=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected connected_clients=2, got %v", v2)
	}
}
