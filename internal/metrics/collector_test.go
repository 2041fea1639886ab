package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/pico-continuousd/pico-continuousd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.SessionStarts == nil {
		t.Error("SessionStarts is nil")
	}
	if c.AuthResults == nil {
		t.Error("AuthResults is nil")
	}
	if c.TransportErrors == nil {
		t.Error("TransportErrors is nil")
	}
	if c.Locks == nil {
		t.Error("Locks is nil")
	}
	if c.RegistryFull == nil {
		t.Error("RegistryFull is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RegisterSession("rvp")
	if val := gaugeValue(t, c.Sessions, "rvp"); val != 1 {
		t.Errorf("after RegisterSession: sessions gauge = %v, want 1", val)
	}

	c.RegisterSession("stream")
	if val := gaugeValue(t, c.Sessions, "stream"); val != 1 {
		t.Errorf("after second RegisterSession: stream gauge = %v, want 1", val)
	}

	c.UnregisterSession("rvp")
	if val := gaugeValue(t, c.Sessions, "rvp"); val != 0 {
		t.Errorf("after UnregisterSession: rvp gauge = %v, want 0", val)
	}
	if val := gaugeValue(t, c.Sessions, "stream"); val != 1 {
		t.Errorf("stream gauge = %v, want 1 (should be unaffected)", val)
	}
}

func TestAuthResults(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordAuthResult("success")
	c.RecordAuthResult("success")
	c.RecordAuthResult("failure")

	if val := counterValue(t, c.AuthResults, "success"); val != 2 {
		t.Errorf("success count = %v, want 2", val)
	}
	if val := counterValue(t, c.AuthResults, "failure"); val != 1 {
		t.Errorf("failure count = %v, want 1", val)
	}
}

func TestTransportErrorsAndLocks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordTransportError("transient")
	c.RecordTransportError("transient")
	c.RecordTransportError("fatal")

	if val := counterValue(t, c.TransportErrors, "transient"); val != 2 {
		t.Errorf("transient errors = %v, want 2", val)
	}
	if val := counterValue(t, c.TransportErrors, "fatal"); val != 1 {
		t.Errorf("fatal errors = %v, want 1", val)
	}

	c.IncLocks()
	c.IncLocks()
	if got := plainCounterValue(t, c.Locks); got != 2 {
		t.Errorf("Locks = %v, want 2", got)
	}

	c.IncRegistryFull()
	if got := plainCounterValue(t, c.RegistryFull); got != 1 {
		t.Errorf("RegistryFull = %v, want 1", got)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func plainCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
