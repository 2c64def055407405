package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/flow-sensor/internal/logic"
)

func TestObserveCycle(t *testing.T) {
	m := New()

	m.ObserveCycle(logic.Cycle{Pulses: 450, Total: 1, RateLPerDay: 86400}, 2*time.Millisecond)
	m.ObserveCycle(logic.Cycle{Pulses: 50, Total: 0.1, RateLPerDay: 1500, Reset: true}, time.Millisecond)

	if got := testutil.ToFloat64(m.Pulses); got != 500 {
		t.Errorf("pulses: got %v, want 500", got)
	}
	if got := testutil.ToFloat64(m.Cycles); got != 2 {
		t.Errorf("cycles: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Resets); got != 1 {
		t.Errorf("resets: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.VolumeLiters); got != 0.1 {
		t.Errorf("volume: got %v, want 0.1", got)
	}
	if got := testutil.ToFloat64(m.RateLPerDay); got != 1500 {
		t.Errorf("rate: got %v, want 1500", got)
	}
	if got := testutil.ToFloat64(m.Level.WithLabelValues("LOW")); got != 1 {
		t.Errorf("LOW level: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Level.WithLabelValues("HIGH")); got != 0 {
		t.Errorf("HIGH level should be cleared, got %v", got)
	}
	if got := testutil.CollectAndCount(m.CycleDuration); got != 1 {
		t.Errorf("expected one histogram series, got %d", got)
	}
}

func TestStoreError(t *testing.T) {
	m := New()
	m.StoreError(OpSave)
	m.StoreError(OpSave)
	m.StoreError(OpLoad)

	if got := testutil.ToFloat64(m.StoreErrors.WithLabelValues(OpSave)); got != 2 {
		t.Errorf("save errors: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StoreErrors.WithLabelValues(OpReset)); got != 0 {
		t.Errorf("reset errors: got %v, want 0", got)
	}
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Pulses.Add(3)
	if got := testutil.ToFloat64(b.Pulses); got != 0 {
		t.Errorf("registries should not share state, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveCycle(logic.Cycle{Pulses: 7, Total: 2}, time.Millisecond)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"flow_sensor_pulses_total 7",
		"flow_sensor_volume_liters 2",
		`flow_sensor_level{level="IDLE"} 1`,
		"flow_sensor_mqtt_evicted_total 0",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
