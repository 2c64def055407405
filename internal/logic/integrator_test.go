package logic

import (
	"errors"
	"math"
	"testing"
	"time"
)

const tolerance = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) <= tolerance*math.Max(1, math.Abs(b))
}

func TestVolumeDeltaConversion(t *testing.T) {
	got := VolumeDelta(450, 7.5)
	if !approx(got, 1.0) {
		t.Errorf("VolumeDelta(450, 7.5) = %v, want 1.0", got)
	}
}

func TestFlowRateDerivation(t *testing.T) {
	perMin := FlowRate(1.0, time.Second)
	if !approx(perMin, 60) {
		t.Errorf("FlowRate(1.0, 1s) = %v L/min, want 60", perMin)
	}
	if got := PerDay(perMin); !approx(got, 86400) {
		t.Errorf("PerDay(%v) = %v, want 86400", perMin, got)
	}
}

func TestFlowRateClampsInterval(t *testing.T) {
	for _, elapsed := range []time.Duration{0, -time.Second, -time.Nanosecond} {
		got := FlowRate(1.0, elapsed)
		if math.IsInf(got, 0) || math.IsNaN(got) {
			t.Fatalf("FlowRate(1.0, %v) = %v", elapsed, got)
		}
		if !approx(got, 60) {
			t.Errorf("FlowRate(1.0, %v) = %v, want 60 (1s substituted)", elapsed, got)
		}
	}
}

func TestStepFullCycle(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := NewIntegrator(7.5, start, 0)

	c := in.Step(start.Add(time.Second), 450)

	if c.Pulses != 450 {
		t.Errorf("Pulses: got %d, want 450", c.Pulses)
	}
	if c.Interval != time.Second {
		t.Errorf("Interval: got %v, want 1s", c.Interval)
	}
	if !approx(c.VolumeDelta, 1.0) {
		t.Errorf("VolumeDelta: got %v, want 1.0", c.VolumeDelta)
	}
	if !approx(c.Total, 1.0) {
		t.Errorf("Total: got %v, want 1.0", c.Total)
	}
	if !approx(c.RateLPerMin, 60) {
		t.Errorf("RateLPerMin: got %v, want 60", c.RateLPerMin)
	}
	if !approx(c.RateLPerDay, 86400) {
		t.Errorf("RateLPerDay: got %v, want 86400", c.RateLPerDay)
	}
}

func TestStepStartsFromRecoveredTotal(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := NewIntegrator(7.5, start, 123.5)

	c := in.Step(start.Add(time.Second), 450)
	if !approx(c.Total, 124.5) {
		t.Errorf("Total: got %v, want 124.5", c.Total)
	}
}

func TestStepIntervalClamp(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
	}{
		{"zero", start},
		{"negative", start.Add(-5 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewIntegrator(7.5, start, 0)
			c := in.Step(tt.now, 450)
			if c.Interval != DefaultInterval {
				t.Errorf("Interval: got %v, want %v", c.Interval, DefaultInterval)
			}
			if !approx(c.RateLPerDay, 86400) {
				t.Errorf("RateLPerDay: got %v, want 86400", c.RateLPerDay)
			}
			if c.VolumeDelta < 0 {
				t.Errorf("negative volume delta %v", c.VolumeDelta)
			}
		})
	}
}

func TestStepVariableInterval(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := NewIntegrator(7.5, start, 0)

	// One liter over two seconds is 30 L/min.
	c := in.Step(start.Add(2*time.Second), 450)
	if !approx(c.RateLPerMin, 30) {
		t.Errorf("RateLPerMin: got %v, want 30", c.RateLPerMin)
	}
}

func TestVolumeMonotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := NewIntegrator(7.5, start, 0)

	pulses := []uint32{0, 1, 450, 0, 9000, 3, 0, 0, 77}
	prev := in.Total()
	now := start
	for i, p := range pulses {
		// Include a clock that steps backwards once.
		if i == 4 {
			now = now.Add(-3 * time.Second)
		} else {
			now = now.Add(time.Second)
		}
		c := in.Step(now, p)
		if c.Total < prev {
			t.Fatalf("step %d: total decreased from %v to %v", i, prev, c.Total)
		}
		prev = c.Total
	}
}

func TestIntegratorReset(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := NewIntegrator(7.5, start, 50)
	in.Reset()
	if in.Total() != 0 {
		t.Errorf("Total after reset: got %v, want 0", in.Total())
	}
}

func TestNewIntegratorRejectsBadTotal(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := NewIntegrator(7.5, start, -4).Total(); got != 0 {
		t.Errorf("negative total: got %v, want 0", got)
	}
	if got := NewIntegrator(7.5, start, math.NaN()).Total(); got != 0 {
		t.Errorf("NaN total: got %v, want 0", got)
	}
}

func TestValidateCalibration(t *testing.T) {
	tests := []struct {
		k       float64
		wantErr bool
	}{
		{7.5, false},
		{0.001, false},
		{0, true},
		{-7.5, true},
		{math.NaN(), true},
		{math.Inf(1), true},
	}
	for _, tt := range tests {
		err := ValidateCalibration(tt.k)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateCalibration(%v): err=%v, wantErr=%v", tt.k, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidCalibration) {
			t.Errorf("ValidateCalibration(%v): expected ErrInvalidCalibration, got %v", tt.k, err)
		}
	}
}
