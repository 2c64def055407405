package logic

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultKFactor is the YF-S201 class sensor constant: pulse frequency
	// in Hz equals flow in L/min times K.
	DefaultKFactor = 7.5

	// DefaultInterval substitutes for a measured interval that is zero or
	// negative.
	DefaultInterval = time.Second

	minutesPerDay = 60 * 24
)

// ErrInvalidCalibration is returned for a calibration factor that is not a
// finite positive number.
var ErrInvalidCalibration = errors.New("calibration factor must be positive")

// ValidateCalibration checks that k can be divided by.
func ValidateCalibration(k float64) error {
	if !(k > 0) || math.IsInf(k, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidCalibration, k)
	}
	return nil
}

// Integrator converts drained pulse counts into volume and flow rate and
// keeps the cumulative total. It is not safe for concurrent use; the meter
// loop owns it.
type Integrator struct {
	k     float64
	last  time.Time
	total float64
}

// NewIntegrator creates an integrator with calibration factor k, the time of
// the previous sample (normally boot time) and the total recovered from the
// store. k must have passed ValidateCalibration.
func NewIntegrator(k float64, start time.Time, total float64) *Integrator {
	if total < 0 || math.IsNaN(total) {
		total = 0
	}
	return &Integrator{
		k:     k,
		last:  start,
		total: total,
	}
}

// Step runs one integration cycle for the pulses drained at now.
func (i *Integrator) Step(now time.Time, pulses uint32) Cycle {
	elapsed := now.Sub(i.last)
	i.last = now
	if elapsed <= 0 {
		elapsed = DefaultInterval
	}

	delta := VolumeDelta(pulses, i.k)
	i.total += delta
	perMin := FlowRate(delta, elapsed)

	return Cycle{
		Time:        now,
		Pulses:      pulses,
		Interval:    elapsed,
		VolumeDelta: delta,
		Total:       i.total,
		RateLPerMin: perMin,
		RateLPerDay: perMin * minutesPerDay,
	}
}

// Reset zeroes the cumulative total.
func (i *Integrator) Reset() {
	i.total = 0
}

// Total returns the cumulative volume in liters.
func (i *Integrator) Total() float64 {
	return i.total
}

// VolumeDelta converts a pulse count to liters. K is pulses per second per
// L/min, so one liter is K*60 pulses.
func VolumeDelta(pulses uint32, k float64) float64 {
	return float64(pulses) / (k * 60)
}

// FlowRate returns the flow in L/min for delta liters over elapsed.
// An elapsed of zero or less counts as DefaultInterval.
func FlowRate(delta float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = DefaultInterval
	}
	return delta / elapsed.Seconds() * 60
}

// PerDay converts L/min to L/day.
func PerDay(perMin float64) float64 {
	return perMin * minutesPerDay
}
