package logic

import "time"

// Cycle is the result of one integration step.
type Cycle struct {
	Time        time.Time
	Pulses      uint32
	Interval    time.Duration // clamped, never <= 0
	VolumeDelta float64       // liters
	Total       float64       // liters since last reset
	RateLPerMin float64
	RateLPerDay float64
	Reset       bool // a reset ran at the start of this cycle
}
