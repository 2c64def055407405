package logic

import "time"

// Level is the flow band shown on the indicator LED.
type Level string

const (
	LevelHigh   Level = "HIGH"   // green
	LevelMedium Level = "MEDIUM" // blue
	LevelLow    Level = "LOW"    // red
	LevelIdle   Level = "IDLE"   // red, blinking
)

// Lower bounds of each band in L/day, inclusive.
const (
	ThresholdHigh   = 5000.0
	ThresholdMedium = 3000.0
	ThresholdLow    = 1000.0
)

// BlinkPeriod is the red toggle period in LevelIdle.
const BlinkPeriod = 500 * time.Millisecond

// Classify maps a flow rate in L/day to its band.
func Classify(rateLPerDay float64) Level {
	switch {
	case rateLPerDay >= ThresholdHigh:
		return LevelHigh
	case rateLPerDay >= ThresholdMedium:
		return LevelMedium
	case rateLPerDay >= ThresholdLow:
		return LevelLow
	default:
		return LevelIdle
	}
}

// LEDState is the desired output of the RGB indicator.
type LEDState struct {
	Red   bool
	Green bool
	Blue  bool
}

// Indicator drives the RGB LED from the latest flow rate, including the
// blink phase for LevelIdle.
type Indicator struct {
	blinkOn    bool
	lastToggle time.Time
	level      Level
}

// NewIndicator creates an indicator whose blink clock starts at start.
func NewIndicator(start time.Time) *Indicator {
	return &Indicator{lastToggle: start, level: LevelIdle}
}

// Update classifies rate and returns the LED state for now.
// It is meant to be called more often than BlinkPeriod.
func (ind *Indicator) Update(now time.Time, rateLPerDay float64) LEDState {
	ind.level = Classify(rateLPerDay)

	switch ind.level {
	case LevelHigh:
		return LEDState{Green: true}
	case LevelMedium:
		return LEDState{Blue: true}
	case LevelLow:
		return LEDState{Red: true}
	}

	if now.Sub(ind.lastToggle) > BlinkPeriod {
		ind.blinkOn = !ind.blinkOn
		ind.lastToggle = now
	}
	return LEDState{Red: ind.blinkOn}
}

// Level returns the band from the last Update.
func (ind *Indicator) Level() Level {
	return ind.level
}
