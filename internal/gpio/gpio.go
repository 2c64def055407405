// Package gpio provides the meter's GPIO lines with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementations allow testing without hardware.
package gpio

import "github.com/sweeney/flow-sensor/internal/logic"

// EdgeHandler is called once per rising edge on the flow sensor line.
// It runs on the GPIO event goroutine and must not block.
type EdgeHandler func()

// Button reads the reset button.
type Button interface {
	// Pressed returns the logical button state.
	// The line is active-low with pull-up: raw 0 = pressed.
	Pressed() (bool, error)
}

// LEDs drives the RGB indicator.
type LEDs interface {
	Set(state logic.LEDState) error
}

// Pins maps meter functions to line offsets on one chip (BCM numbering).
type Pins struct {
	Chip  string
	Flow  int
	Reset int
	Red   int
	Green int
	Blue  int
}

// Pin definitions (BCM numbering)
const (
	DefaultChip     = "gpiochip0"
	DefaultPinFlow  = 25 // flow sensor pulse output
	DefaultPinReset = 12 // reset button to ground
	DefaultPinRed   = 26
	DefaultPinGreen = 27
	DefaultPinBlue  = 13
)

// DefaultPins returns the standard wiring.
func DefaultPins() Pins {
	return Pins{
		Chip:  DefaultChip,
		Flow:  DefaultPinFlow,
		Reset: DefaultPinReset,
		Red:   DefaultPinRed,
		Green: DefaultPinGreen,
		Blue:  DefaultPinBlue,
	}
}

func ledValues(s logic.LEDState) []int {
	return []int{boolToInt(s.Red), boolToInt(s.Green), boolToInt(s.Blue)}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
