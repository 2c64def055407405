//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"

	"github.com/sweeney/flow-sensor/internal/logic"
)

// Real drives the meter's lines through the Linux GPIO character device.
type Real struct {
	chip  *gpiocdev.Chip
	flow  *gpiocdev.Line
	reset *gpiocdev.Line
	leds  *gpiocdev.Lines
}

var (
	_ Button = (*Real)(nil)
	_ LEDs   = (*Real)(nil)
)

// OpenReal requests all meter lines. onEdge is called for every rising edge
// on the flow line from the kernel event goroutine.
func OpenReal(pins Pins, onEdge EdgeHandler) (*Real, error) {
	chip, err := gpiocdev.NewChip(pins.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	r := &Real{chip: chip}

	// Open-collector hall sensor output, idle high.
	r.flow, err = chip.RequestLine(pins.Flow,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { onEdge() }))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("request flow pin %d: %w", pins.Flow, err)
	}

	r.reset, err = chip.RequestLine(pins.Reset, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("request reset pin %d: %w", pins.Reset, err)
	}

	r.leds, err = chip.RequestLines([]int{pins.Red, pins.Green, pins.Blue}, gpiocdev.AsOutput(0, 0, 0))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("request led pins %d/%d/%d: %w", pins.Red, pins.Green, pins.Blue, err)
	}

	return r, nil
}

// Pressed reports whether the reset button is held (raw line low).
func (r *Real) Pressed() (bool, error) {
	v, err := r.reset.Value()
	if err != nil {
		return false, fmt.Errorf("read reset pin: %w", err)
	}
	return v == 0, nil
}

// Set writes the RGB indicator outputs.
func (r *Real) Set(s logic.LEDState) error {
	if err := r.leds.SetValues(ledValues(s)); err != nil {
		return fmt.Errorf("set leds: %w", err)
	}
	return nil
}

// Close releases GPIO resources.
// LED lines are returned to inputs before closing so the LED is dark while
// the daemon is down.
func (r *Real) Close() error {
	var err error
	if r.flow != nil {
		err = multierr.Append(err, wrap("close flow pin", r.flow.Close()))
	}
	if r.reset != nil {
		err = multierr.Append(err, wrap("close reset pin", r.reset.Close()))
	}
	if r.leds != nil {
		err = multierr.Append(err, wrap("reconfigure led pins", r.leds.Reconfigure(gpiocdev.AsInput)))
		err = multierr.Append(err, wrap("close led pins", r.leds.Close()))
	}
	if r.chip != nil {
		err = multierr.Append(err, wrap("close chip", r.chip.Close()))
	}
	return err
}

func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
