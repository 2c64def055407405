//go:build !linux

package gpio

import (
	"errors"

	"github.com/sweeney/flow-sensor/internal/logic"
)

// Real is not available on non-Linux platforms.
type Real struct{}

// OpenReal returns an error on non-Linux platforms.
func OpenReal(pins Pins, onEdge EdgeHandler) (*Real, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Pressed is not implemented on non-Linux platforms.
func (r *Real) Pressed() (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Set is not implemented on non-Linux platforms.
func (r *Real) Set(s logic.LEDState) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *Real) Close() error {
	return nil
}
