package gpio

import (
	"errors"
	"sync"

	"github.com/sweeney/flow-sensor/internal/logic"
)

// FakeButton is a test double that returns scripted button samples.
type FakeButton struct {
	// Samples contains scripted pressed values to return.
	// Each call to Pressed() consumes the next sample.
	Samples []bool
	// index tracks current position in Samples
	index int
	// ReadError, if set, will be returned by Pressed()
	ReadError error
	// Reads counts calls to Pressed()
	Reads int
}

// NewFakeButton creates a FakeButton with the given samples.
func NewFakeButton(samples ...bool) *FakeButton {
	return &FakeButton{Samples: samples}
}

// Pressed returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeButton) Pressed() (bool, error) {
	f.Reads++
	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}
	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return sample, nil
}

// Reset rewinds the button to the first sample.
func (f *FakeButton) Reset() {
	f.index = 0
	f.Reads = 0
}

// FakeLEDs records every state written to the indicator.
type FakeLEDs struct {
	States   []logic.LEDState
	SetError error
}

// NewFakeLEDs creates an empty FakeLEDs.
func NewFakeLEDs() *FakeLEDs {
	return &FakeLEDs{}
}

// Set records s.
func (f *FakeLEDs) Set(s logic.LEDState) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.States = append(f.States, s)
	return nil
}

// Last returns the most recent state, or the zero state if none.
func (f *FakeLEDs) Last() logic.LEDState {
	if len(f.States) == 0 {
		return logic.LEDState{}
	}
	return f.States[len(f.States)-1]
}

// FakeFlow stands in for the flow sensor line and delivers edges on demand.
type FakeFlow struct {
	mu      sync.Mutex
	handler EdgeHandler
	closed  bool
}

// NewFakeFlow creates a FakeFlow that calls onEdge for every edge.
func NewFakeFlow(onEdge EdgeHandler) *FakeFlow {
	return &FakeFlow{handler: onEdge}
}

// Pulse delivers n rising edges. Edges after Close are dropped.
func (f *FakeFlow) Pulse(n int) {
	f.mu.Lock()
	h, closed := f.handler, f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	for i := 0; i < n; i++ {
		h()
	}
}

// Close stops edge delivery.
func (f *FakeFlow) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
