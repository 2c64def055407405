// Package pulse counts rising edges from the flow sensor.
//
// RegisterEdge is called from the GPIO edge handler and Drain from the meter
// loop. The pending count lives behind a single atomic word, so the two never
// observe a half-updated value and an edge racing a Drain lands in exactly
// one drain result.
package pulse

import "sync/atomic"

// Counter accumulates edges between drains. The zero value is ready to use.
type Counter struct {
	pending  atomic.Uint32
	lifetime atomic.Uint64
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// RegisterEdge records one rising edge.
// It never blocks, allocates or logs.
func (c *Counter) RegisterEdge() {
	c.pending.Add(1)
	c.lifetime.Add(1)
}

// Drain returns the number of edges since the previous Drain and resets the
// pending count to zero in the same atomic step.
func (c *Counter) Drain() uint32 {
	return c.pending.Swap(0)
}

// Lifetime returns the total number of edges registered since construction.
// It is for metrics only and is never cleared.
func (c *Counter) Lifetime() uint64 {
	return c.lifetime.Load()
}
