// Package telemetry formats per-cycle meter readings and fans them out to
// sinks.
package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/sweeney/flow-sensor/internal/logic"
)

const (
	// DefaultDevice is the device label used when none is configured.
	DefaultDevice = "Central"
	// DefaultPosition is the fixed position placeholder. The node has no GPS.
	DefaultPosition = "-23.5505,-46.6333"
)

// timeLayout is the wall-clock layout used in the text line.
const timeLayout = "2006-01-02 15:04:05"

// Record is one cycle's reading.
type Record struct {
	Device      string      `json:"device"`
	Timestamp   time.Time   `json:"timestamp"`
	TotalLiters float64     `json:"total_liters"`
	RateLPerDay float64     `json:"rate_l_per_day"`
	RateLPerMin float64     `json:"rate_l_per_min"`
	Pulses      uint32      `json:"pulses"`
	Level       logic.Level `json:"level"`
	Position    string      `json:"position"`
}

// FromCycle builds a record from an integration result.
func FromCycle(device, position string, c logic.Cycle) Record {
	return Record{
		Device:      device,
		Timestamp:   c.Time,
		TotalLiters: c.Total,
		RateLPerDay: c.RateLPerDay,
		RateLPerMin: c.RateLPerMin,
		Pulses:      c.Pulses,
		Level:       logic.Classify(c.RateLPerDay),
		Position:    position,
	}
}

// Line formats the record as a single human-readable line without a
// trailing newline. The timestamp is local wall-clock time; an unsynced
// clock shows up as an epoch-era date.
func (r Record) Line() string {
	return fmt.Sprintf("%s %s | volume: %.3f L | rate: %.2f L/day | pos: %s",
		r.Device, r.Timestamp.Local().Format(timeLayout),
		r.TotalLiters, r.RateLPerDay, r.Position)
}

// Sink receives one record per cycle.
type Sink interface {
	Emit(r Record) error
}

// LineSink writes Line() output to w, one record per line.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink creates a sink writing to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// Emit writes r.
func (s *LineSink) Emit(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, r.Line()+"\n"); err != nil {
		return fmt.Errorf("write telemetry line: %w", err)
	}
	return nil
}

// Multi fans a record out to every sink. All sinks see the record even if
// an earlier one fails.
type Multi []Sink

// Emit sends r to each sink and combines their errors.
func (m Multi) Emit(r Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Emit(r))
	}
	return err
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record) error

// Emit calls f(r).
func (f SinkFunc) Emit(r Record) error {
	return f(r)
}
