// Package status provides a thread-safe status tracker for the flow-sensor daemon.
// It is read by HTTP handlers and by lifecycle events published to MQTT.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/flow-sensor/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Device     string
	Position   string
	KFactor    float64
	PeriodMs   int64
	CooldownMs int64
	Engine     string
	Broker     string
	HTTPAddr   string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	TotalLiters   float64
	RateLPerDay   float64
	RateLPerMin   float64
	Level         logic.Level
	LastPulses    uint32
	Cycles        uint64
	Resets        uint64
	LastCycle     time.Time
	StoreReady    bool
	StoreError    string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update records the result of one cycle.
// Called from the meter on every cycle.
func (t *Tracker) Update(c logic.Cycle) {
	t.mu.Lock()
	t.snap.TotalLiters = c.Total
	t.snap.RateLPerDay = c.RateLPerDay
	t.snap.RateLPerMin = c.RateLPerMin
	t.snap.Level = logic.Classify(c.RateLPerDay)
	t.snap.LastPulses = c.Pulses
	t.snap.LastCycle = c.Time
	t.snap.Cycles++
	if c.Reset {
		t.snap.Resets++
	}
	t.mu.Unlock()
}

// SetTotal sets the volume shown before the first cycle runs.
func (t *Tracker) SetTotal(liters float64) {
	t.mu.Lock()
	t.snap.TotalLiters = liters
	t.mu.Unlock()
}

// SetStore records durable store health. A nil err clears the last error.
func (t *Tracker) SetStore(ready bool, err error) {
	t.mu.Lock()
	t.snap.StoreReady = ready
	if err != nil {
		t.snap.StoreError = err.Error()
	} else {
		t.snap.StoreError = ""
	}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
