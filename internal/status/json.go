package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Device        string       `json:"device"`
	TotalLiters   float64      `json:"total_liters"`
	RateLPerDay   float64      `json:"rate_l_per_day"`
	RateLPerMin   float64      `json:"rate_l_per_min"`
	Level         string       `json:"level"`
	LastPulses    uint32       `json:"last_pulses"`
	Cycles        uint64       `json:"cycles"`
	Resets        uint64       `json:"resets"`
	LastCycle     string       `json:"last_cycle,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Store         StoreStatus  `json:"store"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// StoreStatus reports durable store health.
type StoreStatus struct {
	Ready     bool   `json:"ready"`
	Engine    string `json:"engine"`
	LastError string `json:"last_error,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Position   string  `json:"position"`
	KFactor    float64 `json:"k_factor"`
	PeriodMs   int64   `json:"period_ms"`
	CooldownMs int64   `json:"cooldown_ms"`
	HTTPAddr   string  `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	level := string(snap.Level)
	if level == "" {
		level = "UNKNOWN"
	}

	inner := StatusInner{
		Device:        snap.Config.Device,
		TotalLiters:   snap.TotalLiters,
		RateLPerDay:   snap.RateLPerDay,
		RateLPerMin:   snap.RateLPerMin,
		Level:         level,
		LastPulses:    snap.LastPulses,
		Cycles:        snap.Cycles,
		Resets:        snap.Resets,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Store: StoreStatus{
			Ready:     snap.StoreReady,
			Engine:    snap.Config.Engine,
			LastError: snap.StoreError,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Position:   snap.Config.Position,
			KFactor:    snap.Config.KFactor,
			PeriodMs:   snap.Config.PeriodMs,
			CooldownMs: snap.Config.CooldownMs,
			HTTPAddr:   snap.Config.HTTPAddr,
		},
	}
	if !snap.LastCycle.IsZero() {
		inner.LastCycle = snap.LastCycle.UTC().Format(time.RFC3339)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
