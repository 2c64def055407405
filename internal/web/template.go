package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/flow-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"levelOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"liters": func(v float64) string {
		return fmt.Sprintf("%.3f", v)
	},
	"rate": func(v float64) string {
		return fmt.Sprintf("%.2f", v)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Flow Sensor - {{.Config.Device}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.HIGH { color: green; font-weight: bold; }
.MEDIUM { color: blue; font-weight: bold; }
.LOW { color: red; }
.IDLE, .UNKNOWN { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Flow Sensor - {{.Config.Device}}</h1>

<h2>Meter</h2>
<table>
<tr><th>Volume</th><td id="volume">{{liters .TotalLiters}} L</td></tr>
<tr><th>Rate</th><td id="rate">{{rate .RateLPerDay}} L/day ({{rate .RateLPerMin}} L/min)</td></tr>
<tr><th>Level</th><td id="level" class="{{levelOrUnknown (printf "%s" .Level)}}">{{levelOrUnknown (printf "%s" .Level)}}</td></tr>
<tr><th>Last pulses</th><td>{{.LastPulses}}</td></tr>
<tr><th>Position</th><td>{{.Config.Position}}</td></tr>
</table>

<h2>Storage</h2>
<table>
<tr><th>Engine</th><td>{{.Config.Engine}}</td></tr>
<tr><th>Durable</th><td class="{{if .StoreReady}}connected{{else}}disconnected{{end}}">{{if .StoreReady}}yes{{else}}no (memory only){{end}}</td></tr>
{{if .StoreError}}<tr><th>Last error</th><td class="disconnected">{{.StoreError}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .Config.Broker}}{{if .MQTTConnected}}connected{{else}}disconnected{{end}}{{else}}disabled{{end}}</td></tr>
{{if .Config.Broker}}<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}: {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Cycles</th><td>{{.Cycles}}</td></tr>
<tr><th>Resets</th><td>{{.Resets}}</td></tr>
<tr><th>K factor</th><td>{{.Config.KFactor}} pulses/s per L/min</td></tr>
<tr><th>Period</th><td>{{.Config.PeriodMs}}ms</td></tr>
<tr><th>Reset cooldown</th><td>{{.Config.CooldownMs}}ms</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
