package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/dcf77-emitter/internal/emitter"
	"github.com/sweeney/dcf77-emitter/internal/status"
	"github.com/sweeney/dcf77-emitter/internal/telegram"
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
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"readingTime": func(r telegram.Reading) string {
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
			r.Year, r.Month, r.Day, r.Hour, r.Minute, r.Second)
	},
	"join": strings.Join,
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>DCF77 Emitter</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.frame { word-break: break-all; letter-spacing: 1px; }
</style>
</head>
<body>
<h1>DCF77 Emitter</h1>

<h2>State</h2>
<table>
<tr><th>Sync</th><td class="{{if eq (stateOrUnknown (printf "%s" .Emitter.State)) "ACTIVE"}}on{{else if eq (stateOrUnknown (printf "%s" .Emitter.State)) "UNSYNCED"}}off{{else}}unknown{{end}}">{{stateOrUnknown (printf "%s" .Emitter.State)}}</td></tr>
<tr><th>Emission</th><td class="{{if .Emitter.Enabled}}on{{else}}off{{end}}">{{if .Emitter.Enabled}}enabled{{else}}disabled{{end}}</td></tr>
<tr><th>Carrier</th><td>{{if .Emitter.CarrierOn}}on{{else}}off{{end}}</td></tr>
<tr><th>Second</th><td>{{.Emitter.Second}}</td></tr>
{{if .Emitter.Reading.Valid}}<tr><th>Encoded Time</th><td>{{readingTime .Emitter.Reading}}</td></tr>
<tr><th>DST</th><td>{{if .Emitter.Reading.DST}}yes{{else}}no{{end}}</td></tr>{{end}}
<tr><th>Drift</th><td>{{.Emitter.DriftAccum}}</td></tr>
<tr><th>Frame</th><td class="frame">{{.Emitter.Frame}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Interface</th><td>{{.Network.Interface}}</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Minutes</th><td>{{.Emitter.Counts.Minutes}}</td></tr>
<tr><th>Resyncs</th><td>{{.Emitter.Counts.Resyncs}}</td></tr>
<tr><th>Discontinuities</th><td>{{.Emitter.Counts.Discontinuities}}</td></tr>
<tr><th>Sync Losses</th><td>{{.Emitter.Counts.SyncLosses}}</td></tr>
<tr><th>Outliers</th><td>{{.Emitter.Counts.Outliers}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Frequency</th><td>{{.Config.Frequency}}</td></tr>
<tr><th>Time Source</th><td>{{.Config.TimeSource}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
<tr><th>Windows</th><td>{{if .Windows}}{{join .Windows ", "}}{{else}}always on{{end}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
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

func renderFrameText(w io.Writer, snap status.Snapshot) {
	em := snap.Emitter
	fmt.Fprintln(w, em.Frame)
	if em.State == emitter.SyncActive {
		fmt.Fprintf(w, "%*s\n", em.Second+1, "^")
	}
	state := string(em.State)
	if state == "" {
		state = "UNKNOWN"
	}
	carrier := "off"
	if em.CarrierOn {
		carrier = "on"
	}
	fmt.Fprintf(w, "state %s  second %d  carrier %s  drift %s\n", state, em.Second, carrier, em.DriftAccum)
	if em.Reading.Valid {
		fmt.Fprintf(w, "time %04d-%02d-%02d %02d:%02d:%02d dst=%v\n",
			em.Reading.Year, em.Reading.Month, em.Reading.Day,
			em.Reading.Hour, em.Reading.Minute, em.Reading.Second, em.Reading.DST)
	}
}
