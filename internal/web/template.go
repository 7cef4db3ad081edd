package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/rfid-inspect/internal/logic"
	"github.com/sweeney/rfid-inspect/internal/status"
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
	"stateClass": func(s logic.SensorState) string {
		switch s.Normalize() {
		case logic.StateOK:
			return "ok"
		case logic.StateNOK:
			return "nok"
		case logic.StateDefective:
			return "defective"
		}
		return "unknown"
	},
	"normalize": func(s logic.SensorState) string {
		return string(s.Normalize())
	},
	"utc": func(t time.Time) string {
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>RFID Inspect {{.Config.StructureID}}</title>
<style>
body { font-family: monospace; max-width: 800px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.ok { color: green; font-weight: bold; }
.nok { color: red; font-weight: bold; }
.defective { color: darkorange; font-weight: bold; }
.unknown { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.alert { background: #fee; border: 1px solid red; padding: 0.5em 1em; }
button { font-family: monospace; margin-right: 0.5em; }
</style>
</head>
<body>
<h1>RFID Inspect: {{.Config.StructureID}}</h1>

<h2>Scan</h2>
<table>
<tr><th>State</th><td id="scan-state">{{.ScanState}}</td></tr>
{{if .Session}}<tr><th>Session</th><td>{{.Session.ID}}</td></tr>
<tr><th>Technician</th><td>{{.Session.Technician}}</td></tr>
<tr><th>Started</th><td>{{utc .Session.StartedAt}}</td></tr>
<tr><th>Results</th><td>{{.Results}}</td></tr>{{end}}
</table>
<p>
<button onclick="scan('start')">Start</button>
<button onclick="scan('pause')">Pause</button>
<button onclick="scan('stop')">Stop</button>
</p>
{{with .LastAlert}}<p class="alert">{{utc .Timestamp}} <b>{{.SensorName}}</b> ({{.SensorID}}) is <span class="{{stateClass .State}}">{{normalize .State}}</span></p>{{end}}

<h2>Sensors</h2>
<table>
<tr><th>OK</th><td class="ok">{{.Counts.OK}}</td><th>NOK</th><td class="nok">{{.Counts.NOK}}</td><th>Defective</th><td class="defective">{{.Counts.Defective}}</td><th>Unknown</th><td class="unknown">{{.Counts.Unknown}}</td></tr>
</table>
<table>
<tr><th>Name</th><th>ID</th><th>Control</th><th>Measure</th><th>State</th></tr>
{{range .Sensors}}<tr><td>{{.Name}}</td><td>{{.ID}}</td><td>{{.ControlChip}}</td><td>{{.MeasureChip}}</td><td class="{{stateClass .State}}">{{normalize .State}}</td></tr>
{{else}}<tr><td colspan="5">no sensors loaded</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Reader</th><td>{{.Config.ReaderID}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{utc .StartTime}}</td></tr>
<tr><th>Window</th><td>{{.Config.WindowMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> <a href="/metrics">metrics</a></p>
<script>
function scan(action) {
  fetch("/scan/" + action, { method: "POST" }).then(function(resp) {
    if (!resp.ok) {
      resp.text().then(function(msg) { alert(action + ": " + msg); });
    }
    location.reload();
  });
}
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
