package httpapi

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <meta http-equiv="refresh" content="5" />
  <title>RelayCache Status</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body { margin: 0; padding: 24px; background: var(--paper); color: var(--ink); font-family: ui-sans-serif, system-ui, sans-serif; }
    h1 { margin: 0 0 16px; font-size: 22px; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 12px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 10px; padding: 12px 14px; }
    .label { color: var(--muted); font-size: 12px; text-transform: uppercase; letter-spacing: 0.04em; }
    .value { font-size: 24px; font-weight: 600; }
    .on { color: var(--accent); }
    .off { color: var(--danger); }
  </style>
</head>
<body>
  <h1>RelayCache Status</h1>
  <div class="grid">
    <div class="card"><div class="label">Realtime</div><div class="value {{if .Subscribed}}on{{else}}off{{end}}">{{if .Subscribed}}subscribed{{else}}idle{{end}}</div></div>
    <div class="card"><div class="label">Cache keys</div><div class="value">{{.Keys}}</div></div>
    <div class="card"><div class="label">Drivers</div><div class="value">{{.Drivers}}</div></div>
    <div class="card"><div class="label">Queue</div><div class="value">{{.QueueDepth}} / {{.QueueCapacity}}</div></div>
    <div class="card"><div class="label">Events applied</div><div class="value">{{.Events.Applied}}</div></div>
    <div class="card"><div class="label">Events skipped</div><div class="value">{{.Events.Skipped}}</div></div>
    <div class="card"><div class="label">Events failed</div><div class="value">{{.Events.Failed}}</div></div>
  </div>
</body>
</html>
`))

// handleDashboard renders session counters only; cached content stays
// behind the authenticated routes.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, s.session.Stats()); err != nil {
		s.logger.Warn("render dashboard failed", zap.Error(err))
	}
}
