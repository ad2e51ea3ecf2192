package http

import (
	"html/template"
	"strconv"
	"time"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/auth"
	"github.com/asnowfix/myfitbark/myfitbark/discovery"
)

type callbackPage struct {
	Success bool
	Message string
}

var callbackTmpl = template.Must(template.New("callback").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>MyFitBark</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/bulma@0.9.4/css/bulma.min.css"/>
</head>
<body>
<section class="section">
  <div class="container">
  {{if .Success}}
    <div class="notification is-success">
      <h1 class="title">FitBark account linked</h1>
      <p>{{.Message}}</p>
      <p>You can close this window.</p>
    </div>
  {{else}}
    <div class="notification is-danger">
      <h1 class="title">FitBark authorization failed</h1>
      <p>{{.Message}}</p>
      <p>Start the authorization again from the hub.</p>
    </div>
  {{end}}
  </div>
</section>
</body>
</html>
`))

type entityView struct {
	Entity   myfitbark.LinkedEntity `json:"entity"`
	Snapshot myfitbark.Snapshot     `json:"snapshot"`
}

type statusPage struct {
	Auth      auth.Status
	Entities  []entityView
	Discovery discovery.RunState
}

var statusTmpl = template.Must(template.New("status").Funcs(template.FuncMap{
	"pct": func(p *int) string {
		if p == nil {
			return "-"
		}
		return strconv.Itoa(*p) + "%"
	},
	"when": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "-"
		}
		return t.Local().Format("2006-01-02 15:04")
	},
}).Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>MyFitBark</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/bulma@0.9.4/css/bulma.min.css"/>
  <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='0.9em' font-size='90'>🐕</text></svg>"/>
</head>
<body>
<section class="section">
  <div class="container">
    <h1 class="title">MyFitBark</h1>
    <div class="box">
      <p><strong>Authorization:</strong> {{.Auth.State}}</p>
      {{with .Auth.Account}}<p><strong>Account:</strong> {{.DisplayName}} ({{.Username}})</p>{{end}}
      <p><strong>Token expires:</strong> {{when .Auth.ExpiresAt}}</p>
      {{if .Auth.ExpiryAdvisory}}<p class="has-text-warning-dark">The authorization expires soon, authorize again.</p>{{end}}
      <p><strong>Callback URL:</strong> <code>{{.Auth.CallbackURL}}</code></p>
    </div>
    {{with .Discovery}}{{if not .StartedAt.IsZero}}
    <div class="box">
      <p><strong>Last discovery:</strong> {{.StartedAt.Format "2006-01-02 15:04"}}, {{.NewlyDiscoveredCount}} new, {{.AlreadyDiscoveredCount}} known{{if .FailureMessage}}: <span class="has-text-danger">{{.FailureMessage}}</span>{{end}}</p>
    </div>
    {{end}}{{end}}
    <table class="table is-fullwidth is-striped">
      <thead><tr><th>Dog</th><th>Relationship</th><th>Battery</th><th>Activity</th><th>Goal</th><th>Today</th><th>Yesterday</th><th>Last sync</th></tr></thead>
      <tbody>
      {{range .Entities}}
        <tr>
          <td>{{.Snapshot.DogName}}</td>
          <td>{{.Entity.Relationship}}</td>
          <td>{{.Snapshot.BatteryLevel}}%</td>
          <td>{{.Snapshot.ActivityPoints}}</td>
          <td>{{.Snapshot.DailyGoal}}</td>
          <td>{{pct .Snapshot.PercentCompleteToday}}</td>
          <td>{{pct .Snapshot.PercentCompleteYesterday}}</td>
          <td>{{when .Snapshot.LastRemoteSyncTime}}</td>
        </tr>
      {{else}}
        <tr><td colspan="8">No dog registered</td></tr>
      {{end}}
      </tbody>
    </table>
  </div>
</section>
</body>
</html>
`))
