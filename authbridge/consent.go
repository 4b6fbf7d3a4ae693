package authbridge

import (
	"html/template"
	"net/http"
)

// The consent page is where the delegated flow meets the platform's static
// key model: the user pastes their team's API key, and the bridge carries it
// forward inside the one-time code. Kept dependency-free and inline; the
// gateway serves no other HTML.
var consentTmpl = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Connect to A-Team</title>
<style>
  body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f6f7f9; margin: 0; }
  .card { max-width: 420px; margin: 10vh auto; background: #fff; border-radius: 8px;
          box-shadow: 0 1px 4px rgba(0,0,0,.12); padding: 2rem; }
  h1 { font-size: 1.25rem; margin-top: 0; }
  p { color: #444; font-size: .92rem; }
  input[type=password] { width: 100%; box-sizing: border-box; padding: .6rem; font-family: monospace;
          border: 1px solid #ccc; border-radius: 4px; }
  button { margin-top: 1rem; width: 100%; padding: .6rem; border: 0; border-radius: 4px;
          background: #1a73e8; color: #fff; font-size: 1rem; cursor: pointer; }
  .error { background: #fdecea; color: #b3261e; border-radius: 4px; padding: .6rem .8rem; font-size: .88rem; }
  .hint { color: #777; font-size: .8rem; }
</style>
</head>
<body>
<div class="card">
  <h1>Authorize {{if .ClientName}}{{.ClientName}}{{else}}this application{{end}}</h1>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <p>Paste your A-Team API key to let this application call the platform on
  your team's behalf. The key is handed to the application once and is not
  stored by the gateway.</p>
  <form method="post">
    <input type="hidden" name="pending_id" value="{{.PendingID}}">
    <input type="password" name="api_key" placeholder="ateam_yourteam_..." autocomplete="off" autofocus required>
    <button type="submit">Authorize</button>
  </form>
  <p class="hint">Find your key under Team Settings &rarr; API Keys in the A-Team console.</p>
</div>
</body>
</html>
`))

type consentPage struct {
	ClientName string
	PendingID  string
	Error      string
}

func renderConsent(w http.ResponseWriter, status int, page consentPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = consentTmpl.Execute(w, page)
}
