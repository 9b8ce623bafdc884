package gateway

import (
	"fmt"
	"html"
	"net/http"
)

// The OAuth dance ends in a browser tab, so the callback renders minimal
// human-readable pages rather than JSON. Error pages describe the failure
// category only; internal state never reaches the page.

const successPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Authorization successful</title>
  <style>
    body { font-family: -apple-system, system-ui, sans-serif; display: flex; justify-content: center; margin-top: 15vh; color: #333; }
    .card { text-align: center; max-width: 28rem; }
    h1 { font-size: 1.4rem; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Authorization successful</h1>
    <p>Your account is now connected. You can close this tab and return to your client.</p>
  </div>
</body>
</html>
`

const errorPageTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Authorization failed</title>
  <style>
    body { font-family: -apple-system, system-ui, sans-serif; display: flex; justify-content: center; margin-top: 15vh; color: #333; }
    .card { text-align: center; max-width: 28rem; }
    h1 { font-size: 1.4rem; color: #b00020; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Authorization failed</h1>
    <p>%s</p>
  </div>
</body>
</html>
`

func renderSuccessPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, successPage)
}

func renderErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, errorPageTemplate, html.EscapeString(message))
}
