package server

import (
	"html/template"
	"net/http"
)

// The error page deliberately renders only server-chosen strings; nothing
// from the query string reaches the template.
var errorPageTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

var testPageTmpl = template.Must(template.New("test").Parse(`<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body>
<h1>Signed in</h1>
<p>Your session is active. You can close this window and return to your application.</p>
{{if .Email}}<p>Account: {{.Email}}</p>{{end}}
</body>
</html>
`))

func (h *Handler) renderErrorPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPageTmpl.Execute(w, struct {
		Title   string
		Message string
	}{title, message})
}

// handleTestPage is the landing page for browser logins without a
// redirect URI.
func (h *Handler) handleTestPage(w http.ResponseWriter, r *http.Request) {
	email := ""
	if info, err := h.authenticate(r); err == nil {
		email = info.Session.UserEmail
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = testPageTmpl.Execute(w, struct{ Email string }{email})
}
