package server

import (
	"html/template"
	"net/http"

	"github.com/MrEthical07/portalguard/guard"
)

var signInPage = template.Must(template.New("signin").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="/auth/login">
  <input type="hidden" name="from" value="{{.From}}">
  <label>Email <input type="email" name="email" autocomplete="username" required></label>
  <label>Password <input type="password" name="password" autocomplete="current-password" required></label>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`))

var unauthorizedPage = template.Must(template.New("unauthorized").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Access denied</title></head>
<body>
<h1>Access denied</h1>
<p>You are signed in, but this page is not available to you. This can happen when:</p>
<ul>
  <li>your role does not include this section of the portal,</li>
  <li>your role was changed since you signed in,</li>
  <li>you followed a link meant for another account.</li>
</ul>
<p><a href="/">Back to the portal</a> or <a href="/signin">sign in with another account</a>.</p>
</body>
</html>
`))

var loginErrors = map[string]string{
	"invalid_credentials": "Email or password is incorrect.",
	"rate_limited":        "Too many attempts. Try again later.",
	"unavailable":         "Sign-in is temporarily unavailable.",
}

func (s *Server) handleSignInPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msg := ""
	if code := q.Get("error"); code != "" {
		msg = loginErrors[code]
		if msg == "" {
			msg = "Sign-in failed."
		}
	}
	data := struct{ From, Error string }{
		From:  safeReturnPath(q.Get(guard.DefaultReturnParam)),
		Error: msg,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := signInPage.Execute(w, data); err != nil {
		s.log.WithError(err).Error("render sign-in page")
	}
}

func (s *Server) handleUnauthorizedPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	if err := unauthorizedPage.Execute(w, nil); err != nil {
		s.log.WithError(err).Error("render unauthorized page")
	}
}
