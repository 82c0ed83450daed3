package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/directory"
	"github.com/MrEthical07/portalguard/guard"
	"github.com/MrEthical07/portalguard/internal/logging"
	promexport "github.com/MrEthical07/portalguard/metrics/export/prometheus"
	"github.com/MrEthical07/portalguard/middleware"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
	"github.com/MrEthical07/portalguard/tokenstore"
)

// Options configures the HTTP surface.
type Options struct {
	TrustForwarded bool
	CookieDomain   string
	InsecureCookie bool
	// MetricsPath mounts the Prometheus handler; empty disables it.
	MetricsPath string
}

// Server serves the auth endpoints and the guarded portal routes.
type Server struct {
	engine  *portalguard.Engine
	dir     *directory.SQLDirectory
	cookies *tokenstore.Cookies
	log     logrus.FieldLogger
	opts    Options
}

func New(engine *portalguard.Engine, dir *directory.SQLDirectory, log logrus.FieldLogger, opts Options) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		engine: engine,
		dir:    dir,
		cookies: tokenstore.NewCookies(tokenstore.CookieOptions{
			Domain:     opts.CookieDomain,
			Insecure:   opts.InsecureCookie,
			RefreshTTL: engine.Config().Session.RefreshTTL,
		}),
		log:  logging.WithComponent(log, "http"),
		opts: opts,
	}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.ClientIP(s.opts.TrustForwarded))
	r.Use(s.requestLogging)

	mwOpts := middleware.FromEngine(s.engine, s.log)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
		r.Get("/session", s.handleSession)
	})

	r.Get("/signin", s.handleSignInPage)
	r.Get("/unauthorized", s.handleUnauthorizedPage)

	for _, pg := range portalPages {
		handler := s.handleOfficer
		if pg.prefix == "/admin" {
			handler = s.handleAdmin
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.Guard(s.engine, pg.guard, mwOpts))
			r.Get(pg.prefix, handler)
			r.Get(pg.prefix+"/*", handler)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireAPI(s.engine, role.Set{}, mwOpts))
		r.With(middleware.RequirePermission(s.engine, s.engine.Permissions(),
			[]permission.Permission{permission.ReadMetadata}, mwOpts)).
			Get("/metadata", s.handleMetadataList)
		r.With(middleware.RequirePermission(s.engine, s.engine.Permissions(),
			[]permission.Permission{permission.CreateMetadata}, mwOpts)).
			Post("/metadata", s.handleMetadataCreate)
		r.With(middleware.RequireAPI(s.engine, role.NewSet(role.Admin), mwOpts)).
			Post("/users/{id}/logout-all", s.handleLogoutAll)
	})

	if s.opts.MetricsPath != "" {
		r.Method(http.MethodGet, s.opts.MetricsPath, promexport.NewExporter(s.engine).Handler())
	}
	return r
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := s.log.WithFields(logrus.Fields{
			"request_id": chimw.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  portalguard.ClientIPFromContext(r.Context()),
		})
		switch {
		case ww.Status() >= 500:
			entry.Error("request completed with server error")
		case ww.Status() >= 400:
			entry.Warn("request completed with client error")
		default:
			entry.Debug("request completed")
		}
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	From     string `json:"from,omitempty"`
}

type credentialResponse struct {
	Session    *portalguard.Session   `json:"session,omitempty"`
	Credential portalguard.Credential `json:"credential"`
	Refreshed  bool                   `json:"refreshed"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	form := isForm(r)
	var req loginRequest
	if form {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request")
			return
		}
		req = loginRequest{Email: r.PostFormValue("email"), Password: r.PostFormValue("password"), From: r.PostFormValue("from")}
	} else if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	res, err := s.engine.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		status, code := statusFor(err)
		if form {
			http.Redirect(w, r, "/signin?error="+code, http.StatusSeeOther)
			return
		}
		writeError(w, status, code)
		return
	}

	s.cookies.Write(w, res.Credential)
	if form {
		http.Redirect(w, r, safeReturnPath(req.From), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{Session: res.Session, Credential: res.Credential, Refreshed: true})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refreshToken(r *http.Request) string {
	if r.ContentLength > 0 && !isForm(r) {
		var req refreshRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err == nil && req.RefreshToken != "" {
			return req.RefreshToken
		}
	}
	return tokenstore.RefreshFromRequest(r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := s.refreshToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "refresh_missing")
		return
	}

	res, err := s.engine.RefreshWithin(r.Context(), token, 0)
	switch {
	case errors.Is(err, portalguard.ErrRefreshTimeout):
		// The caller proceeds with what it has.
		writeJSON(w, http.StatusOK, credentialResponse{Refreshed: false})
		return
	case err != nil:
		status, code := statusFor(err)
		if status == http.StatusUnauthorized {
			s.cookies.Clear(w)
		}
		writeError(w, status, code)
		return
	}

	s.cookies.Write(w, res.Credential)
	writeJSON(w, http.StatusOK, credentialResponse{Session: res.Session, Credential: res.Credential, Refreshed: true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.refreshToken(r)
	s.cookies.Clear(w)
	if token != "" {
		if err := s.engine.Logout(r.Context(), token); err != nil && !errors.Is(err, portalguard.ErrRefreshInvalid) {
			status, code := statusFor(err)
			writeError(w, status, code)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.LogoutAll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sessions": n})
}

// portalPages are the role-guarded page trees.
var portalPages = []struct {
	prefix string
	guard  guard.Guard
}{
	{"/admin", guard.New(role.Admin)},
	{"/officer", guard.New(role.NodeOfficer)},
}

func guardFor(path string) (guard.Guard, bool) {
	for _, pg := range portalPages {
		if path == pg.prefix || strings.HasPrefix(path, pg.prefix+"/") {
			return pg.guard, true
		}
	}
	return guard.Guard{}, false
}

type decisionResponse struct {
	State    string `json:"state"`
	Redirect string `json:"redirect,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type sessionResponse struct {
	Authenticated bool                 `json:"authenticated"`
	Session       *portalguard.Session `json:"session,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	Decision      *decisionResponse    `json:"decision,omitempty"`
}

// handleSession reports the caller's session. With ?path= it also reports
// the guard decision for that portal path, so a front end can render the
// right state without a redirect round trip.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), r)

	resp := sessionResponse{Authenticated: err == nil, Session: sess}
	status := http.StatusOK
	if err != nil {
		_, resp.Reason = statusFor(err)
		status = http.StatusUnauthorized
	}

	if path := r.URL.Query().Get("path"); path != "" {
		g, _ := guardFor(path)
		d := g.Evaluate(sess, err, path)
		resp.Decision = &decisionResponse{State: d.State.String(), Redirect: d.Redirect, Reason: d.Reason}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	users, err := s.dir.Users(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list users")
		writeError(w, http.StatusInternalServerError, "directory_unavailable")
		return
	}
	type row struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	out := make([]row, 0, len(users))
	for _, u := range users {
		out = append(out, row{ID: u.ID, Email: u.Email, Role: u.Role.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *Server) handleOfficer(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"officer": sess.Email, "role": sess.Role})
}

func (s *Server) handleMetadataList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
}

func (s *Server) handleMetadataCreate(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	writeJSON(w, http.StatusCreated, map[string]string{"created_by": sess.UserID})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, portalguard.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, portalguard.ErrLoginRateLimited), errors.Is(err, portalguard.ErrRefreshRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, portalguard.ErrRefreshReuse):
		return http.StatusUnauthorized, "refresh_reused"
	case errors.Is(err, portalguard.ErrRefreshInvalid):
		return http.StatusUnauthorized, "refresh_invalid"
	case errors.Is(err, portalguard.ErrCredentialExpired):
		return http.StatusUnauthorized, "expired"
	case errors.Is(err, portalguard.ErrMalformedCredential):
		return http.StatusUnauthorized, "malformed"
	case errors.Is(err, portalguard.ErrMissingSubject):
		return http.StatusUnauthorized, "missing_subject"
	case errors.Is(err, portalguard.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, portalguard.ErrRedisUnavailable), errors.Is(err, portalguard.ErrEngineNotReady):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func isForm(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data")
}

// safeReturnPath keeps only same-origin absolute paths.
func safeReturnPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
