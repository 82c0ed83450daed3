package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrEthical07/portalguard/directory"
	"github.com/MrEthical07/portalguard/internal/config"
	"github.com/MrEthical07/portalguard/password"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/tokenstore"
)

type harness struct {
	rt      *Runtime
	handler http.Handler
	ids     map[string]string
}

func newHarness(t *testing.T, mutate ...func(*config.File)) *harness {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.DevMode = true
	cfg.Redis.Embedded = true
	cfg.Database.DSN = filepath.Join(t.TempDir(), "portal.db")
	cfg.Audit.Sink = "none"
	cfg.Logging.Level = "error"
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	for _, m := range mutate {
		m(cfg)
	}

	rt, err := Bootstrap(context.Background(), cfg, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	hasher, err := password.NewArgon2(cfg.Password)
	require.NoError(t, err)
	h := &harness{rt: rt, ids: map[string]string{}}
	for email, raw := range map[string]string{
		"admin@example.org":   "0",
		"officer@example.org": "node-officer",
		"user@example.org":    "USER",
	} {
		hash, err := hasher.Hash("correct horse")
		require.NoError(t, err)
		id, err := rt.Directory.AddUser(context.Background(), directory.NewUser{Email: email, PasswordHash: hash, Role: raw})
		require.NoError(t, err)
		h.ids[email] = id
	}

	h.handler = New(rt.Engine, rt.Directory, rt.Log, Options{InsecureCookie: true, MetricsPath: "/metrics"}).Routes()
	return h
}

func (h *harness) do(method, target string, body any, cookies []*http.Cookie, bearer string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(t *testing.T, email string) (credentialResponse, []*http.Cookie) {
	t.Helper()
	rec := h.do(http.MethodPost, "/auth/login", loginRequest{Email: email, Password: "correct horse"}, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp credentialResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp, rec.Result().Cookies()
}

func cookieValue(cookies []*http.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func TestLoginSetsCookiesAndSessionResolves(t *testing.T) {
	h := newHarness(t)

	resp, cookies := h.login(t, "Officer@Example.org")
	assert.Equal(t, "NODE_OFFICER", resp.Session.Role.String())
	assert.NotEmpty(t, resp.Credential.RefreshToken)
	assert.Equal(t, resp.Credential.AccessToken, cookieValue(cookies, tokenstore.AccessCookie))
	assert.Equal(t, "true", cookieValue(cookies, tokenstore.AuthenticatedCookie))

	rec := h.do(http.MethodGet, "/auth/session?path=/admin/users", nil, cookies, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sess sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.True(t, sess.Authenticated)
	assert.Equal(t, h.ids["officer@example.org"], sess.Session.UserID)
	require.NotNil(t, sess.Decision)
	assert.Equal(t, "unauthorized", sess.Decision.State)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/auth/login", loginRequest{Email: "user@example.org", Password: "nope"}, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_credentials")
}

func TestFormLoginRedirectsBack(t *testing.T) {
	h := newHarness(t)
	form := url.Values{"email": {"admin@example.org"}, "password": {"correct horse"}, "from": {"/admin/users"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin/users", rec.Header().Get("Location"))

	form.Set("password", "wrong")
	form.Set("from", "//evil.example")
	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "/signin?error=invalid_credentials", rec.Header().Get("Location"))
}

func TestPageGuards(t *testing.T) {
	h := newHarness(t)
	_, userCookies := h.login(t, "user@example.org")
	_, adminCookies := h.login(t, "admin@example.org")
	_, officerCookies := h.login(t, "officer@example.org")

	rec := h.do(http.MethodGet, "/admin", nil, nil, "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signin?from=%2Fadmin", rec.Header().Get("Location"))

	rec = h.do(http.MethodGet, "/admin/users", nil, userCookies, "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/unauthorized", rec.Header().Get("Location"))

	rec = h.do(http.MethodGet, "/admin/users", nil, adminCookies, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "officer@example.org")

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/officer", nil, officerCookies, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/officer/nodes", nil, adminCookies, "").Code, "admin bypass")

	page := h.do(http.MethodGet, "/unauthorized", nil, nil, "")
	assert.Equal(t, http.StatusForbidden, page.Code)
	assert.Contains(t, page.Body.String(), "Access denied")
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	h := newHarness(t)
	first, _ := h.login(t, "user@example.org")

	rec := h.do(http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: first.Credential.RefreshToken}, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var second credentialResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&second))
	assert.True(t, second.Refreshed)
	assert.NotEqual(t, first.Credential.RefreshToken, second.Credential.RefreshToken)

	rec = h.do(http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: first.Credential.RefreshToken}, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "refresh_reused")

	rec = h.do(http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: second.Credential.RefreshToken}, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "reuse revokes the whole session")
}

func TestLogoutClearsCookiesAndSession(t *testing.T) {
	h := newHarness(t)
	resp, cookies := h.login(t, "user@example.org")

	rec := h.do(http.MethodPost, "/auth/logout", nil, cookies, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	for _, c := range rec.Result().Cookies() {
		assert.True(t, c.MaxAge < 0, "cookie %s not cleared", c.Name)
	}

	rec = h.do(http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: resp.Credential.RefreshToken}, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/auth/logout", nil, nil, "").Code)
}

func TestPermissionRoutesFollowDirectoryGrants(t *testing.T) {
	h := newHarness(t)
	user, _ := h.login(t, "user@example.org")
	token := user.Credential.AccessToken

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/metadata", nil, nil, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/metadata", nil, nil, token).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/metadata", nil, nil, token).Code)

	require.NoError(t, h.rt.Directory.Grant(context.Background(), h.ids["user@example.org"], permission.CreateMetadata))
	assert.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/metadata", nil, nil, token).Code)
}

func TestRevokeFromAnotherProcessStopsWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.ids["user@example.org"]
	require.NoError(t, h.rt.Directory.Grant(ctx, userID, permission.CreateMetadata, permission.ReadMetadata))

	user, _ := h.login(t, "user@example.org")
	token := user.Credential.AccessToken
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/metadata", nil, nil, token).Code)

	// A second handle has no hook into this server's cache, like the CLI.
	cli, err := directory.Open(ctx, h.rt.Config.Database.Driver, h.rt.Config.Database.DSN)
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Revoke(ctx, userID, permission.CreateMetadata))

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/metadata", nil, nil, token).Code)
}

func TestLogoutAllRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	user, _ := h.login(t, "user@example.org")
	admin, _ := h.login(t, "admin@example.org")
	target := "/api/users/" + h.ids["user@example.org"] + "/logout-all"

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, target, nil, nil, user.Credential.AccessToken).Code)

	rec := h.do(http.MethodPost, target, nil, nil, admin.Credential.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":1}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.login(t, "user@example.org")

	rec := h.do(http.MethodGet, "/metrics", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "portalguard_login_success_total 1")
}

func TestOTelMetersFollowEngine(t *testing.T) {
	h := newHarness(t, func(cfg *config.File) { cfg.Metrics.OTel = true })
	require.NotNil(t, h.rt.Meters)
	h.login(t, "user@example.org")

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.rt.MetricReader.Collect(context.Background(), &rm))
	var logins int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "portalguard_login_success_total" {
				logins = m.Data.(metricdata.Sum[int64]).DataPoints[0].Value
			}
		}
	}
	assert.Equal(t, int64(1), logins)
}

func TestOTelMetersOffByDefault(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.rt.Meters)
}
