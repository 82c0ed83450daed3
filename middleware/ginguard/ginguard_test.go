package ginguard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/guard"
	"github.com/MrEthical07/portalguard/permcache"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// headerProvider maps the X-Test-Role header onto a session.
var headerProvider = portalguard.SessionProviderFunc(func(_ context.Context, r *http.Request) (*portalguard.Session, error) {
	raw := r.Header.Get("X-Test-Role")
	if raw == "" {
		return nil, portalguard.ErrUnauthenticated
	}
	return &portalguard.Session{UserID: "user-" + raw, Role: role.OrDefault(raw, role.Guest)}, nil
})

func newRouter() *gin.Engine {
	cache := permcache.New(permcache.EvaluatorFunc(func(_ context.Context, userID string, _ []permission.Permission, _ permcache.Mode) (bool, error) {
		if userID == "user-user" {
			return false, errors.New("directory down")
		}
		return userID == "user-node_officer", nil
	}))

	r := gin.New()
	ok := func(c *gin.Context) {
		sess, found := Session(c)
		if !found {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, sess.Role.String())
	}
	r.GET("/officer", Page(headerProvider, guard.New(role.NodeOfficer)), ok)
	r.GET("/api/nodes", API(headerProvider, role.NodeOfficer), ok)
	r.POST("/api/nodes", API(headerProvider), Permission(cache, permission.MustParse("write:node")), ok)
	return r
}

func do(r http.Handler, method, path, roleHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if roleHeader != "" {
		req.Header.Set("X-Test-Role", roleHeader)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPageRedirects(t *testing.T) {
	r := newRouter()

	rec := do(r, http.MethodGet, "/officer", "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signin?from=%2Fofficer", rec.Header().Get("Location"))

	rec = do(r, http.MethodGet, "/officer", "guest")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.DefaultUnauthorizedPath, rec.Header().Get("Location"))

	rec = do(r, http.MethodGet, "/officer", "node_officer")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NODE_OFFICER", rec.Body.String())
}

func TestAPIStatuses(t *testing.T) {
	r := newRouter()

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/nodes", "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/nodes", "guest").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/nodes", "admin").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/nodes", "NODE-OFFICER").Code)
}

func TestPermissionFailsClosed(t *testing.T) {
	r := newRouter()

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/nodes", "node_officer").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/nodes", "guest").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/nodes", "user").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/nodes", "").Code)
}

func TestPermissionRechecksWrites(t *testing.T) {
	var revoked atomic.Bool
	cache := permcache.New(permcache.EvaluatorFunc(func(_ context.Context, userID string, _ []permission.Permission, _ permcache.Mode) (bool, error) {
		return !revoked.Load(), nil
	}))
	r := gin.New()
	r.GET("/api/nodes", API(headerProvider), Permission(cache, permission.MustParse("read:node")), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/nodes", API(headerProvider), Permission(cache, permission.MustParse("read:node")), func(c *gin.Context) { c.Status(http.StatusOK) })

	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/nodes", "user").Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/nodes", "user").Code)

	revoked.Store(true)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/nodes", "user").Code, "reads may use the stored grant")
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/nodes", "user").Code)
}
