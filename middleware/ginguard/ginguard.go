// Package ginguard exposes the portalguard guards as gin handlers.
package ginguard

import (
	"net/http"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/guard"
	"github.com/MrEthical07/portalguard/middleware"
	"github.com/MrEthical07/portalguard/permcache"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
	"github.com/gin-gonic/gin"
)

// SessionKey is the gin context key holding the resolved *portalguard.Session.
const SessionKey = "portalguard.session"

// Session returns the session stored by one of the handlers below.
func Session(c *gin.Context) (*portalguard.Session, bool) {
	v, ok := c.Get(SessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*portalguard.Session)
	return sess, ok && sess != nil
}

func attach(c *gin.Context, sess *portalguard.Session) {
	c.Set(SessionKey, sess)
	c.Request = c.Request.WithContext(portalguard.ContextWithSession(c.Request.Context(), sess))
}

// Page redirects unauthenticated and unauthorized requests with 303.
func Page(provider portalguard.SessionProvider, g guard.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := resolve(c, provider)
		decision := g.Evaluate(sess, err, c.Request.URL.RequestURI())
		if decision.State != guard.Authorized {
			c.Redirect(http.StatusSeeOther, decision.Redirect)
			c.Abort()
			return
		}
		attach(c, sess)
		c.Next()
	}
}

// API answers 401 without a session and 403 for a role outside allowed.
// ADMIN is always admitted.
func API(provider portalguard.SessionProvider, allowed ...role.Role) gin.HandlerFunc {
	g := guard.Guard{AllowedRoles: role.NewSet(allowed...), AdminBypass: true}
	return func(c *gin.Context) {
		sess, err := resolve(c, provider)
		decision := g.Evaluate(sess, err, "")
		switch decision.State {
		case guard.Authorized:
			attach(c, sess)
			c.Next()
		case guard.Unauthorized:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "reason": decision.Reason})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "reason": decision.Reason})
		}
	}
}

// Permission requires every permission in perms. It must run after API or
// Page so a session is present. Unsafe methods are evaluated without stored
// decisions.
func Permission(cache *permcache.Cache, perms ...permission.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := Session(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "reason": "no_session"})
			return
		}
		granted := false
		switch {
		case cache == nil:
		case middleware.SafeMethod(c.Request.Method):
			granted, _ = cache.CheckAll(c.Request.Context(), sess.UserID, perms)
		default:
			granted, _ = cache.CheckFresh(c.Request.Context(), sess.UserID, perms, permcache.All)
		}
		if !granted {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "reason": "permission_denied"})
			return
		}
		c.Next()
	}
}

func resolve(c *gin.Context, provider portalguard.SessionProvider) (*portalguard.Session, error) {
	if provider == nil {
		return nil, portalguard.ErrEngineNotReady
	}
	return provider.Session(c.Request.Context(), c.Request)
}
