package tokenstore

import (
	"net/http"
	"strings"
	"time"
)

// Cookie names shared with the browser front end.
const (
	AccessCookie        = "auth_token"
	RefreshCookie       = "refresh_token"
	AuthenticatedCookie = "authenticated"
)

// CookieOptions control cookie attributes.
type CookieOptions struct {
	Domain string
	Path   string
	// Insecure drops the Secure attribute for plain-HTTP development.
	Insecure bool
	SameSite http.SameSite
	// RefreshTTL bounds the refresh cookie lifetime.
	RefreshTTL time.Duration
}

// Cookies writes and reads the credential as HTTP cookies.
type Cookies struct {
	opts CookieOptions
	now  func() time.Time
}

// NewCookies returns a cookie transport. Zero-valued options default to
// Path "/", SameSite=Lax and a seven day refresh lifetime.
func NewCookies(opts CookieOptions) *Cookies {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Cookies{opts: opts, now: time.Now}
}

// Write sets the access, refresh and authenticated cookies.
func (c *Cookies) Write(w http.ResponseWriter, cred Credential) {
	now := c.now()
	accessExp := cred.ExpiresAt
	if accessExp.IsZero() {
		accessExp = now.Add(15 * time.Minute)
	}

	http.SetCookie(w, c.cookie(AccessCookie, cred.AccessToken, accessExp, true))
	if cred.RefreshToken != "" {
		http.SetCookie(w, c.cookie(RefreshCookie, cred.RefreshToken, now.Add(c.opts.RefreshTTL), true))
	}
	// Readable by scripts so the front end can tell signed-in state apart
	// without seeing the token.
	http.SetCookie(w, c.cookie(AuthenticatedCookie, "true", now.Add(c.opts.RefreshTTL), false))
}

// Read returns the credential carried by r. Missing cookies leave fields empty.
func (c *Cookies) Read(r *http.Request) Credential {
	var cred Credential
	if ck, err := r.Cookie(AccessCookie); err == nil {
		cred.AccessToken = ck.Value
	}
	if ck, err := r.Cookie(RefreshCookie); err == nil {
		cred.RefreshToken = ck.Value
	}
	return cred
}

// Clear expires every credential cookie.
func (c *Cookies) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessCookie, RefreshCookie, AuthenticatedCookie} {
		ck := c.cookie(name, "", time.Unix(0, 0), name != AuthenticatedCookie)
		ck.MaxAge = -1
		http.SetCookie(w, ck)
	}
}

func (c *Cookies) cookie(name, value string, expires time.Time, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.opts.Path,
		Domain:   c.opts.Domain,
		Expires:  expires,
		Secure:   !c.opts.Insecure,
		HttpOnly: httpOnly,
		SameSite: c.opts.SameSite,
	}
}

// FromRequest extracts the access token: the auth_token cookie first, then
// an "Authorization: Bearer" header. It returns "" when neither is present.
func FromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ck, err := r.Cookie(AccessCookie); err == nil {
		if v := strings.TrimSpace(ck.Value); v != "" {
			return v
		}
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken parses an Authorization header value. The scheme is matched
// case-insensitively.
func BearerToken(value string) string {
	const bearer = "bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(value[len(bearer):])
}

// RefreshFromRequest returns the refresh cookie value, or "".
func RefreshFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ck, err := r.Cookie(RefreshCookie); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}

// For binds the cookie transport to one request/response pair as a [Store].
func (c *Cookies) For(w http.ResponseWriter, r *http.Request) Store {
	return &requestStore{c: c, w: w, r: r}
}

type requestStore struct {
	c *Cookies
	w http.ResponseWriter
	r *http.Request
}

func (s *requestStore) Load() (Credential, error) {
	cred := s.c.Read(s.r)
	if cred.Empty() {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *requestStore) Save(cred Credential) error {
	s.c.Write(s.w, cred)
	return nil
}

func (s *requestStore) Clear() error {
	s.c.Clear(s.w)
	return nil
}
