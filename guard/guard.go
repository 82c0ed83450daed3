// Package guard decides whether a resolved session may enter a route.
//
// A guard evaluation starts in [Loading] and moves exactly once to one of the
// terminal states. Redirect targets are computed here; the HTTP adapters in
// the middleware package only carry them out.
package guard

import (
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/role"
)

// State is a guard evaluation state.
type State uint8

const (
	// Loading means the session has not been resolved yet.
	Loading State = iota
	// Unauthenticated means no session could be resolved.
	Unauthenticated
	// Unauthorized means a session exists but its role is not allowed.
	Unauthorized
	// Authorized means the guarded content may be served.
	Authorized
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Unauthenticated:
		return "unauthenticated"
	case Unauthorized:
		return "unauthorized"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends an evaluation.
func (s State) Terminal() bool {
	return s == Unauthenticated || s == Unauthorized || s == Authorized
}

// Default redirect configuration.
const (
	DefaultSignInPath       = "/signin"
	DefaultUnauthorizedPath = "/unauthorized"
	DefaultReturnParam      = "from"
)

// Guard is the per-route policy.
type Guard struct {
	// AllowedRoles restricts entry. Empty means any authenticated session.
	AllowedRoles role.Set
	// AdminBypass lets ADMIN sessions through regardless of AllowedRoles.
	AdminBypass bool

	SignInPath       string
	UnauthorizedPath string
	// ReturnParam names the query parameter carrying the original path to the
	// sign-in page, typically "from" or "returnUrl".
	ReturnParam string
}

// New returns a Guard restricted to allowed, with admin bypass enabled and
// the default redirect paths.
func New(allowed ...role.Role) Guard {
	return Guard{
		AllowedRoles:     role.NewSet(allowed...),
		AdminBypass:      true,
		SignInPath:       DefaultSignInPath,
		UnauthorizedPath: DefaultUnauthorizedPath,
		ReturnParam:      DefaultReturnParam,
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	State    State
	Redirect string
	// Reason is a short machine-readable cause, empty when authorized.
	Reason string
}

// Evaluate maps a resolution outcome onto a terminal decision. resolveErr is
// only used to label the reason; a nil session is always unauthenticated.
func (g Guard) Evaluate(sess *portalguard.Session, resolveErr error, originalPath string) Decision {
	if sess == nil {
		reason := "no_session"
		switch {
		case errors.Is(resolveErr, portalguard.ErrCredentialExpired):
			reason = "expired"
		case errors.Is(resolveErr, portalguard.ErrMalformedCredential):
			reason = "malformed"
		case errors.Is(resolveErr, portalguard.ErrMissingSubject):
			reason = "missing_subject"
		}
		return Decision{
			State:    Unauthenticated,
			Redirect: g.signInURL(originalPath),
			Reason:   reason,
		}
	}

	if g.AdminBypass && sess.Role == role.Admin {
		return Decision{State: Authorized}
	}

	if !g.AllowedRoles.Empty() && !g.AllowedRoles.Contains(sess.Role) {
		return Decision{
			State:    Unauthorized,
			Redirect: orDefault(g.UnauthorizedPath, DefaultUnauthorizedPath),
			Reason:   "role_not_allowed",
		}
	}

	return Decision{State: Authorized}
}

func (g Guard) signInURL(originalPath string) string {
	target := orDefault(g.SignInPath, DefaultSignInPath)
	from := localPath(originalPath)
	if from == "" {
		return target
	}
	q := url.Values{}
	q.Set(orDefault(g.ReturnParam, DefaultReturnParam), from)
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + q.Encode()
}

// localPath keeps p only when it is a same-origin absolute path, so the
// return parameter can never point off-site.
func localPath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return ""
	}
	return p
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// ErrTerminal is returned when a transition is applied to a finished evaluation.
var ErrTerminal = errors.New("guard: evaluation already in a terminal state")

// ErrNotTerminal is returned when a decision would move back to Loading.
var ErrNotTerminal = errors.New("guard: decision is not terminal")

// Tracker records the state of one navigation. It starts in [Loading] and
// accepts exactly one terminal decision.
type Tracker struct {
	mu       sync.Mutex
	state    State
	decision Decision
}

// NewTracker returns a Tracker in [Loading].
func NewTracker() *Tracker {
	return &Tracker{state: Loading}
}

// Apply moves the tracker to d.State.
func (t *Tracker) Apply(d Decision) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return ErrTerminal
	}
	if !d.State.Terminal() {
		return ErrNotTerminal
	}
	t.state = d.State
	t.decision = d
	return nil
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Decision returns the applied decision, or false while still loading.
func (t *Tracker) Decision() (Decision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decision, t.state.Terminal()
}
