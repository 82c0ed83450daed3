package guard

import (
	"errors"
	"testing"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/role"
)

func session(r role.Role) *portalguard.Session {
	return &portalguard.Session{UserID: "u-1", Email: "u@example.org", Role: r}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name         string
		guard        Guard
		sess         *portalguard.Session
		err          error
		path         string
		wantState    State
		wantRedirect string
		wantReason   string
	}{
		{
			name:         "nil session redirects to sign-in with from",
			guard:        New(role.Admin),
			path:         "/admin/users",
			wantState:    Unauthenticated,
			wantRedirect: "/signin?from=%2Fadmin%2Fusers",
			wantReason:   "no_session",
		},
		{
			name:         "expired credential is labelled",
			guard:        New(),
			err:          portalguard.ErrCredentialExpired,
			path:         "/metadata",
			wantState:    Unauthenticated,
			wantRedirect: "/signin?from=%2Fmetadata",
			wantReason:   "expired",
		},
		{
			name:         "user not in admin-only route",
			guard:        New(role.Admin),
			sess:         session(role.User),
			path:         "/admin",
			wantState:    Unauthorized,
			wantRedirect: "/unauthorized",
			wantReason:   "role_not_allowed",
		},
		{
			name:      "admin bypasses allowed roles",
			guard:     New(role.NodeOfficer),
			sess:      session(role.Admin),
			wantState: Authorized,
		},
		{
			name: "admin bypass disabled",
			guard: func() Guard {
				g := New(role.NodeOfficer)
				g.AdminBypass = false
				return g
			}(),
			sess:         session(role.Admin),
			wantState:    Unauthorized,
			wantRedirect: "/unauthorized",
			wantReason:   "role_not_allowed",
		},
		{
			name:      "allowed role authorized",
			guard:     New(role.NodeOfficer, role.User),
			sess:      session(role.User),
			wantState: Authorized,
		},
		{
			name:      "empty allowed set admits any session",
			guard:     New(),
			sess:      session(role.Guest),
			wantState: Authorized,
		},
		{
			name: "custom return param",
			guard: func() Guard {
				g := New()
				g.SignInPath = "/auth/signin"
				g.ReturnParam = "returnUrl"
				return g
			}(),
			path:         "/officer?tab=2",
			wantState:    Unauthenticated,
			wantRedirect: "/auth/signin?returnUrl=%2Fofficer%3Ftab%3D2",
			wantReason:   "no_session",
		},
		{
			name:         "off-site return path is dropped",
			guard:        New(),
			path:         "//evil.example/phish",
			wantState:    Unauthenticated,
			wantRedirect: "/signin",
			wantReason:   "no_session",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := tt.guard.Evaluate(tt.sess, tt.err, tt.path)
			if d.State != tt.wantState {
				t.Fatalf("state = %v, want %v", d.State, tt.wantState)
			}
			if d.Redirect != tt.wantRedirect {
				t.Fatalf("redirect = %q, want %q", d.Redirect, tt.wantRedirect)
			}
			if d.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestTrackerIsTerminalAfterOneDecision(t *testing.T) {
	tr := NewTracker()
	if tr.State() != Loading {
		t.Fatalf("initial state = %v", tr.State())
	}
	if _, done := tr.Decision(); done {
		t.Fatal("loading tracker must not report a decision")
	}
	if err := tr.Apply(Decision{State: Loading}); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	if err := tr.Apply(Decision{State: Authorized}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := tr.Apply(Decision{State: Unauthenticated, Redirect: "/signin"}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if d, done := tr.Decision(); !done || d.State != Authorized {
		t.Fatalf("unexpected decision %+v", d)
	}
}
