package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func newHSManager(t *testing.T, now func() time.Time) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "portal",
		Now:           now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestIssueParseRoundTrip(t *testing.T) {
	m := newHSManager(t, nil)

	token, exp, err := m.Issue("u-1", "a@example.org", "NODE_OFFICER", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 || time.Until(exp) > time.Minute {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.SubjectID() != "u-1" || claims.UserID != "u-1" {
		t.Fatalf("unexpected subject %q / %q", claims.Subject, claims.UserID)
	}
	if claims.Email != "a@example.org" || claims.Role != "NODE_OFFICER" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ID == "" {
		t.Fatal("expected jti to be set")
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	m := newHSManager(t, nil)
	if _, _, err := m.Issue("  ", "", "USER", 0); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestParseExpiredReturnsErrExpired(t *testing.T) {
	issuedAt := time.Now().Add(-time.Hour)
	issuer := newHSManager(t, func() time.Time { return issuedAt })
	token, _, err := issuer.Issue("u-1", "", "USER", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verifier := newHSManager(t, nil)
	if _, err := verifier.Parse(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestInspectDecodesExpiredButVerifiesSignature(t *testing.T) {
	issuedAt := time.Now().Add(-time.Hour)
	issuer := newHSManager(t, func() time.Time { return issuedAt })
	token, _, err := issuer.Issue("u-9", "b@example.org", 0, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verifier := newHSManager(t, nil)
	claims, expired, err := verifier.Inspect(token)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !expired {
		t.Fatal("expected expired flag")
	}
	if claims.SubjectID() != "u-9" {
		t.Fatalf("unexpected subject %q", claims.SubjectID())
	}
	if code, ok := claims.Role.(float64); !ok || code != 0 {
		t.Fatalf("expected numeric role claim, got %#v", claims.Role)
	}

	other, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("ffffffffffffffffffffffffffffffff"),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, _, err := other.Inspect(token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestSubjectFallsBackToUserID(t *testing.T) {
	m := newHSManager(t, nil)
	legacy := Claims{UserID: "legacy-7", RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "portal",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, legacy)
	signed, err := tok.SignedString([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := m.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.SubjectID() != "legacy-7" {
		t.Fatalf("expected userId fallback, got %q", claims.SubjectID())
	}
}

func TestParseRequiresExpiry(t *testing.T) {
	m := newHSManager(t, nil)
	forever := Claims{UserID: "u-9", RegisteredClaims: gjwt.RegisteredClaims{
		Subject: "u-9",
		Issuer:  "portal",
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, forever)
	signed, err := tok.SignedString([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Parse(signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected token without exp to be rejected, got %v", err)
	}
	if _, expired, err := m.Inspect(signed); err != nil || expired {
		t.Fatalf("Inspect should still decode it: expired=%v err=%v", expired, err)
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := Claims{UserID: "u", RegisteredClaims: gjwt.RegisteredClaims{ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute))}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	token, err := tok.SignedString([]byte("secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.Parse(token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected wrong algorithm to be rejected, got %v", err)
	}
	if _, _, err := m.Inspect(token); err == nil {
		t.Fatal("expected Inspect to reject wrong algorithm")
	}
}

func TestParseRejectsNoneAlgorithm(t *testing.T) {
	m := newHSManager(t, nil)
	claims := Claims{UserID: "u", RegisteredClaims: gjwt.RegisteredClaims{ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute))}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodNone, claims)
	unsigned, err := tok.SignedString(gjwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := m.Parse(unsigned); err == nil {
		t.Fatal("expected alg=none to be rejected")
	}
	if _, _, err := m.Inspect(unsigned); err == nil {
		t.Fatal("expected Inspect to reject alg=none")
	}
}

func TestParseIssuerAudienceAndLeeway(t *testing.T) {
	_, priv := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
		Issuer:        "portal",
		Audience:      "api",
		Leeway:        30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	access, _, err := m.Issue("u", "", "USER", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Parse(access); err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}

	sign := func(c Claims) string {
		tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, c)
		s, err := tok.SignedString(priv)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	wrongIssuer := sign(Claims{UserID: "u", RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "other",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})
	if _, err := m.Parse(wrongIssuer); err == nil {
		t.Fatal("expected wrong issuer to fail")
	}

	wrongAudience := sign(Claims{UserID: "u", RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "portal",
		Audience:  gjwt.ClaimStrings{"other-api"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})
	if _, err := m.Parse(wrongAudience); err == nil {
		t.Fatal("expected wrong audience to fail")
	}

	withinLeeway := sign(Claims{UserID: "u", RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "portal",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(-15 * time.Second)),
	}})
	if _, err := m.Parse(withinLeeway); err != nil {
		t.Fatalf("expected token within leeway to pass: %v", err)
	}

	expired := sign(Claims{UserID: "u", RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "portal",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
	}})
	if _, err := m.Parse(expired); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestParseUnknownKidFails(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	pub2, _ := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		PublicKey:     pub1,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub1},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := Claims{UserID: "u", RegisteredClaims: gjwt.RegisteredClaims{ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute))}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k2"
	token, err := tok.SignedString(priv1)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.Parse(token); err == nil {
		t.Fatal("expected unknown kid failure")
	}

	good, _, err := m.Issue("u", "", "USER", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Parse(good); err != nil {
		t.Fatalf("expected known kid token to pass: %v", err)
	}

	m2, _ := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub2, VerifyKeys: map[string][]byte{"k2": pub2}})
	if _, err := m2.Parse(good); err == nil {
		t.Fatal("expected parse failure with mismatched key set")
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{AccessTTL: 0, SigningMethod: MethodHS256, PrivateKey: make([]byte, 32)},
		{AccessTTL: time.Minute, SigningMethod: MethodHS256},
		{AccessTTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: []byte("short")},
		{AccessTTL: time.Minute, SigningMethod: MethodEd25519},
		{AccessTTL: time.Minute, SigningMethod: "rs256", PrivateKey: make([]byte, 32)},
		{AccessTTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: make([]byte, 32), Leeway: time.Hour},
	}
	for i, cfg := range cases {
		if _, err := NewManager(cfg); err == nil {
			t.Fatalf("case %d: expected config error", i)
		}
	}
}

func TestVerifyOnlyManagerCannotIssue(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, _, err := m.Issue("u", "", "USER", 0); err == nil {
		t.Fatal("expected verify-only manager to refuse issuance")
	}
}
