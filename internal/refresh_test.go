package internal

import "testing"

func TestRefreshTokenRoundTrip(t *testing.T) {
	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	secret, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	token, err := EncodeRefreshToken(sid.String(), secret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	gotSID, gotSecret, err := DecodeRefreshToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotSID != sid.String() || gotSecret != secret {
		t.Fatal("round trip mismatch")
	}
	if HashRefreshSecret(secret) == HashRefreshSecret([32]byte{}) {
		t.Fatal("hash must depend on the secret")
	}
}

func TestEncodeRefreshTokenRejectsBadSessionID(t *testing.T) {
	if _, err := EncodeRefreshToken("not-base64!", [32]byte{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ParseSessionID("AAAA"); err == nil {
		t.Fatal("expected size error")
	}
}
