package secrets

import "testing"

func TestNewAppTokenUnique(t *testing.T) {
	a, err := NewAppToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	b, err := NewAppToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens, got two equal to %q", a)
	}
	if len(a) < 32 {
		t.Fatalf("token too short: %q", a)
	}
}

func TestHashAndVerifyToken(t *testing.T) {
	tok, err := NewAppToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	hash, err := HashToken(tok)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	if hash == tok {
		t.Fatalf("hash must not equal cleartext token")
	}
	if !VerifyToken(tok, hash) {
		t.Fatalf("expected verification to succeed")
	}
	if VerifyToken("wrong-token", hash) {
		t.Fatalf("expected verification to fail for wrong token")
	}
}

func TestHashTokenSaltedDifferently(t *testing.T) {
	tok := "same-input-token"
	h1, err := HashToken(tok)
	if err != nil {
		t.Fatalf("hash 1: %v", err)
	}
	h2, err := HashToken(tok)
	if err != nil {
		t.Fatalf("hash 2: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected distinct salts to produce distinct encodings")
	}
	if !VerifyToken(tok, h1) || !VerifyToken(tok, h2) {
		t.Fatalf("both encodings must verify the same cleartext")
	}
}

func TestVerifyTokenRejectsMalformedEncoding(t *testing.T) {
	if VerifyToken("anything", "not-an-argon2-encoding") {
		t.Fatalf("expected malformed encoding to fail verification")
	}
}
