package security

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, salt, err := HashPassword("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("correct-horse-battery-staple", salt, hash) {
		t.Fatal("expected correct password to verify")
	}
	if VerifyPassword("wrong-password", salt, hash) {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	hash1, salt1, _ := HashPassword("same-password")
	hash2, salt2, _ := HashPassword("same-password")
	if salt1 == salt2 {
		t.Fatal("expected distinct random salts")
	}
	if hash1 == hash2 {
		t.Fatal("expected distinct hashes due to distinct salts")
	}
}

func TestNewSessionTokenFormat(t *testing.T) {
	tok, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken: %v", err)
	}
	if len(tok) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%s)", len(tok), tok)
	}
	tok2, _ := NewSessionToken()
	if tok == tok2 {
		t.Fatal("expected distinct tokens")
	}
}
