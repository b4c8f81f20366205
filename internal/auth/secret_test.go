package auth

import (
	"strings"
	"testing"
)

func TestVerifyPlainSecret(t *testing.T) {
	secret := NewSecret("1234")
	if !secret.Verify("1234") {
		t.Fatalf("expected matching plain secret to verify")
	}
	if secret.Verify("4321") {
		t.Fatalf("expected mismatched secret to fail")
	}
}

func TestEmptyConfiguredSecretNeverMatches(t *testing.T) {
	secret := NewSecret("   ")
	if secret.Verify("") {
		t.Fatalf("empty configured secret must not grant host authority")
	}
	if secret.Verify("anything") {
		t.Fatalf("empty configured secret must not grant host authority")
	}
}

func TestHashSecretRoundTrip(t *testing.T) {
	encoded, err := HashSecret("family-movie-night")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash encoding %q", encoded)
	}

	secret := NewSecret(encoded)
	if !secret.Verify("family-movie-night") {
		t.Fatalf("expected hashed secret to verify")
	}
	if secret.Verify("wrong") {
		t.Fatalf("expected wrong candidate to fail against hash")
	}
}

func TestHashSecretRejectsEmptyInput(t *testing.T) {
	if _, err := HashSecret("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestHashSecretSaltsAreUnique(t *testing.T) {
	first, err := HashSecret("pin")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	second, err := HashSecret("pin")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct salts to yield distinct encodings")
	}
}
