package auth

import (
	"errors"
	"strings"
	"testing"
)

// cheap parameters keep the tests fast
var testParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}

func TestPasswordHasher_RoundTrip(t *testing.T) {
	h := NewPasswordHasher(testParams)
	encoded, err := h.Hash("password123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Errorf("unexpected encoding %q", encoded)
	}

	ok, err := h.Verify("password123", encoded)
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}
	ok, err = h.Verify("Password123", encoded)
	if err != nil || ok {
		t.Fatalf("Verify(wrong) = %v, %v", ok, err)
	}
}

func TestPasswordHasher_SaltsEachHash(t *testing.T) {
	h := NewPasswordHasher(testParams)
	a, _ := h.Hash("password123")
	b, _ := h.Hash("password123")
	if a == b {
		t.Error("expected distinct hashes for the same secret")
	}
}

func TestPasswordHasher_VerifyUsesEncodedParams(t *testing.T) {
	encoded, _ := NewPasswordHasher(testParams).Hash("s3cret-pass")
	other := NewPasswordHasher(Argon2Params{Memory: 2048, Iterations: 2, Parallelism: 1})
	ok, err := other.Verify("s3cret-pass", encoded)
	if err != nil || !ok {
		t.Fatalf("expected verify with stored params to succeed, got %v, %v", ok, err)
	}
}

func TestPasswordHasher_InvalidHash(t *testing.T) {
	h := NewPasswordHasher(testParams)
	tests := []string{
		"",
		"password123",
		"$bcrypt$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaA",
	}
	for _, encoded := range tests {
		ok, err := h.Verify("password123", encoded)
		if ok || !errors.Is(err, ErrInvalidHash) {
			t.Errorf("Verify(%q) = %v, %v; want false, ErrInvalidHash", encoded, ok, err)
		}
	}
}

func TestNewPasswordHasher_Defaults(t *testing.T) {
	h := NewPasswordHasher(Argon2Params{})
	if h.params != DefaultArgon2Params() {
		t.Errorf("expected defaults, got %+v", h.params)
	}
}
