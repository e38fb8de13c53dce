package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/paracord-chat/paracord/internal/snowflake"
)

var secret = []byte("test-secret-do-not-use")

func TestPasswordRoundTrip(t *testing.T) {
	digest, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("correct horse battery staple", digest) {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword("wrong password", digest) {
		t.Fatal("wrong password accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	userID := snowflake.ID(1234567890)
	token, err := CreateToken(userID, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ValidateToken(token, secret)
	if err != nil {
		t.Fatal(err)
	}
	if got != userID {
		t.Fatalf("subject = %d, want %d", got, userID)
	}
}

func TestExpiredToken(t *testing.T) {
	token, err := CreateToken(1, secret, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(token, secret); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestWrongSecret(t *testing.T) {
	token, err := CreateToken(1, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(token, []byte("other-secret")); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestGarbageToken(t *testing.T) {
	if _, err := ValidateToken("not.a.token", secret); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestIssuer(t *testing.T) {
	issuer := NewTokenIssuer("issuer-secret", time.Minute)
	token, err := issuer.Create(42)
	if err != nil {
		t.Fatal(err)
	}
	got, err := issuer.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("subject = %d, want 42", got)
	}
}
