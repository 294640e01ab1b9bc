package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"grantway.org/internal/entitlement"
)

func TestVerifierRoundTrip(t *testing.T) {
	v, err := NewVerifier("secret", "grantway")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token, err := v.Issue("user-1", "User@Example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UID != "user-1" {
		t.Fatalf("unexpected uid: %s", id.UID)
	}
	if id.Email != "user@example.com" {
		t.Fatalf("email not normalized: %s", id.Email)
	}
}

func TestVerifierRejectsBadTokens(t *testing.T) {
	v, err := NewVerifier("secret", "grantway")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token: %v", err)
	}
	if _, err := v.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token: %v", err)
	}

	// Wrong secret.
	other, _ := NewVerifier("other-secret", "grantway")
	token, _ := other.Issue("user-1", "user@example.com", time.Hour)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret accepted: %v", err)
	}

	// Wrong issuer.
	foreign, _ := NewVerifier("secret", "someone-else")
	token, _ = foreign.Issue("user-1", "user@example.com", time.Hour)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer accepted: %v", err)
	}

	// Expired.
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "grantway",
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, _ := expired.SignedString([]byte("secret"))
	if _, err := v.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}

	// Missing subject.
	anonymous := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "grantway",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, _ = anonymous.SignedString([]byte("secret"))
	if _, err := v.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("subject-less token accepted: %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", "grantway"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := Static{"user@example.com": "user-1"}

	uid, err := dir.UIDByEmail(context.Background(), " User@Example.COM ")
	if err != nil {
		t.Fatalf("UIDByEmail: %v", err)
	}
	if uid != "user-1" {
		t.Fatalf("unexpected uid: %s", uid)
	}
	if _, err := dir.UIDByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
