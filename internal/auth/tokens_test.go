package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/akademo-labs/playguard/internal/viewer"
)

var (
	testSecret = []byte("unit-test-signing-secret")
	testNow    = time.Unix(1700000600, 0).UTC()
)

func fixedClock() time.Time { return testNow }

func newTestIssuer(t *testing.T, issuer string) *TokenIssuer {
	t.Helper()
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: testSecret,
		Issuer:        issuer,
		Audience:      "playguard",
		Clock:         fixedClock,
	})
}

func newTestValidator(t *testing.T, issuer string) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: testSecret,
		Issuer:        issuer,
		Clock:         fixedClock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t, "playguard-auth")
	validator := newTestValidator(t, "playguard-auth")

	token, err := issuer.IssueToken(viewer.Claims{
		Subject:     "viewer-42",
		Role:        viewer.RoleStudent,
		DisplayName: "Jamie Rivera",
		Email:       "jamie@example.edu",
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.Subject != "viewer-42" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	identity := claims.Viewer()
	if identity.Role != viewer.RoleStudent {
		t.Fatalf("unexpected role %q", identity.Role)
	}
	if identity.DisplayName != "Jamie Rivera" || identity.Email != "jamie@example.edu" {
		t.Fatalf("unexpected display fields %q %q", identity.DisplayName, identity.Email)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: testSecret,
		Issuer:        "playguard-auth",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return testNow.Add(-2 * time.Minute) },
	})
	validator := newTestValidator(t, "playguard-auth")

	token, err := issuer.IssueToken(viewer.Claims{Subject: "viewer-42", Role: viewer.RoleStudent})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	issuer := newTestIssuer(t, "some-other-service")
	validator := newTestValidator(t, "playguard-auth")

	token, err := issuer.IssueToken(viewer.Claims{Subject: "viewer-42", Role: viewer.RoleStudent})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("a-different-secret"),
		Issuer:        "playguard-auth",
		Clock:         fixedClock,
	})
	validator := newTestValidator(t, "playguard-auth")

	token, err := issuer.IssueToken(viewer.Claims{Subject: "viewer-42", Role: viewer.RoleStudent})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateTokenRejectsEmpty(t *testing.T) {
	validator := newTestValidator(t, "playguard-auth")

	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(t, "playguard-auth")

	if _, err := issuer.IssueToken(viewer.Claims{Role: viewer.RoleStudent}); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestNewTokenValidatorRequiresSecret(t *testing.T) {
	if _, err := NewTokenValidator(TokenValidatorConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}
