package httpapi

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour)

	token, expiresAt, err := auth.Issue("op-7", RoleCashier)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %s", expiresAt)
	}

	actor, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.OperatorID != "op-7" || actor.Role != RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	token, _, err := NewAuthManager("other-secret", time.Hour).Issue("op-7", RoleAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewAuthManager("test-secret-key", time.Hour).ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "op-7",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewAuthManager("test-secret-key", time.Hour).ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsNoneAlgorithm(t *testing.T) {
	claims := operatorClaims{RegisteredClaims: jwtlib.RegisteredClaims{Subject: "op-7"}}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewAuthManager("test-secret-key", time.Hour).ParseToken(token); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	auth := NewAuthManager("  ", time.Hour)
	if _, _, err := auth.Issue("op-7", RoleCashier); err == nil {
		t.Fatalf("expected issue to fail without a secret")
	}
	if _, err := auth.ParseToken("anything"); err == nil {
		t.Fatalf("expected parse to fail without a secret")
	}
}

func TestMissingRoleDefaultsToCashier(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour)
	token, _, err := auth.Issue("op-7", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	actor, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.Role != RoleCashier {
		t.Fatalf("expected cashier role, got %q", actor.Role)
	}
}
