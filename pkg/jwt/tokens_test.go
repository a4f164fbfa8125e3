package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("user-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Owner() != "user-1" {
		t.Fatalf("expected owner user-1, got %q", claims.Owner())
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("user-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected signature validation error")
	}
}

func TestParseAcceptsProviderSubject(t *testing.T) {
	claims := jwtlib.RegisteredClaims{
		Subject:   "provider-user",
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parsed, err := Parse(signed, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Owner() != "provider-user" {
		t.Fatalf("expected provider-user, got %q", parsed.Owner())
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := GenerateToken("user-1", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := Parse(token, "secret"); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
