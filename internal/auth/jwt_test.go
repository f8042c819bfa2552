package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	tokens, err := NewTokens("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	signed, err := tokens.Issue("user-1", "a@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@x.com" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, _ := NewTokens("secret-a", time.Hour)
	b, _ := NewTokens("secret-b", time.Hour)

	signed, _ := a.Issue("user-1", "a@x.com")
	if _, err := b.Verify(signed); err == nil {
		t.Fatal("Verify accepted a token signed with a different secret")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	tokens, _ := NewTokens("test-secret", time.Hour)

	now := time.Now().Add(-2 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		Email: "a@x.com",
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))

	if _, err := tokens.Verify(signed); err == nil {
		t.Fatal("Verify accepted an expired token")
	}
}

func TestVerifyRejectsMissingSubjectOrEmail(t *testing.T) {
	tokens, _ := NewTokens("test-secret", time.Hour)

	mint := func(sub, email string) string {
		now := time.Now()
		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   sub,
				Issuer:    Issuer,
				Audience:  jwt.ClaimStrings{Audience},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Email: email,
		}
		signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		return signed
	}

	if _, err := tokens.Verify(mint("", "a@x.com")); err == nil {
		t.Error("Verify accepted a token without subject")
	}
	if _, err := tokens.Verify(mint("user-1", "")); err == nil {
		t.Error("Verify accepted a token without email")
	}
}

func TestVerifyRejectsWrongIssuerAudience(t *testing.T) {
	tokens, _ := NewTokens("test-secret", time.Hour)

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email: "a@x.com",
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if _, err := tokens.Verify(signed); err == nil {
		t.Fatal("Verify accepted a token with the wrong issuer")
	}
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	tokens, _ := NewTokens("test-secret", time.Hour)

	// An unsigned token must never verify regardless of claims.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1", "email": "a@x.com", "iss": Issuer, "aud": Audience,
	})
	signed, _ := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)

	if _, err := tokens.Verify(signed); err == nil {
		t.Fatal("Verify accepted an unsigned token")
	}
	if !strings.Contains(signed, ".") {
		t.Fatal("test token malformed")
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("Password123!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "Password123!") {
		t.Error("CheckPassword rejected the correct password")
	}
	if CheckPassword(hash, "password123!") {
		t.Error("CheckPassword accepted the wrong password")
	}
}

func TestHashPasswordTooShort(t *testing.T) {
	if _, err := HashPassword("short"); err == nil {
		t.Fatal("HashPassword accepted a 5-character password")
	}
}
