package auth

import (
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Setenv("API_SHARED_SECRET", "test-secret")

	raw, err := SignToken("user-123", time.Minute)
	if err != nil {
		t.Fatalf("couldn't sign token: %v", err)
	}

	claims, err := ParseToken(raw)
	if err != nil {
		t.Fatalf("couldn't parse token: %v", err)
	}
	if claims.UserID != "user-123" {
		t.Errorf("expected user_id claim user-123, got %q", claims.UserID)
	}
	if err := Verify(claims); err != nil {
		t.Errorf("expected claims to verify, got: %v", err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	t.Setenv("API_SHARED_SECRET", "test-secret")

	raw, err := SignToken("user-123", -time.Minute)
	if err != nil {
		t.Fatalf("couldn't sign token: %v", err)
	}

	if _, err := ParseToken(raw); err == nil {
		t.Error("expected an expired token to be rejected")
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	t.Setenv("API_SHARED_SECRET", "test-secret")
	raw, err := SignToken("user-123", time.Minute)
	if err != nil {
		t.Fatalf("couldn't sign token: %v", err)
	}

	t.Setenv("API_SHARED_SECRET", "a-different-secret")
	if _, err := ParseToken(raw); err == nil {
		t.Error("expected a token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	t.Setenv("API_SHARED_SECRET", "test-secret")
	if _, err := ParseToken("not-a-jwt"); err == nil || !strings.Contains(err.Error(), "couldn't parse") {
		t.Errorf("expected a parse error for garbage input, got: %v", err)
	}
}
