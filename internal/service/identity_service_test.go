package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIdentityService_IssueVerify(t *testing.T) {
	svc := NewIdentityService("secret", "", time.Minute)

	token, err := svc.Issue(" u1 ")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !id.IsAuthenticated() || id.UserID != "u1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestIdentityService_Rejections(t *testing.T) {
	svc := NewIdentityService("secret", "chat-sync", time.Minute)

	if _, err := svc.Verify(""); !errors.Is(err, ErrIdentityInvalid) {
		t.Fatalf("expected invalid for empty token, got %v", err)
	}

	other := NewIdentityService("other", "chat-sync", time.Minute)
	token, _ := other.Issue("u1")
	if _, err := svc.Verify(token); !errors.Is(err, ErrIdentityInvalid) {
		t.Fatalf("expected invalid for foreign signature, got %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, IdentityClaims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chat-sync",
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(signed); !errors.Is(err, ErrIdentityExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	if _, err := svc.Issue("  "); !errors.Is(err, ErrIdentityInvalid) {
		t.Fatalf("expected invalid for blank user, got %v", err)
	}
}
