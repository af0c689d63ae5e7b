package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func TestVerify_RoundTrip(t *testing.T) {
	raw, err := IssueToken(secret, "42", RoleUser, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	p, err := NewVerifier(secret).Verify(raw)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if p.Subject != "42" || p.Role != RoleUser || p.IsAdmin() {
		t.Fatalf("principal = %+v", p)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := NewVerifier(secret)
	now := time.Now()

	expired, _ := IssueToken(secret, "42", RoleUser, -time.Minute, now)
	wrongKey, _ := IssueToken("other", "42", RoleAdmin, time.Hour, now)
	badRole, _ := IssueToken(secret, "42", Role("doctor"), time.Hour, now)
	noSubject, _ := IssueToken(secret, "", RoleUser, time.Hour, now)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
	}).SignedString([]byte(secret))

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(secret))

	cases := map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"bad role":   badRole,
		"no subject": noSubject,
		"no exp":     noExp,
		"hs512":      hs512,
		"garbage":    "not.a.token",
	}
	for name, raw := range cases {
		if _, err := v.Verify(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: error = %v, want ErrInvalidToken", name, err)
		}
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token error = %v", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{Subject: "admin-1", Role: RoleAdmin})
	p, ok := FromContext(ctx)
	if !ok || !p.IsAdmin() {
		t.Fatalf("FromContext = %+v, %v", p, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no principal")
	}
}
