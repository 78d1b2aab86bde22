package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classbeacon/pkg/types"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestIssueAndParse(t *testing.T) {
	issuer := NewIssuer(secret, "classbeacon", time.Hour)

	token, err := issuer.Issue("teacher-1", types.RoleTeacher)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	id, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if id.UserID != "teacher-1" || id.Role != types.RoleTeacher {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestIssue_RejectsUnknownRole(t *testing.T) {
	issuer := NewIssuer(secret, "classbeacon", time.Hour)
	if _, err := issuer.Issue("u1", "admin"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestParse_Rejections(t *testing.T) {
	issuer := NewIssuer(secret, "classbeacon", time.Hour)
	good, _ := issuer.Issue("s1", types.RoleStudent)

	expiredIssuer := NewIssuer(secret, "classbeacon", time.Hour)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredIssuer.Issue("s1", types.RoleStudent)

	otherSecret, _ := NewIssuer("ffffffffffffffffffffffffffffffff", "classbeacon", time.Hour).Issue("s1", types.RoleStudent)
	otherIssuer, _ := NewIssuer(secret, "someone-else", time.Hour).Issue("s1", types.RoleStudent)

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             types.RoleTeacher,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "s1", Issuer: "classbeacon", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"tampered":     good + "x",
		"expired":      expired,
		"wrong secret": otherSecret,
		"wrong issuer": otherIssuer,
		"alg none":     unsigned,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := issuer.Parse(token); err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if _, err := BearerToken(r); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}

	r.Header.Set("Authorization", "Basic abc")
	if _, err := BearerToken(r); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken for basic auth, got %v", err)
	}

	r.Header.Set("Authorization", "bearer tok123")
	tok, err := BearerToken(r)
	if err != nil || tok != "tok123" {
		t.Errorf("expected tok123, got %q err=%v", tok, err)
	}
}
