package store

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-0123456789abcdef"

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s := newHSStore(t, testSecret, nil, JWTOptions{})

	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q", ok, userID)
	}
}

func TestJWTSessionStoreRejectsShortSecret(t *testing.T) {
	if _, err := NewJWTSessionStore("short", time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestJWTSessionStoreRejectsForeignSecret(t *testing.T) {
	signing := newHSStore(t, testSecret, nil, JWTOptions{})
	verify := newHSStore(t, "another-secret-0123456789", nil, JWTOptions{})

	token, err := signing.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newHSStore(t, testSecret, nil, JWTOptions{
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   time.Second,
	})
	verify := newHSStore(t, testSecret, nil, JWTOptions{
		Issuer:   "issuer-a",
		Audience: "aud-b",
		Leeway:   time.Second,
	})

	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	revoker := NewMemoryTokenRevoker()
	s := newHSStore(t, testSecret, revoker, JWTOptions{})

	token, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRevokesByUserCutoff(t *testing.T) {
	revoker := NewMemoryTokenRevoker()
	s := newHSStore(t, testSecret, revoker, JWTOptions{})

	token, err := s.NewSession("user-cutoff")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RevokeUserSessions("user-cutoff", time.Now().UTC()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected user-revoked token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRejectsFutureIssuedAt(t *testing.T) {
	s := newHSStore(t, testSecret, nil, JWTOptions{
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   time.Second,
	})
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-future",
		Issuer:    "issuer-a",
		Audience:  jwt.ClaimStrings{"aud-a"},
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
		NotBefore: jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		ID:        "jti-future",
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestJWTSessionStoreRequiresJTIClaim(t *testing.T) {
	s := newHSStore(t, testSecret, nil, JWTOptions{})
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-missing-jti",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		NotBefore: jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(5 * time.Minute)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(signed); err == nil {
		t.Fatalf("expected missing jti token to fail")
	}
}

func TestJWTSessionStoreRejectsNoneAlgorithm(t *testing.T) {
	s := newHSStore(t, testSecret, nil, JWTOptions{})
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-none",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(5 * time.Minute)),
		ID:        "jti-none",
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(signed); err == nil {
		t.Fatalf("expected none-alg token to fail")
	}
}

func newHSStore(t *testing.T, secret string, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(secret, time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new jwt store: %v", err)
	}
	return s
}
