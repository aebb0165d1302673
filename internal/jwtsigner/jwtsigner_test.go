package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignVerifies(t *testing.T) {
	s, err := NewFromBase64("", "kid-1", "sessiond")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	tok, err := s.Sign("5511900000000@s.whatsapp.net", time.Minute, map[string]any{"scope": "usync"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parsed, err := jwt.Parse(tok, func(token *jwt.Token) (any, error) {
		if token.Header["kid"] != "kid-1" {
			t.Fatalf("missing kid header")
		}
		return s.PublicKey(), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("verify: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != "5511900000000@s.whatsapp.net" || claims["iss"] != "sessiond" || claims["scope"] != "usync" {
		t.Fatalf("unexpected claims: %v", claims)
	}
}

func TestNewFromBase64(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s, err := NewFromBase64(base64.StdEncoding.EncodeToString(priv), "kid", "iss")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if !s.PublicKey().Equal(priv.Public()) {
		t.Fatalf("public key mismatch")
	}
	if jwk := s.PublicJWK(); jwk["crv"] != "Ed25519" || jwk["kid"] != "kid" {
		t.Fatalf("unexpected jwk: %v", jwk)
	}

	_, err = NewFromBase64(base64.StdEncoding.EncodeToString([]byte("short")), "kid", "iss")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestBearerCachesUntilRefreshMargin(t *testing.T) {
	s, err := NewFromBase64("", "kid", "iss")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	first, err := s.Bearer("me", time.Minute)
	if err != nil {
		t.Fatalf("bearer: %v", err)
	}
	now = now.Add(10 * time.Second)
	second, err := s.Bearer("me", time.Minute)
	if err != nil {
		t.Fatalf("bearer: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token")
	}
	now = now.Add(25 * time.Second)
	third, err := s.Bearer("me", time.Minute)
	if err != nil {
		t.Fatalf("bearer: %v", err)
	}
	if third == first {
		t.Fatalf("expected a fresh token inside the refresh margin")
	}
}
