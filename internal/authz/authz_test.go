package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/golang-jwt/jwt/v5"
)

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, _ := SubjectFrom(r.Context())
		_, _ = w.Write([]byte(sub))
	})
}

func call(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHMACValidator(t *testing.T) {
	v := NewHMACValidator("s3cret", "ops", nil)
	h := v.Middleware(echoSubject())

	good, err := v.Sign("operator", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	otherIssuer, _ := NewHMACValidator("s3cret", "elsewhere", nil).Sign("operator", time.Minute)
	wrongKey, _ := NewHMACValidator("other", "ops", nil).Sign("operator", time.Minute)
	expired, _ := v.Sign("operator", -time.Minute)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "ops"}).SignedString([]byte("s3cret"))

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"valid", good, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"issuer", otherIssuer, http.StatusUnauthorized},
		{"signature", wrongKey, http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"no subject", noSubject, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(h, tt.token)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			if tt.code == http.StatusOK && rec.Body.String() != "operator" {
				t.Fatalf("subject = %q", rec.Body.String())
			}
		})
	}
}

func TestHMACRejectsOtherAlgorithms(t *testing.T) {
	v := NewHMACValidator("s3cret", "", nil)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if rec := call(v.Middleware(echoSubject()), tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJWTValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	b64 := base64.RawURLEncoding.EncodeToString
	jwks := map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": "k1",
		"alg": "RS256",
		"use": "sig",
		"n":   b64(key.N.Bytes()),
		"e":   b64(big.NewInt(int64(key.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	v, err := NewJWTValidator(srv.URL, "https://issuer.test", nil)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	defer v.Close()
	h := v.Middleware(echoSubject())

	sign := func(claims jwtv4.MapClaims) string {
		tok := jwtv4.NewWithClaims(jwtv4.SigningMethodRS256, claims)
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	exp := time.Now().Add(time.Minute).Unix()

	rec := call(h, sign(jwtv4.MapClaims{"sub": "svc-a", "iss": "https://issuer.test", "exp": exp}))
	if rec.Code != http.StatusOK || rec.Body.String() != "svc-a" {
		t.Fatalf("valid token: %d %q", rec.Code, rec.Body.String())
	}
	rec = call(h, sign(jwtv4.MapClaims{"sub": "svc-a", "iss": "https://other.test", "exp": exp}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("issuer mismatch status = %d", rec.Code)
	}
	rec = call(h, sign(jwtv4.MapClaims{"iss": "https://issuer.test", "exp": exp}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing subject status = %d", rec.Code)
	}
	if rec = call(h, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer status = %d", rec.Code)
	}
}
