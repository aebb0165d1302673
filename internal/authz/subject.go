// Package authz guards the operations API with bearer tokens, either HS256
// with a shared secret or RS/ES/EdDSA verified against a JWKS endpoint.
package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer  = errors.New("missing bearer token")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrNoSubject      = errors.New("no subject")
)

type subjectKey struct{}

func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey{}, sub)
}

func SubjectFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey{}).(string)
	return v, ok && v != ""
}

func bearer(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return "", ErrMissingBearer
	}
	tok := strings.TrimSpace(raw[len("Bearer "):])
	if tok == "" {
		return "", ErrMissingBearer
	}
	return tok, nil
}

// checkClaims applies the issuer and subject rules shared by both
// validators. An empty expected issuer accepts any.
func checkClaims(iss, sub, issuer string) error {
	if issuer != "" && iss != issuer {
		return ErrIssuerMismatch
	}
	if sub == "" {
		return ErrNoSubject
	}
	return nil
}
