package authz

import (
	"log/slog"
	"net/http"
	"time"

	"e2ee-sessions/internal/observability/logging"
	"e2ee-sessions/internal/observability/metrics"
	obsmw "e2ee-sessions/internal/observability/middleware"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

type JWTValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
	log    *slog.Logger
}

func NewJWTValidator(jwksURL, issuer string, log *slog.Logger) (*JWTValidator, error) {
	log = logging.Or(log)
	options := keyfunc.Options{
		RefreshInterval:   15 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Warn("jwks refresh failed", "url", jwksURL, "error", err)
		},
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{jwks: jwks, issuer: issuer, log: log}, nil
}

// Close stops the background key refresh.
func (j *JWTValidator) Close() { j.jwks.EndBackground() }

func (j *JWTValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := "success"
		defer func() { metrics.AuthenticationAttemptsTotal.WithLabelValues("jwks", result).Inc() }()
		log := j.log.With("request_id", obsmw.RequestIDFromContext(r.Context()), "trace_id", obsmw.TraceIDFromContext(r.Context()))

		tokStr, err := bearer(r)
		if err != nil {
			result = "failure"
			http.Error(w, err.Error(), http.StatusUnauthorized)
			log.Warn("jwks missing bearer")
			return
		}

		token, err := jwt.Parse(tokStr, j.jwks.Keyfunc)
		if err != nil || !token.Valid {
			result = "failure"
			http.Error(w, "invalid token", http.StatusUnauthorized)
			log.Warn("jwks invalid token", "error", err)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			result = "failure"
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}
		iss, _ := claims["iss"].(string)
		sub, _ := claims["sub"].(string)
		if err := checkClaims(iss, sub, j.issuer); err != nil {
			result = "failure"
			http.Error(w, err.Error(), http.StatusUnauthorized)
			log.Warn("jwks rejected claims", "error", err, "issuer", iss)
			return
		}

		log.Debug("auth passed", "method", "jwks", "subject", sub)
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), sub)))
	})
}
