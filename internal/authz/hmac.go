package authz

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"e2ee-sessions/internal/observability/logging"
	"e2ee-sessions/internal/observability/metrics"
	obsmw "e2ee-sessions/internal/observability/middleware"

	"github.com/golang-jwt/jwt/v5"
)

type HMACValidator struct {
	secret []byte
	issuer string
	log    *slog.Logger
}

func NewHMACValidator(secret, issuer string, log *slog.Logger) *HMACValidator {
	return &HMACValidator{
		secret: []byte(secret),
		issuer: issuer,
		log:    logging.Or(log),
	}
}

// Sign issues an HS256 token for sub. Operators use it from the CLI.
func (h *HMACValidator) Sign(sub string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if h.issuer != "" {
		claims.Issuer = h.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

func (h *HMACValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := "success"
		defer func() { metrics.AuthenticationAttemptsTotal.WithLabelValues("hmac", result).Inc() }()
		log := h.log.With("request_id", obsmw.RequestIDFromContext(r.Context()), "trace_id", obsmw.TraceIDFromContext(r.Context()))

		tokStr, err := bearer(r)
		if err != nil {
			result = "failure"
			http.Error(w, err.Error(), http.StatusUnauthorized)
			log.Warn("auth missing bearer")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokStr, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return h.secret, nil
		})
		if err != nil || !token.Valid {
			result = "failure"
			http.Error(w, "invalid token", http.StatusUnauthorized)
			log.Warn("auth invalid token", "error", err)
			return
		}
		if err := checkClaims(claims.Issuer, claims.Subject, h.issuer); err != nil {
			result = "failure"
			http.Error(w, err.Error(), http.StatusUnauthorized)
			log.Warn("auth rejected claims", "error", err, "issuer", claims.Issuer)
			return
		}

		log.Debug("auth passed", "method", "hmac", "subject", claims.Subject)
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
	})
}
