package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidKey = errors.New("invalid ed25519 private key")

// Signer issues short-lived EdDSA tokens that authenticate this device to
// the directory service.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
	Issuer  string

	mu      sync.Mutex
	cached  map[string]cachedToken
	now     func() time.Time
	refresh time.Duration
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// NewFromBase64 creates a signer from base64 ed25519 private key bytes. An
// empty key generates an ephemeral one.
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, gen, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		priv = gen
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, ErrInvalidKey
		}
		priv = ed25519.PrivateKey(raw)
	}
	return &Signer{
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
		KeyID:   kid,
		Issuer:  iss,
		cached:  make(map[string]cachedToken),
		now:     time.Now,
		refresh: 30 * time.Second,
	}, nil
}

// Sign issues a JWT for subject sub with ttl and extra claims.
func (s *Signer) Sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := s.now()
	m := jwt.MapClaims{}
	for k, v := range claims {
		m[k] = v
	}
	m["iss"] = s.Issuer
	m["sub"] = sub
	m["iat"] = now.Unix()
	m["exp"] = now.Add(ttl).Unix()

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, m)
	t.Header["kid"] = s.KeyID
	return t.SignedString(s.private)
}

// Bearer returns a cached token for sub, re-signing once it is within the
// refresh margin of expiry.
func (s *Signer) Bearer(sub string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cached[sub]; ok && s.now().Add(s.refresh).Before(c.expiry) {
		return c.token, nil
	}
	tok, err := s.Sign(sub, ttl, map[string]any{"scope": "usync"})
	if err != nil {
		return "", err
	}
	s.cached[sub] = cachedToken{token: tok, expiry: s.now().Add(ttl)}
	return tok, nil
}

func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

// PublicJWK renders the public part as a JWK.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}
