package cipher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"e2ee-sessions/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSession = "e2ee-sessions-pkmsg"
	hkdfInfoAEAD    = "e2ee-sessions-aead"
)

type keyPair struct {
	Private [32]byte `json:"private"`
	Public  [32]byte `json:"public"`
}

func generateKeyPair() (keyPair, error) {
	var kp keyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return keyPair{}, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

func dh(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// deriveChains turns the handshake secret into the initiator->responder and
// responder->initiator chain keys.
func deriveChains(secret []byte) (initiator, responder [32]byte, err error) {
	hk := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoSession))
	if _, err = io.ReadFull(hk, initiator[:]); err != nil {
		return
	}
	_, err = io.ReadFull(hk, responder[:])
	return
}

func kdfChain(ck [32]byte) (next, mk [32]byte) {
	copy(next[:], hmacSHA256(ck[:], []byte{0x01}))
	copy(mk[:], hmacSHA256(ck[:], []byte{0x02}))
	return
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func seal(mk [32]byte, plaintext, ad []byte) ([]byte, error) {
	key, nonce, err := cipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func open(mk [32]byte, ciphertext, ad []byte) ([]byte, error) {
	key, nonce, err := cipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, domain.ErrBadMAC
	}
	return pt, nil
}

func cipherParams(mk [32]byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoAEAD))
	var key [32]byte
	var nonce [12]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return key, nonce, err
	}
	_, err := io.ReadFull(hk, nonce[:])
	return key, nonce, err
}
