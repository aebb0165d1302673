// Package cipher is the store-backed session cipher: pairwise sessions keyed
// by signal address and group sender keys keyed by group and sender.
package cipher

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/observability/logging"
	"e2ee-sessions/internal/store"
)

const (
	wireVersion byte = 3
	selfKey          = "self"

	msgHeaderLen    = 1 + 4
	preKeyHeaderLen = 1 + 32 + 32
)

var (
	ErrMalformed   = errors.New("cipher: malformed ciphertext")
	ErrVersion     = errors.New("cipher: unsupported wire version")
	ErrUnsupported = errors.New("cipher: unsupported envelope type")
)

type pendingPreKey struct {
	BaseKey  [32]byte `json:"baseKey"`
	Identity [32]byte `json:"identity"`
}

type sessionState struct {
	RemoteIdentity [32]byte       `json:"remoteIdentity"`
	BaseKey        [32]byte       `json:"baseKey"`
	Send           chainState     `json:"send"`
	Recv           receiver       `json:"recv"`
	PendingPreKey  *pendingPreKey `json:"pendingPreKey,omitempty"`
}

// Cipher encrypts and decrypts against records held in the store. Calls are
// serialized so a record is never read and rewritten concurrently.
type Cipher struct {
	kv  *store.Store
	log *slog.Logger
	mu  sync.Mutex
}

func New(kv *store.Store, log *slog.Logger) *Cipher {
	return &Cipher{kv: kv, log: logging.Or(log)}
}

// IdentityKey returns the local identity public key, creating the key pair
// on first use.
func (c *Cipher) IdentityKey(ctx context.Context) ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kp, err := c.identity(ctx)
	return kp.Public, err
}

func (c *Cipher) identity(ctx context.Context) (keyPair, error) {
	raw, err := c.kv.Get(ctx, store.NamespaceIdentity, []string{selfKey})
	if err != nil {
		return keyPair{}, err
	}
	if b, ok := raw[selfKey]; ok {
		var kp keyPair
		if err := json.Unmarshal(b, &kp); err != nil {
			return keyPair{}, fmt.Errorf("decode identity: %w", err)
		}
		return kp, nil
	}
	kp, err := generateKeyPair()
	if err != nil {
		return keyPair{}, err
	}
	b, err := json.Marshal(kp)
	if err != nil {
		return keyPair{}, err
	}
	if err := c.kv.Set(ctx, store.NamespaceIdentity, map[string][]byte{selfKey: b}); err != nil {
		return keyPair{}, err
	}
	c.log.Info("generated identity key")
	return kp, nil
}

// InitSession starts an outgoing session with a peer whose identity key is
// known. Messages sent before the peer replies are wrapped as pkmsg.
func (c *Cipher) InitSession(ctx context.Context, to domain.Identity, remoteIdentity [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	own, err := c.identity(ctx)
	if err != nil {
		return err
	}
	base, err := generateKeyPair()
	if err != nil {
		return err
	}
	s1, err := dh(base.Private, remoteIdentity)
	if err != nil {
		return err
	}
	s2, err := dh(own.Private, remoteIdentity)
	if err != nil {
		return err
	}
	initiator, responder, err := deriveChains(append(s1, s2...))
	if err != nil {
		return err
	}
	st := &sessionState{
		RemoteIdentity: remoteIdentity,
		BaseKey:        base.Public,
		Send:           chainState{Key: initiator},
		Recv:           receiver{Chain: chainState{Key: responder}},
		PendingPreKey:  &pendingPreKey{BaseKey: base.Public, Identity: own.Public},
	}
	return c.saveSession(ctx, to.SignalAddress(), st)
}

// HasSession reports whether a session record exists for the address.
func (c *Cipher) HasSession(ctx context.Context, id domain.Identity) (bool, error) {
	raw, err := c.kv.Sessions().Get(ctx, []string{id.SignalAddress()})
	if err != nil {
		return false, err
	}
	return len(raw) > 0, nil
}

// Encrypt seals plaintext for the session with to.
func (c *Cipher) Encrypt(ctx context.Context, to domain.Identity, plaintext []byte) (domain.EnvelopeType, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := to.SignalAddress()
	st, err := c.loadSession(ctx, addr)
	if err != nil {
		return "", nil, err
	}
	counter, mk := st.Send.next()
	msg, err := sealMessage(mk, counter, plaintext)
	if err != nil {
		return "", nil, err
	}
	typ := domain.EnvelopeMessage
	if p := st.PendingPreKey; p != nil {
		typ = domain.EnvelopePreKey
		out := make([]byte, 0, preKeyHeaderLen+len(msg))
		out = append(out, wireVersion)
		out = append(out, p.BaseKey[:]...)
		out = append(out, p.Identity[:]...)
		msg = append(out, msg...)
	}
	if err := c.saveSession(ctx, addr, st); err != nil {
		return "", nil, err
	}
	return typ, msg, nil
}

// Decrypt opens a pairwise envelope from the given address. The stored
// session only changes when decryption succeeds.
func (c *Cipher) Decrypt(ctx context.Context, from domain.Identity, typ domain.EnvelopeType, ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch typ {
	case domain.EnvelopeMessage:
		return c.decryptMessage(ctx, from.SignalAddress(), ciphertext)
	case domain.EnvelopePreKey:
		return c.decryptPreKey(ctx, from.SignalAddress(), ciphertext)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, typ)
	}
}

func (c *Cipher) decryptMessage(ctx context.Context, addr string, ciphertext []byte) ([]byte, error) {
	st, err := c.loadSession(ctx, addr)
	if err != nil {
		return nil, err
	}
	pt, err := openMessage(&st.Recv, ciphertext)
	if err != nil {
		return nil, err
	}
	st.PendingPreKey = nil
	if err := c.saveSession(ctx, addr, st); err != nil {
		return nil, err
	}
	return pt, nil
}

func (c *Cipher) decryptPreKey(ctx context.Context, addr string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < preKeyHeaderLen+msgHeaderLen {
		return nil, ErrMalformed
	}
	if ciphertext[0] != wireVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, ciphertext[0])
	}
	var base, remote [32]byte
	copy(base[:], ciphertext[1:33])
	copy(remote[:], ciphertext[33:65])
	inner := ciphertext[preKeyHeaderLen:]

	existing, err := c.loadSession(ctx, addr)
	switch {
	case err == nil && existing.BaseKey == base:
		// Retransmitted handshake for the session already in place.
		pt, err := openMessage(&existing.Recv, inner)
		if err != nil {
			return nil, err
		}
		return pt, c.saveSession(ctx, addr, existing)
	case err != nil && !errors.Is(err, domain.ErrNoSession):
		return nil, err
	}

	own, err := c.identity(ctx)
	if err != nil {
		return nil, err
	}
	s1, err := dh(own.Private, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s2, err := dh(own.Private, remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	initiator, responder, err := deriveChains(append(s1, s2...))
	if err != nil {
		return nil, err
	}
	st := &sessionState{
		RemoteIdentity: remote,
		BaseKey:        base,
		Send:           chainState{Key: responder},
		Recv:           receiver{Chain: chainState{Key: initiator}},
	}
	pt, err := openMessage(&st.Recv, inner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.log.Info("replaced session from new handshake", slog.String("address", addr))
	}
	return pt, c.saveSession(ctx, addr, st)
}

// DeleteSessions removes the session records for ids in one transaction.
func (c *Cipher) DeleteSessions(ctx context.Context, ids []domain.Identity) error {
	if len(ids) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(ids))
	for _, id := range ids {
		addrs = append(addrs, id.SignalAddress())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Transaction(ctx, "session.delete", func(tx *store.Store) error {
		return tx.Sessions().Delete(ctx, addrs)
	})
}

func (c *Cipher) loadSession(ctx context.Context, addr string) (*sessionState, error) {
	raw, err := c.kv.Sessions().Get(ctx, []string{addr})
	if err != nil {
		return nil, err
	}
	b, ok := raw[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoSession, addr)
	}
	var st sessionState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", addr, err)
	}
	return &st, nil
}

func (c *Cipher) saveSession(ctx context.Context, addr string, st *sessionState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.kv.Sessions().Put(ctx, map[string][]byte{addr: b})
}

// sealMessage builds [version][counter][aead].
func sealMessage(mk [32]byte, counter uint32, plaintext []byte) ([]byte, error) {
	header := make([]byte, msgHeaderLen)
	header[0] = wireVersion
	binary.BigEndian.PutUint32(header[1:], counter)
	body, err := seal(mk, plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// openMessage decrypts against a copy of r and only commits the chain
// advance when the MAC verifies.
func openMessage(r *receiver, msg []byte) ([]byte, error) {
	if len(msg) < msgHeaderLen {
		return nil, ErrMalformed
	}
	if msg[0] != wireVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, msg[0])
	}
	header := msg[:msgHeaderLen]
	counter := binary.BigEndian.Uint32(header[1:])
	work := r.clone()
	mk, err := work.messageKey(counter)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, msg[msgHeaderLen:], header)
	if err != nil {
		return nil, err
	}
	*r = work
	return pt, nil
}
