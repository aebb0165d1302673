package cipher

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/store"
)

// skdm: [version][key id][iteration][chain key]
const skdmLen = 1 + 4 + 4 + 32

// skmsg: [version][key id][iteration][aead]
const skmsgHeaderLen = 1 + 4 + 4

type senderKeyState struct {
	KeyID uint32   `json:"keyId"`
	Recv  receiver `json:"recv"`
}

// SenderKeyName is the sender-key namespace key for a group and sender.
func SenderKeyName(group string, sender domain.Identity) string {
	return group + "::" + sender.SignalAddress()
}

// CreateSenderKeyDistribution returns a distribution message for the local
// sender key in group, creating the key on first use.
func (c *Cipher) CreateSenderKeyDistribution(ctx context.Context, group string, self domain.Identity) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := SenderKeyName(group, self)
	st, err := c.loadSenderKey(ctx, name)
	if errors.Is(err, domain.ErrNoSenderKey) {
		var chainKey [32]byte
		if _, err := io.ReadFull(rand.Reader, chainKey[:]); err != nil {
			return nil, err
		}
		var id [4]byte
		if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
			return nil, err
		}
		st = &senderKeyState{KeyID: binary.BigEndian.Uint32(id[:]), Recv: receiver{Chain: chainState{Key: chainKey}}}
		if err := c.saveSenderKey(ctx, name, st); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	out := make([]byte, skdmLen)
	out[0] = wireVersion
	binary.BigEndian.PutUint32(out[1:5], st.KeyID)
	binary.BigEndian.PutUint32(out[5:9], st.Recv.Chain.Index)
	copy(out[9:], st.Recv.Chain.Key[:])
	return out, nil
}

// ProcessSenderKeyDistribution installs a sender's key for group. A
// distribution for the key id already held is ignored so the chain never
// rewinds.
func (c *Cipher) ProcessSenderKeyDistribution(ctx context.Context, group string, sender domain.Identity, skdm []byte) error {
	if len(skdm) != skdmLen {
		return ErrMalformed
	}
	if skdm[0] != wireVersion {
		return fmt.Errorf("%w: %d", ErrVersion, skdm[0])
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	name := SenderKeyName(group, sender)
	keyID := binary.BigEndian.Uint32(skdm[1:5])
	if cur, err := c.loadSenderKey(ctx, name); err == nil && cur.KeyID == keyID {
		return nil
	}
	st := &senderKeyState{KeyID: keyID}
	st.Recv.Chain.Index = binary.BigEndian.Uint32(skdm[5:9])
	copy(st.Recv.Chain.Key[:], skdm[9:])
	return c.saveSenderKey(ctx, name, st)
}

// EncryptGroup seals plaintext with the local sender key for group.
func (c *Cipher) EncryptGroup(ctx context.Context, group string, self domain.Identity, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := SenderKeyName(group, self)
	st, err := c.loadSenderKey(ctx, name)
	if err != nil {
		return nil, err
	}
	iteration, mk := st.Recv.Chain.next()
	header := make([]byte, skmsgHeaderLen)
	header[0] = wireVersion
	binary.BigEndian.PutUint32(header[1:5], st.KeyID)
	binary.BigEndian.PutUint32(header[5:9], iteration)
	body, err := seal(mk, plaintext, header)
	if err != nil {
		return nil, err
	}
	if err := c.saveSenderKey(ctx, name, st); err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// DecryptGroup opens a group message from sender.
func (c *Cipher) DecryptGroup(ctx context.Context, group string, sender domain.Identity, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < skmsgHeaderLen {
		return nil, ErrMalformed
	}
	if ciphertext[0] != wireVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, ciphertext[0])
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	name := SenderKeyName(group, sender)
	st, err := c.loadSenderKey(ctx, name)
	if err != nil {
		return nil, err
	}
	header := ciphertext[:skmsgHeaderLen]
	if id := binary.BigEndian.Uint32(header[1:5]); id != st.KeyID {
		return nil, fmt.Errorf("%w: key id %d not held for %s", domain.ErrNoSenderKey, id, name)
	}
	work := st.Recv.clone()
	mk, err := work.messageKey(binary.BigEndian.Uint32(header[5:9]))
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, ciphertext[skmsgHeaderLen:], header)
	if err != nil {
		return nil, err
	}
	st.Recv = work
	if err := c.saveSenderKey(ctx, name, st); err != nil {
		return nil, err
	}
	return pt, nil
}

func (c *Cipher) loadSenderKey(ctx context.Context, name string) (*senderKeyState, error) {
	raw, err := c.kv.Get(ctx, store.NamespaceSenderKey, []string{name})
	if err != nil {
		return nil, err
	}
	b, ok := raw[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoSenderKey, name)
	}
	var st senderKeyState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode sender key %s: %w", name, err)
	}
	return &st, nil
}

func (c *Cipher) saveSenderKey(ctx context.Context, name string, st *senderKeyState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, store.NamespaceSenderKey, map[string][]byte{name: b})
}
