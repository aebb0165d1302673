package decrypt

import "e2ee-sessions/internal/domain"

// StubCiphertext marks a message that could not be decrypted.
const StubCiphertext = "CIPHERTEXT"

// Envelope is one inbound encrypted message.
type Envelope struct {
	ID   string
	From domain.Identity
	// Group is set for skmsg envelopes.
	Group string
	// AltIdentity is the sender's address in the other identifier space,
	// when the network supplied one.
	AltIdentity           *domain.Identity
	Type                  domain.EnvelopeType
	Ciphertext            []byte
	SenderKeyDistribution []byte
}

func (e Envelope) validate() error {
	if e.From.IsZero() {
		return ErrInvalidEnvelope
	}
	if err := e.From.Validate(); err != nil {
		return err
	}
	if !e.Type.Valid() {
		return ErrInvalidEnvelope
	}
	if e.Type == domain.EnvelopeSenderKey && e.Group == "" {
		return ErrInvalidEnvelope
	}
	if len(e.Ciphertext) == 0 {
		return ErrInvalidEnvelope
	}
	return nil
}

// Stub replaces the content of a message that failed to decrypt.
type Stub struct {
	Type   string   `json:"type"`
	Params []string `json:"params"`
}

// Message is the outcome of DecryptEnvelope. Exactly one of Plaintext and
// Stub is set.
type Message struct {
	ID        string          `json:"id"`
	Sender    domain.Identity `json:"-"`
	Plaintext []byte          `json:"plaintext,omitempty"`
	Stub      *Stub           `json:"stub,omitempty"`
}
