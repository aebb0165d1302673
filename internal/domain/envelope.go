package domain

// EnvelopeType is the cipher message type carried by an inbound envelope.
type EnvelopeType string

const (
	EnvelopePreKey    EnvelopeType = "pkmsg"
	EnvelopeMessage   EnvelopeType = "msg"
	EnvelopeSenderKey EnvelopeType = "skmsg"
)

func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvelopePreKey, EnvelopeMessage, EnvelopeSenderKey:
		return true
	}
	return false
}
