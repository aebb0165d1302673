package decrypt

import "errors"

var (
	// ErrSessionRecordMissing means no session or sender key was available
	// after the bounded retry.
	ErrSessionRecordMissing = errors.New("session record missing")
	// ErrCorruptedSession means the session state failed verification. The
	// sender's sessions are deleted in the background.
	ErrCorruptedSession = errors.New("corrupted session")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
)
