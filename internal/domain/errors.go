package domain

import "errors"

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidMapping  = errors.New("invalid mapping record")

	// Cipher faults. The first two are missing-state conditions, the rest
	// mean the session state can no longer be trusted.
	ErrNoSession    = errors.New("no session record")
	ErrNoSenderKey  = errors.New("no sender key")
	ErrBadMAC       = errors.New("bad mac")
	ErrCounterReuse = errors.New("message counter reused")
	ErrKeyExhausted = errors.New("message key window exhausted")
)
