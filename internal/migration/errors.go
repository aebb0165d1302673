package migration

import "errors"

var (
	ErrInvalidDirection    = errors.New("migration must go from a phone-number identity to a long-lived-id identity")
	ErrMigrationInProgress = errors.New("migration already running for user")
)
