package credential

import "errors"

var (
	// ErrInconsistentPair is returned when a pair with only one credential is offered.
	ErrInconsistentPair = errors.New("credential: access and refresh must both be set")

	// ErrNotFound is returned by persisters when nothing is stored.
	ErrNotFound = errors.New("credential: not found")
)
