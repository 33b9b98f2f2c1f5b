package seal

import "errors"

// Public, stable errors for callers.
var (
	ErrEmptyPassphrase = errors.New("seal: empty passphrase")
	ErrInvalidSealed   = errors.New("seal: invalid sealed value")
	ErrOpenFailed      = errors.New("seal: wrong passphrase or corrupted value")
)
