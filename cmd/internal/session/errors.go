package session

import "errors"

var (
	// ErrMissingCredentials is returned when login is attempted without a username or password.
	ErrMissingCredentials = errors.New("missing username or password")

	// ErrMalformedLogin is returned when a login or registration answer lacks a credential pair.
	ErrMalformedLogin = errors.New("login response missing credentials")

	// ErrNoIdentity is returned when the identity probe answers without a user.
	ErrNoIdentity = errors.New("identity probe returned no user")
)
