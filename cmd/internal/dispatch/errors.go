package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNoContent is returned by Response.Decode for 204, empty, or non-JSON responses.
	ErrNoContent = errors.New("dispatch: no content")

	// ErrSessionLost is wrapped by AuthError and RenewalError. Callers can test
	// for it to treat both as "the user must sign in again".
	ErrSessionLost = errors.New("dispatch: session lost")
)

// NetworkError reports a transport failure with no HTTP response.
// It is never retried by the dispatcher.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("dispatch: network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError reports a non-2xx, non-401 response.
type ServerError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dispatch: server error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("dispatch: server error %d: %s", e.Status, e.Message)
}

// AuthError reports an unauthorized answer that renewal could not recover:
// a retried request that was rejected again, or an anonymous request rejected
// outright.
type AuthError struct {
	Message string
	Retried bool
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "dispatch: unauthorized"
	}
	return "dispatch: unauthorized: " + e.Message
}

// Unwrap reports session loss only for retried requests; an anonymous 401
// (bad login) does not end a session.
func (e *AuthError) Unwrap() error {
	if e.Retried {
		return ErrSessionLost
	}
	return nil
}

// RenewalReason classifies a renewal failure.
type RenewalReason string

const (
	// ReasonNoRefreshToken means no renewal credential was stored.
	ReasonNoRefreshToken RenewalReason = "no_refresh_token"
	// ReasonRejected means the renewal endpoint refused the exchange.
	ReasonRejected RenewalReason = "rejected"
	// ReasonSuperseded means the stored pair was cleared or replaced while the
	// exchange was in flight. The renewed pair is discarded.
	ReasonSuperseded RenewalReason = "superseded"
)

// RenewalError is always terminal. For ReasonNoRefreshToken and ReasonRejected
// the renewer clears the credentials before returning it; for
// ReasonSuperseded someone else already did.
type RenewalError struct {
	Reason RenewalReason
	Status int
	Detail string
}

func (e *RenewalError) Error() string {
	switch {
	case e.Status != 0 && e.Detail != "":
		return fmt.Sprintf("dispatch: renewal %s (%d): %s", e.Reason, e.Status, e.Detail)
	case e.Status != 0:
		return fmt.Sprintf("dispatch: renewal %s (%d)", e.Reason, e.Status)
	default:
		return fmt.Sprintf("dispatch: renewal %s", e.Reason)
	}
}

func (e *RenewalError) Unwrap() error { return ErrSessionLost }
