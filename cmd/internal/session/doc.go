// Package session owns the client's authenticated/unauthenticated state.
//
// The state changes only through three transitions: establish (after login,
// registration or a successful hydrate), invalidate (logout or session loss),
// and hydrate (silent re-authentication from a persisted credential pair).
// Observers such as the notification channel subscribe to those transitions.
package session
