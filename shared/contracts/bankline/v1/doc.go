// Package v1 defines the bankline client wire contract, version 1.
//
// It covers the notification channel frames and the JSON bodies of the
// authentication endpoints the client talks to. The package is dependency-light
// so both the client and test servers can share it.
package v1
