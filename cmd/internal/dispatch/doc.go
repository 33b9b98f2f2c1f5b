// Package dispatch sends authenticated API requests for bankline clients.
//
// Every request carries the current access credential. An "unauthorized"
// answer on the first attempt triggers one credential renewal and exactly one
// retry; an unauthorized retry, or a failed renewal, clears the credential
// store and reports session loss. Renewal itself never goes through the
// Dispatcher, so it cannot recurse.
package dispatch
