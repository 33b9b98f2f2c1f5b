// Package events fans channel notifications out to in-process subscribers.
//
// Delivery is best-effort: a notification tells the client that cached data
// may be out of date, it never replaces refetching that data.
package events
