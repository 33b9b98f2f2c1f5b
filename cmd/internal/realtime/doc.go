// Package realtime maintains the client's notification channel.
//
// A Channel owns at most one WebSocket connection and at most one pending
// reconnection timer. It connects only while enabled (the session is
// authenticated), sends advisory heartbeats while open, and hands decoded
// notifications to a Sink.
package realtime
