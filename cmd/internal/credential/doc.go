// Package credential holds the client's credential pair.
//
// The Store is the single owner of the access and renewal credentials. It is
// injected into the dispatcher, the renewal coordinator and the notification
// channel; nothing else writes it. A pair is either complete or absent: a
// half pair is rejected rather than stored.
//
// Persistence across restarts is optional and pluggable (sealed file or
// Postgres row). The in-memory value is authoritative; persisted values are
// saved and cleared together, never individually.
package credential
