package realtime

import "time"

const (
	// Max bytes per inbound frame.
	maxFrameBytes = 64 << 10

	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second

	// How long Disconnect waits for the connection goroutines after closing.
	closeGrace = 2 * time.Second

	// How long Disconnect lets an in-flight ping hold the writer before
	// aborting it.
	pingAbortAfter = 250 * time.Millisecond
)
