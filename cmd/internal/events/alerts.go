package events

import (
	"log/slog"
	"sync/atomic"
	"time"

	v1 "bankline/shared/contracts/bankline/v1"
)

// Alerter surfaces notifications that need the user's attention.
type Alerter interface {
	Alert(n v1.Notification)
}

// LogAlerter writes alerts to the log at WARN, throttled by a RateLimiter.
type LogAlerter struct {
	log     *slog.Logger
	limiter *RateLimiter

	suppressed atomic.Uint64
}

// NewLogAlerter constructs a LogAlerter. limiter may be nil for no throttling.
func NewLogAlerter(log *slog.Logger, limiter *RateLimiter) *LogAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAlerter{log: log, limiter: limiter}
}

func (a *LogAlerter) Alert(n v1.Notification) {
	if a.limiter != nil && !a.limiter.Allow(time.Now()) {
		a.suppressed.Add(1)
		return
	}
	a.log.Warn("notification.alert",
		"id", string(n.ID),
		"type", n.Type,
		"priority", n.Priority.String(),
		"title", n.Title,
		"message", n.Message,
	)
}

// Suppressed returns how many alerts the limiter dropped.
func (a *LogAlerter) Suppressed() uint64 {
	return a.suppressed.Load()
}
