package events

import (
	"log/slog"
	"time"

	v1 "bankline/shared/contracts/bankline/v1"
)

// AlertThreshold is the lowest priority passed to the Alerter.
const AlertThreshold = v1.PriorityHigh

// Fanout turns channel notifications into stale marks, alerts and hub events.
// It satisfies realtime.Sink.
type Fanout struct {
	log     *slog.Logger
	hub     *Hub
	stale   *StaleSet
	alerter Alerter
}

// NewFanout wires the three consumers. stale and alerter may be nil.
func NewFanout(log *slog.Logger, hub *Hub, stale *StaleSet, alerter Alerter) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{log: log, hub: hub, stale: stale, alerter: alerter}
}

func (f *Fanout) Deliver(n v1.Notification, receivedAt time.Time) {
	keys := CollectionsFor(n.Type)
	if f.stale != nil {
		f.stale.MarkStale(keys...)
	}
	f.log.Debug("events.deliver", "id", string(n.ID), "type", n.Type, "stale", keys)

	if f.alerter != nil && n.Priority.AtLeast(AlertThreshold) {
		f.alerter.Alert(n)
	}
	if f.hub != nil {
		f.hub.Publish(Event{Type: n.Type, Notification: n, ReceivedAt: receivedAt})
	}
}
