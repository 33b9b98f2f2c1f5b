package events

import (
	"sync"
	"time"

	v1 "bankline/shared/contracts/bankline/v1"
)

// Event is one notification as received by this client.
type Event struct {
	Type         string
	Notification v1.Notification
	ReceivedAt   time.Time
}

// Subscriber is one consumer of the hub.
//
// C is never closed by the hub, so a Publish racing with Unsubscribe cannot
// panic. Consumers select on Done to stop.
type Subscriber struct {
	Name string
	C    chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(name string, queue int) *Subscriber {
	if queue <= 0 {
		queue = 64
	}
	return &Subscriber{
		Name: name,
		C:    make(chan Event, queue),
		done: make(chan struct{}),
	}
}

// Done is closed once the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

func (s *Subscriber) close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.done) })
}
