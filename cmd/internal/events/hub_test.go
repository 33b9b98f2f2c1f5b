package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "bankline/shared/contracts/bankline/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dropCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (d *dropCounter) IncDropped(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == nil {
		d.n = make(map[string]int)
	}
	d.n[name]++
}

func TestHub_PublishDropsForFullQueue(t *testing.T) {
	t.Parallel()

	drops := &dropCounter{}
	h := NewHub(testLogger(), drops)
	fast := h.Subscribe("ui", 4)
	slow := h.Subscribe("audit", 1)

	for i := range 3 {
		h.Publish(Event{Type: "loan_approved", Notification: v1.Notification{ID: v1.ID(rune('a' + i))}})
	}

	if len(fast.C) != 3 {
		t.Fatalf("fast queue=%d, want 3", len(fast.C))
	}
	if len(slow.C) != 1 {
		t.Fatalf("slow queue=%d, want 1", len(slow.C))
	}
	drops.mu.Lock()
	defer drops.mu.Unlock()
	if drops.n["audit"] != 2 || drops.n["ui"] != 0 {
		t.Fatalf("drops=%v", drops.n)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), nil)
	s := h.Subscribe("ui", 4)
	h.Unsubscribe("ui")

	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed")
	}

	h.Publish(Event{Type: "x"})
	if len(s.C) != 0 {
		t.Fatalf("delivered after unsubscribe")
	}
	h.Unsubscribe("ui")
}

func TestHub_ResubscribeReplaces(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), nil)
	first := h.Subscribe("ui", 4)
	second := h.Subscribe("ui", 4)

	select {
	case <-first.Done():
	default:
		t.Fatalf("replaced subscriber still live")
	}
	h.Publish(Event{Type: "x"})
	if len(first.C) != 0 || len(second.C) != 1 {
		t.Fatalf("first=%d second=%d", len(first.C), len(second.C))
	}
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		name := string(rune('a' + i))
		go func() {
			defer wg.Done()
			h.Subscribe(name, 1)
			h.Unsubscribe(name)
		}()
		go func() {
			defer wg.Done()
			h.Publish(Event{Type: "x", ReceivedAt: time.Now()})
		}()
	}
	wg.Wait()
	h.Close()
}
