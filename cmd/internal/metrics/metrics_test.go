package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveDispatch("GET", "ok", 10*time.Millisecond)
	m.ObserveDispatch("GET", "ok", 10*time.Millisecond)
	m.ObserveRenewal("rejected")
	m.SetChannelState(2)
	m.IncReconnect()
	m.IncFrame("notification")
	m.IncHeartbeat()
	m.IncDropped("alerts")

	if got := testutil.ToFloat64(m.dispatchRequests.WithLabelValues("GET", "ok")); got != 2 {
		t.Fatalf("dispatch requests=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.renewals.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("renewals=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.channelState); got != 2 {
		t.Fatalf("channel state=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.channelReconnects); got != 1 {
		t.Fatalf("reconnects=%v want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveDispatch("GET", "ok", time.Second)
	m.ObserveRenewal("ok")
	m.SetChannelState(1)
	m.IncReconnect()
	m.IncFrame("pong")
	m.IncHeartbeat()
	m.IncDropped("x")
	if m.Registry() != nil {
		t.Fatalf("nil metrics must have nil registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.IncHeartbeat()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "bankline_channel_heartbeats_sent_total 1") {
		t.Fatalf("exposition missing heartbeat counter:\n%s", body)
	}
}
