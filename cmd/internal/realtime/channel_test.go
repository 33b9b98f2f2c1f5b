package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bankline/cmd/internal/session"
	v1 "bankline/shared/contracts/bankline/v1"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

type sinkRecorder struct {
	mu  sync.Mutex
	got []v1.Notification
}

func (s *sinkRecorder) Deliver(n v1.Notification, _ time.Time) {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
}

func (s *sinkRecorder) all() []v1.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.Notification(nil), s.got...)
}

// notifyServer is an in-test notification endpoint.
type notifyServer struct {
	t   *testing.T
	srv *httptest.Server

	// reject makes the handshake fail with this status when non-zero.
	reject int
	// greeting frames are written right after accept.
	greeting [][]byte

	mu         sync.Mutex
	conns      []*websocket.Conn
	tokens     []string
	pings      int
	closeCodes []websocket.StatusCode
}

func newNotifyServer(t *testing.T, greeting ...[]byte) *notifyServer {
	t.Helper()
	s := &notifyServer{t: t, greeting: greeting}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *notifyServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != v1.PathNotifications {
		http.NotFound(w, r)
		return
	}
	if s.reject != 0 {
		http.Error(w, "denied", s.reject)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("accept: %v", err)
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	s.mu.Unlock()

	ctx := context.Background()
	for _, g := range s.greeting {
		_ = conn.Write(ctx, websocket.MessageText, g)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			s.closeCodes = append(s.closeCodes, websocket.CloseStatus(err))
			s.mu.Unlock()
			return
		}
		var f v1.Frame
		if json.Unmarshal(data, &f) == nil && f.Type == v1.TypePing {
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		}
	}
}

func (s *notifyServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *notifyServer) conn(i int) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *notifyServer) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *notifyServer) codes() []websocket.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]websocket.StatusCode(nil), s.closeCodes...)
}

func newTestChannel(t *testing.T, url string, cfg Config, sink Sink) *Channel {
	t.Helper()
	cfg.URL = url
	ch, err := NewChannel(testLogger(), cfg, staticToken("A1"), sink, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	t.Cleanup(func() { ch.SetEnabled(false) })
	return ch
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannel_ConnectPresentsTokenAndOpens(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t, []byte(`{"type":"connection_established","message":"Connected"}`))
	ch := newTestChannel(t, srv.srv.URL, Config{}, nil)

	ch.SetEnabled(true)
	waitFor(t, 2*time.Second, "open", func() bool { return ch.State() == StateOpen })

	if srv.connCount() != 1 {
		t.Fatalf("connections=%d, want 1", srv.connCount())
	}
	srv.mu.Lock()
	tok := srv.tokens[0]
	srv.mu.Unlock()
	if tok != "A1" {
		t.Fatalf("token=%q, want A1", tok)
	}
}

func TestChannel_DisabledDoesNotConnect(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	ch := newTestChannel(t, srv.srv.URL, Config{}, nil)

	ch.Connect()
	time.Sleep(100 * time.Millisecond)

	if ch.State() != StateDisconnected || srv.connCount() != 0 {
		t.Fatalf("state=%s connections=%d", ch.State(), srv.connCount())
	}
}

func TestChannel_ConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	ch := newTestChannel(t, srv.srv.URL, Config{}, nil)

	ch.SetEnabled(true)
	for range 5 {
		ch.Connect()
	}
	waitFor(t, 2*time.Second, "open", func() bool { return ch.State() == StateOpen })
	ch.Connect()
	time.Sleep(100 * time.Millisecond)

	if n := srv.connCount(); n != 1 {
		t.Fatalf("connections=%d, want 1", n)
	}
}

func TestChannel_AbnormalCloseSchedulesOneReconnect(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	delay := 300 * time.Millisecond
	ch := newTestChannel(t, srv.srv.URL, Config{Backoff: Backoff{Initial: delay, Multiplier: 1}}, nil)

	ch.SetEnabled(true)
	waitFor(t, 2*time.Second, "open", func() bool { return ch.State() == StateOpen })

	// No close frame: the client sees an abnormal closure.
	_ = srv.conn(0).CloseNow()

	waitFor(t, time.Second, "reconnecting", func() bool { return ch.State() == StateReconnecting })
	st := ch.Status()
	if !st.ReconnectPending || st.ReconnectsScheduled != 1 {
		t.Fatalf("status=%+v, want one pending reconnect", st)
	}
	if srv.connCount() != 1 {
		t.Fatalf("reconnected before the delay")
	}

	waitFor(t, 3*time.Second, "reopen", func() bool { return ch.State() == StateOpen && srv.connCount() == 2 })

	time.Sleep(3 * delay)
	if n := srv.connCount(); n != 2 {
		t.Fatalf("connections=%d, want 2", n)
	}
	if st := ch.Status(); st.ReconnectsScheduled != 1 || st.ReconnectPending || st.Attempts != 0 {
		t.Fatalf("status=%+v", st)
	}
}

func TestChannel_LogoutClosesNormally(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	ch := newTestChannel(t, srv.srv.URL, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		Backoff:           Backoff{Initial: 50 * time.Millisecond, Multiplier: 1},
	}, nil)

	ch.HandleSession(session.State{Authenticated: true, User: &session.Identity{ID: "42"}})
	waitFor(t, 2*time.Second, "heartbeats", func() bool { return srv.pingCount() >= 2 })

	ch.HandleSession(session.State{})

	if st := ch.Status(); st.State != StateDisconnected || st.ReconnectPending {
		t.Fatalf("status=%+v", st)
	}
	waitFor(t, 2*time.Second, "server close", func() bool { return len(srv.codes()) == 1 })
	if code := srv.codes()[0]; code != websocket.StatusNormalClosure {
		t.Fatalf("close code=%v, want 1000", code)
	}

	sent := ch.Status().HeartbeatsSent
	pings := srv.pingCount()
	time.Sleep(200 * time.Millisecond)

	if ch.Status().HeartbeatsSent != sent || srv.pingCount() != pings {
		t.Fatalf("heartbeat kept running after logout")
	}
	if srv.connCount() != 1 {
		t.Fatalf("reconnected after logout")
	}
}

func TestChannel_StalledPingDoesNotBlockCallers(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	ch := newTestChannel(t, srv.srv.URL, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		Backoff:           Backoff{Initial: 50 * time.Millisecond, Multiplier: 1},
	}, nil)

	stalled := make(chan struct{})
	aborted := make(chan error, 1)
	var once sync.Once
	ch.ping = func(ctx context.Context, _ *websocket.Conn) error {
		once.Do(func() { close(stalled) })
		<-ctx.Done()
		select {
		case aborted <- ctx.Err():
		default:
		}
		return ctx.Err()
	}

	ch.SetEnabled(true)
	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat attempted")
	}

	got := make(chan Status, 1)
	go func() { got <- ch.Status() }()
	select {
	case st := <-got:
		if st.State != StateOpen {
			t.Fatalf("state=%v, want open", st.State)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Status blocked behind a stalled ping")
	}

	start := time.Now()
	ch.Disconnect()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Disconnect took %s with a stalled ping", d)
	}
	select {
	case err := <-aborted:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("ping ended with %v, want cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stalled ping was never aborted")
	}
	if st := ch.Status(); st.State != StateDisconnected {
		t.Fatalf("state=%v after disconnect", st.State)
	}
	waitFor(t, 2*time.Second, "server close", func() bool { return len(srv.codes()) == 1 })
	if code := srv.codes()[0]; code != websocket.StatusNormalClosure {
		t.Fatalf("close code=%v, want 1000", code)
	}
}

func TestChannel_LogoutWhileReconnecting(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	ch := newTestChannel(t, srv.srv.URL, Config{Backoff: Backoff{Initial: 200 * time.Millisecond, Multiplier: 1}}, nil)

	ch.SetEnabled(true)
	waitFor(t, 2*time.Second, "open", func() bool { return ch.State() == StateOpen })
	_ = srv.conn(0).CloseNow()
	waitFor(t, time.Second, "reconnecting", func() bool { return ch.State() == StateReconnecting })

	ch.HandleSession(session.State{})

	if st := ch.Status(); st.State != StateDisconnected || st.ReconnectPending {
		t.Fatalf("status=%+v", st)
	}
	time.Sleep(500 * time.Millisecond)
	if srv.connCount() != 1 {
		t.Fatalf("timer fired after logout")
	}
}

func TestChannel_ServerNormalCloseDoesNotReconnect(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	ch := newTestChannel(t, srv.srv.URL, Config{Backoff: Backoff{Initial: 50 * time.Millisecond, Multiplier: 1}}, nil)

	ch.SetEnabled(true)
	waitFor(t, 2*time.Second, "open", func() bool { return ch.State() == StateOpen })

	go func() { _ = srv.conn(0).Close(websocket.StatusNormalClosure, "server shutdown") }()

	waitFor(t, 2*time.Second, "disconnected", func() bool { return ch.State() == StateDisconnected })
	time.Sleep(200 * time.Millisecond)
	if st := ch.Status(); st.ReconnectPending || st.ReconnectsScheduled != 0 || srv.connCount() != 1 {
		t.Fatalf("status=%+v connections=%d", st, srv.connCount())
	}
}

func TestChannel_DialFailureReconnects(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	srv.reject = http.StatusForbidden
	ch := newTestChannel(t, srv.srv.URL, Config{Backoff: Backoff{Initial: time.Hour, Multiplier: 1}}, nil)

	ch.SetEnabled(true)
	waitFor(t, 2*time.Second, "reconnecting", func() bool { return ch.State() == StateReconnecting })

	st := ch.Status()
	if st.LastError == nil || st.Attempts != 1 || !st.ReconnectPending {
		t.Fatalf("status=%+v", st)
	}

	// An explicit connect replaces the pending timer with an immediate attempt.
	ch.Connect()
	waitFor(t, 2*time.Second, "second failure", func() bool { return ch.Status().Attempts == 2 })
	if st := ch.Status(); st.ReconnectsScheduled != 2 || !st.ReconnectPending {
		t.Fatalf("status=%+v", st)
	}
}

func TestChannel_FramesReachSink(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t,
		[]byte(`{"type":"connection_established","message":"Connected"}`),
		[]byte(`not json`),
		[]byte(`{"type":"mystery","payload":1}`),
		[]byte(`{"type":"pong"}`),
		[]byte(`{"type":"notification","notification":{"id":"n1","type":"loan_approved","title":"Loan approved","priority":"HIGH"}}`),
	)
	sink := &sinkRecorder{}
	ch := newTestChannel(t, srv.srv.URL, Config{}, sink)

	ch.SetEnabled(true)
	waitFor(t, 2*time.Second, "notification", func() bool { return len(sink.all()) == 1 })

	n := sink.all()[0]
	if n.ID != "n1" || n.Type != "loan_approved" || n.Priority != v1.PriorityHigh {
		t.Fatalf("notification=%+v", n)
	}
	st := ch.Status()
	if st.State != StateOpen || st.LastPong.IsZero() {
		t.Fatalf("status=%+v", st)
	}
}

func TestChannel_StateObserverSeesTransitionsInOrder(t *testing.T) {
	t.Parallel()

	srv := newNotifyServer(t)
	ch := newTestChannel(t, srv.srv.URL, Config{}, nil)

	var (
		mu  sync.Mutex
		got []State
	)
	ch.OnStateChange(func(_, to State) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
	})

	ch.SetEnabled(true)
	waitFor(t, 2*time.Second, "open", func() bool { return ch.State() == StateOpen })
	ch.SetEnabled(false)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateClosing, StateDisconnected}
	if len(got) != len(want) {
		t.Fatalf("transitions=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions=%v, want %v", got, want)
		}
	}
}
