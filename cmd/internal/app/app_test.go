package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bankline/cmd/internal/events"
	"bankline/cmd/internal/session"
	v1 "bankline/shared/contracts/bankline/v1"

	"github.com/coder/websocket"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "http://127.0.0.1:8080/api", want: "ws://127.0.0.1:8080"},
		{in: "https://bank.example.com/api/", want: "wss://bank.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

// fakeBank serves login and the notification channel.
type fakeBank struct {
	mu     sync.Mutex
	tokens []string
	closed []websocket.StatusCode
}

func (b *fakeBank) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api"+v1.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		var req v1.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username != "ada" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"bad credentials"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"a1","refresh":"r1","user":{"id":7,"username":"ada","role":"user"}}`))
	})
	mux.HandleFunc(v1.PathNotifications, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.tokens = append(b.tokens, r.URL.Query().Get("token"))
		b.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connection_established","message":"hi"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"notification","notification":{"id":42,"type":"loan_approved","title":"Loan approved","priority":"HIGH"}}`))

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				b.mu.Lock()
				b.closed = append(b.closed, websocket.CloseStatus(err))
				b.mu.Unlock()
				return
			}
		}
	})
	return mux
}

func testConfig(srvURL string) Config {
	cfg := DefaultConfig()
	cfg.APIBaseURL = srvURL + "/api"
	cfg.WSURL = wsBaseURL(srvURL)
	cfg.Username = "ada"
	cfg.Password = "secret"
	cfg.RequestTimeout = 5 * time.Second
	cfg.ReconnectInitial = 50 * time.Millisecond
	return cfg
}

func TestApp_RunDeliversNotificationsAndClosesNormally(t *testing.T) {
	bank := &fakeBank{}
	srv := httptest.NewServer(bank.handler())
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(srv.URL), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := a.Events("test", 4)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	var ev events.Event
	select {
	case ev = <-sub.C:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
	}
	if ev.Notification.ID != "42" || ev.Type != "loan_approved" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if a.stale.Generation(events.CollectionLoans) == 0 {
		t.Fatalf("loans not marked stale")
	}
	if !a.Session().Authenticated() {
		t.Fatalf("expected authenticated session")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscriber not released on shutdown")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		bank.mu.Lock()
		closed := append([]websocket.StatusCode(nil), bank.closed...)
		tokens := append([]string(nil), bank.tokens...)
		bank.mu.Unlock()

		if len(closed) == 1 {
			if closed[0] != websocket.StatusNormalClosure {
				t.Fatalf("close code=%v want normal", closed[0])
			}
			if len(tokens) != 1 || tokens[0] != "a1" {
				t.Fatalf("tokens=%v", tokens)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("server saw closes=%v", closed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_StatusEndpoints(t *testing.T) {
	bank := &fakeBank{}
	srv := httptest.NewServer(bank.handler())
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	cfg := testConfig(srv.URL)
	cfg.Username, cfg.Password = "", ""
	a, err := New(ctx, cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.shutdown(ctx, nil)

	mux := http.NewServeMux()
	a.registerHTTP(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rr.Code)
	}
	if rr := get("/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before login=%d", rr.Code)
	}

	if _, err := a.Session().Login(ctx, session.Credentials{Username: "ada", Password: "secret"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if rr := get("/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz after login=%d", rr.Code)
	}

	rr := get("/status")
	var view statusView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !view.Authenticated || view.User == nil || view.User.Username != "ada" {
		t.Fatalf("unexpected status: %+v", view)
	}

	rr = get("/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "bankline_dispatch_requests_total") {
		t.Fatalf("metrics missing dispatch counter: %d", rr.Code)
	}
}

func TestNew_RejectsInsecureRemote(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.APIBaseURL = "http://bank.example.com/api"
	cfg.WSURL = wsBaseURL(cfg.APIBaseURL)

	_, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected security policy error")
	}
	if !strings.Contains(err.Error(), "not encrypted") {
		t.Fatalf("unexpected error: %v", err)
	}
}
