// Package main is a CI-friendly smoke test for a bankline API deployment.
//
// It validates:
//   - login over HTTP
//   - notification channel handshake with the access credential
//   - connection_established greeting
//   - ping -> pong
//   - normal closure
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "bankline/shared/contracts/bankline/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

func main() {
	var (
		apiURL   = flag.String("api", "http://127.0.0.1:8000/api", "API base URL")
		wsURL    = flag.String("ws", "ws://127.0.0.1:8000", "WebSocket base URL")
		username = flag.String("user", os.Getenv("BANKLINE_USERNAME"), "username")
		password = flag.String("pass", os.Getenv("BANKLINE_PASSWORD"), "password")
		token    = flag.String("token", "", "access credential (skips login)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateURL(*wsURL, "ws", "wss"); err != nil {
		fatalf("invalid -ws: %v", err)
	}

	root := context.Background()

	access := strings.TrimSpace(*token)
	if access == "" {
		if err := validateURL(*apiURL, "http", "https"); err != nil {
			fatalf("invalid -api: %v", err)
		}
		if *username == "" || *password == "" {
			fatalf("either -token or -user/-pass is required")
		}
		access = mustLogin(root, *apiURL, *username, *password, *timeout)
		if *verbose {
			fmt.Println("login: ok")
		}
	}

	conn := mustDial(root, *wsURL, access, *timeout)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	greeting := mustReadUntil(root, conn, v1.TypeConnectionEstablished, *timeout)
	if *verbose {
		fmt.Printf("established: %q\n", greeting.Message)
	}

	mustWrite(root, conn, v1.PingFrame(), *timeout)
	mustReadUntil(root, conn, v1.TypePong, *timeout)

	if err := conn.Close(websocket.StatusNormalClosure, "smoke done"); err != nil && !isNormalClose(err) {
		fatalf("close: %v", err)
	}
	fmt.Println("OK: channel established, heartbeat answered")
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustLogin(parent context.Context, apiURL, username, password string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(v1.LoginRequest{Username: username, Password: password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+v1.PathLogin, bytes.NewReader(body))
	if err != nil {
		fatalf("login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("login: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		fatalf("login: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out v1.LoginResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("login: decode: %v", err)
	}
	if out.Access == "" {
		fatalf("login: response carries no access credential")
	}
	return out.Access
}

func mustDial(parent context.Context, wsURL, access string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	endpoint := strings.TrimRight(wsURL, "/") + v1.PathNotifications + "?token=" + url.QueryEscape(access)
	conn, resp, err := websocket.Dial(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("dial: status=%d: %v", status, err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustReadUntil(parent context.Context, conn *websocket.Conn, wantType string, stepTimeout time.Duration) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("waiting for %q: %v", wantType, err)
		}
		if mt != websocket.MessageText {
			fatalf("unexpected message type: %v", mt)
		}
		f, err := v1.DecodeFrame(data)
		if err != nil {
			fatalf("bad frame: %v", err)
		}
		if f.Type == wantType {
			return f
		}
		// Notifications may arrive at any time; skip them.
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, f v1.Frame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func isNormalClose(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
