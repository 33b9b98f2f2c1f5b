package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bankline/cmd/internal/credential"
	"bankline/cmd/internal/ids"
	v1 "bankline/shared/contracts/bankline/v1"
)

const (
	defaultMaxResponseBytes int64 = 4 << 20
	defaultErrorMessage           = "request failed"
)

// Recorder receives dispatch outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveDispatch(method, outcome string, d time.Duration)
	ObserveRenewal(result string)
}

// TokenRenewer obtains a fresh access credential. *Renewer satisfies it.
type TokenRenewer interface {
	Renew(ctx context.Context) (string, error)
}

// Config configures a Dispatcher.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string

	MaxResponseBytes int64
}

// Dispatcher sends API requests with the current access credential attached.
type Dispatcher struct {
	log     *slog.Logger
	cfg     Config
	client  *http.Client
	store   *credential.Store
	renewer TokenRenewer
	metrics Recorder

	lostMu sync.RWMutex
	onLost func(ctx context.Context, cause error)
}

// New constructs a Dispatcher. rec may be nil.
func New(log *slog.Logger, cfg Config, store *credential.Store, renewer TokenRenewer, rec Recorder) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("dispatch: empty base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("dispatch: invalid base URL: %w", err)
	}
	if store == nil {
		return nil, errors.New("dispatch: nil credential store")
	}
	if renewer == nil {
		return nil, errors.New("dispatch: nil renewer")
	}
	if log == nil {
		log = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	return &Dispatcher{
		log:     log,
		cfg:     cfg,
		client:  client,
		store:   store,
		renewer: renewer,
		metrics: rec,
	}, nil
}

// OnSessionLost registers the hook run after the store has been cleared
// because the session could not be recovered. It replaces any previous hook.
func (d *Dispatcher) OnSessionLost(fn func(ctx context.Context, cause error)) {
	d.lostMu.Lock()
	d.onLost = fn
	d.lostMu.Unlock()
}

// Do sends req. A first unauthorized answer triggers one renewal and one
// retry carrying the renewed credential.
//
// Errors are *NetworkError, *ServerError, *AuthError, or *RenewalError.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	payload, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	// One id (and one idempotency key) for the logical call, retries included.
	requestID := ids.NewRequestID(start)
	req = req.withIdempotencyKey()

	token := ""
	if !req.Anonymous {
		token = d.store.AccessToken()
	}

	for {
		status, header, body, err := d.send(ctx, req, payload, contentType, token, requestID)
		if err != nil {
			d.observe(req.Method, "network", start)
			d.log.Warn("dispatch.network_fail", "method", req.Method, "path", req.Path, "request_id", requestID, "err", err)
			return nil, err
		}

		switch {
		case status == http.StatusUnauthorized:
			_, msg := errorMessage(body)

			if req.Anonymous {
				d.observe(req.Method, "unauthorized", start)
				return nil, &AuthError{Message: msg}
			}

			if !req.CanRetry() {
				authErr := &AuthError{Message: msg, Retried: true}
				d.observe(req.Method, "session_lost", start)
				d.loseSession(ctx, authErr, req.QuietLoss)
				return nil, authErr
			}

			next, rerr := d.renewer.Renew(ctx)
			if rerr != nil {
				var renewalErr *RenewalError
				if errors.As(rerr, &renewalErr) {
					d.observe(req.Method, "session_lost", start)
					// The renewer already cleared the store. A superseded renewal
					// means whoever replaced the pair owns the session now.
					if renewalErr.Reason != ReasonSuperseded {
						d.runLostHook(ctx, rerr, req.QuietLoss)
					}
					return nil, rerr
				}
				d.observe(req.Method, "network", start)
				return nil, rerr
			}

			d.log.Debug("dispatch.retry", "method", req.Method, "path", req.Path, "request_id", requestID)
			token = next
			req = req.retried()
			continue

		case status >= 200 && status <= 299:
			d.observe(req.Method, "ok", start)
			return &Response{
				Status:    status,
				Header:    header,
				Body:      body,
				NoContent: !hasContent(status, header, body),
			}, nil

		default:
			code, msg := errorMessage(body)
			d.observe(req.Method, "server_error", start)
			return nil, &ServerError{Status: status, Code: code, Message: msg}
		}
	}
}

// DoJSON sends req and decodes the answer into out. A no-content answer
// leaves out untouched and is not an error.
func (d *Dispatcher) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := d.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || resp.NoContent {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("dispatch: decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

func (d *Dispatcher) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

func (d *Dispatcher) Post(ctx context.Context, path string, body any) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

func (d *Dispatcher) Put(ctx context.Context, path string, body any) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

func (d *Dispatcher) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

func (d *Dispatcher) Delete(ctx context.Context, path string) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// Upload sends a multipart form with one file part. The part is buffered so
// a retry after renewal resends identical bytes.
func (d *Dispatcher) Upload(ctx context.Context, path string, fields map[string]string, fileField, fileName string, file io.Reader) (*Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("dispatch: write field %q: %w", k, err)
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			return nil, fmt.Errorf("dispatch: create file part: %w", err)
		}
		if _, err := io.Copy(part, file); err != nil {
			return nil, fmt.Errorf("dispatch: copy file part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("dispatch: close multipart: %w", err)
	}
	return d.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Raw:         buf.Bytes(),
		ContentType: mw.FormDataContentType(),
	})
}

func (d *Dispatcher) send(ctx context.Context, req Request, payload []byte, contentType, token, requestID string) (int, http.Header, []byte, error) {
	op := req.Method + " " + req.Path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, d.resolve(req.Path, req.Query), body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("dispatch: build request %s: %w", op, err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if d.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := readLimited(resp.Body, d.cfg.MaxResponseBytes)
	if err != nil {
		return 0, nil, nil, &NetworkError{Op: op, Err: err}
	}
	return resp.StatusCode, resp.Header, b, nil
}

func (d *Dispatcher) resolve(path string, query url.Values) string {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = joinURL(d.cfg.BaseURL, path)
	}
	if len(query) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + query.Encode()
}

func (d *Dispatcher) loseSession(ctx context.Context, cause error, quiet bool) {
	if err := d.store.Clear(ctx); err != nil {
		d.log.Warn("dispatch.clear_fail", "err", err)
	}
	d.runLostHook(ctx, cause, quiet)
}

func (d *Dispatcher) runLostHook(ctx context.Context, cause error, quiet bool) {
	d.log.Info("dispatch.session_lost", "cause", cause, "quiet", quiet)
	if quiet {
		return
	}

	d.lostMu.RLock()
	fn := d.onLost
	d.lostMu.RUnlock()
	if fn != nil {
		fn(ctx, cause)
	}
}

func (d *Dispatcher) observe(method, outcome string, start time.Time) {
	if d.metrics != nil {
		d.metrics.ObserveDispatch(method, outcome, time.Since(start))
	}
}

func encodeBody(req Request) ([]byte, string, error) {
	if req.Raw != nil {
		ct := req.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return req.Raw, ct, nil
	}
	if req.Body == nil {
		return nil, "", nil
	}
	b, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("dispatch: encode body: %w", err)
	}
	return b, "application/json", nil
}

// errorMessage extracts a human-readable message from an error body:
// a top-level "detail" first, then "error.message", then a generic fallback.
func errorMessage(body []byte) (code, msg string) {
	if len(bytes.TrimSpace(body)) > 0 {
		var eb v1.ErrorBody
		if err := json.Unmarshal(body, &eb); err == nil {
			if eb.Detail != "" {
				return "", eb.Detail
			}
			if eb.Error != nil && eb.Error.Message != "" {
				return eb.Error.Code, eb.Error.Message
			}
		}
	}
	return "", defaultErrorMessage
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
