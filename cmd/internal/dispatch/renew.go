package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bankline/cmd/internal/credential"
	v1 "bankline/shared/contracts/bankline/v1"

	"golang.org/x/sync/singleflight"
)

const renewKey = "renew"

// RenewerConfig configures a Renewer.
type RenewerConfig struct {
	BaseURL    string
	HTTPClient *http.Client

	// Singleflight makes concurrent Renew calls share one exchange.
	Singleflight bool

	MaxResponseBytes int64
}

// Renewer exchanges the stored renewal credential for a new access credential.
type Renewer struct {
	log     *slog.Logger
	cfg     RenewerConfig
	client  *http.Client
	store   *credential.Store
	metrics Recorder

	sf singleflight.Group
}

// NewRenewer constructs a Renewer bound to store.
func NewRenewer(log *slog.Logger, cfg RenewerConfig, store *credential.Store, rec Recorder) (*Renewer, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("dispatch: empty base URL")
	}
	if store == nil {
		return nil, errors.New("dispatch: nil credential store")
	}
	if log == nil {
		log = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	return &Renewer{
		log:     log,
		cfg:     cfg,
		client:  client,
		store:   store,
		metrics: rec,
	}, nil
}

// Renew performs the renewal exchange and returns the new access credential.
//
// On rejection, or when no renewal credential is stored, the store is cleared
// and a *RenewalError is returned. A transport failure returns *NetworkError
// and leaves the credentials untouched. When the pair was cleared or replaced
// while the exchange ran, the result is dropped and a *RenewalError with
// ReasonSuperseded is returned.
func (r *Renewer) Renew(ctx context.Context) (string, error) {
	if !r.cfg.Singleflight {
		return r.renew(ctx)
	}

	// The shared exchange is detached from any one caller's cancellation;
	// each caller still stops waiting when its own ctx is done.
	ch := r.sf.DoChan(renewKey, func() (any, error) {
		return r.renew(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			r.log.Debug("renew.shared")
		}
		return res.Val.(string), nil
	}
}

func (r *Renewer) renew(ctx context.Context) (string, error) {
	refresh := r.store.RefreshToken()
	if refresh == "" {
		r.clear(ctx)
		r.observe("no_refresh_token")
		return "", &RenewalError{Reason: ReasonNoRefreshToken}
	}

	payload, err := json.Marshal(v1.RefreshRequest{Refresh: refresh})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(r.cfg.BaseURL, v1.PathRefresh), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("dispatch: build renewal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.observe("network")
		r.log.Warn("renew.network_fail", "err", err)
		return "", &NetworkError{Op: "renew", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readLimited(resp.Body, r.cfg.MaxResponseBytes)
	if err != nil {
		r.observe("network")
		return "", &NetworkError{Op: "renew", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, detail := errorMessage(body)
		return "", r.reject(ctx, resp.StatusCode, detail)
	}

	var out v1.RefreshResponse
	if err := json.Unmarshal(body, &out); err != nil || strings.TrimSpace(out.Access) == "" {
		return "", r.reject(ctx, resp.StatusCode, "malformed renewal response")
	}

	// Rotation is optional: a response without a renewal credential keeps the one we sent.
	next := credential.Pair{Access: out.Access, Refresh: refresh}
	if out.Refresh != "" {
		next.Refresh = out.Refresh
	}
	// A logout or a new sign-in during the exchange wins over its result.
	stored, err := r.store.SetIf(ctx, refresh, next)
	if err != nil {
		if errors.Is(err, credential.ErrInconsistentPair) {
			return "", r.reject(ctx, resp.StatusCode, err.Error())
		}
		// Memory already holds the new pair; only persistence failed.
		r.log.Warn("renew.persist_fail", "err", err)
	}
	if !stored {
		r.observe("superseded")
		r.log.Info("renew.superseded")
		return "", &RenewalError{Reason: ReasonSuperseded}
	}

	r.observe("ok")
	r.log.Info("renew.ok", "rotated", out.Refresh != "")
	return out.Access, nil
}

func (r *Renewer) reject(ctx context.Context, status int, detail string) error {
	r.clear(ctx)
	r.observe("rejected")
	r.log.Info("renew.rejected", "status", status, "detail", detail)
	return &RenewalError{Reason: ReasonRejected, Status: status, Detail: detail}
}

func (r *Renewer) clear(ctx context.Context) {
	if err := r.store.Clear(ctx); err != nil {
		r.log.Warn("renew.clear_fail", "err", err)
	}
}

func (r *Renewer) observe(result string) {
	if r.metrics != nil {
		r.metrics.ObserveRenewal(result)
	}
}

func readLimited(rd io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return b, nil
}
