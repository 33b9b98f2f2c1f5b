// Package app wires the bankline client runtime: config, logging, the
// credential backend, the request dispatcher, the session, the notification
// channel and the local status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"bankline/cmd/internal/credential"
	"bankline/cmd/internal/dispatch"
	"bankline/cmd/internal/events"
	"bankline/cmd/internal/metrics"
	"bankline/cmd/internal/realtime"
	"bankline/cmd/internal/session"
	"bankline/cmd/security/seal"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	logSubscriber      = "log"
	logSubscriberQueue = 64
	shutdownTimeout    = 10 * time.Second
)

// App is the client runtime. It owns every long-lived component.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics
	pool    *pgxpool.Pool

	store      *credential.Store
	dispatcher *dispatch.Dispatcher
	router     *session.Router
	session    *session.Manager

	hub     *events.Hub
	stale   *events.StaleSet
	alerter *events.LogAlerter
	channel *realtime.Channel

	stopFollow func()
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sealCfg, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}

	persist, err := a.newPersister(ctx, sealCfg)
	if err != nil {
		return nil, err
	}
	a.store = credential.NewStore(log, persist)

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	renewer, err := dispatch.NewRenewer(log, dispatch.RenewerConfig{
		BaseURL:      cfg.APIBaseURL,
		HTTPClient:   httpClient,
		Singleflight: cfg.RenewSingleflight,
	}, a.store, a.metrics)
	if err != nil {
		a.closePool()
		return nil, err
	}

	a.dispatcher, err = dispatch.New(log, dispatch.Config{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: httpClient,
		UserAgent:  cfg.UserAgent,
	}, a.store, renewer, a.metrics)
	if err != nil {
		a.closePool()
		return nil, err
	}

	a.router = session.NewRouter("/")
	a.session, err = session.NewManager(log, a.dispatcher, a.store,
		session.WithNavigator(a.router),
		session.WithLoginRoute(cfg.LoginRoute),
	)
	if err != nil {
		a.closePool()
		return nil, err
	}
	a.dispatcher.OnSessionLost(a.session.HandleSessionLost)

	a.hub = events.NewHub(log, a.metrics)
	a.stale = events.NewStaleSet()
	a.alerter = events.NewLogAlerter(log, events.NewRateLimiter(cfg.AlertLimit, cfg.AlertWindow))
	fanout := events.NewFanout(log, a.hub, a.stale, a.alerter)

	a.channel, err = realtime.NewChannel(log, realtime.Config{
		URL:               cfg.WSURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.WriteTimeout,
		DialTimeout:       cfg.DialTimeout,
		Backoff: realtime.Backoff{
			Initial:    cfg.ReconnectInitial,
			Max:        cfg.ReconnectMax,
			Multiplier: cfg.ReconnectMultiplier,
			Jitter:     cfg.ReconnectJitter,
		},
	}, a.store, fanout, a.metrics)
	if err != nil {
		a.closePool()
		return nil, err
	}
	a.channel.OnStateChange(func(from, to realtime.State) {
		log.Info("channel.status", "from", from.String(), "to", to.String())
	})
	a.stopFollow = a.session.Subscribe(a.channel.HandleSession)

	return a, nil
}

func (a *App) newPersister(ctx context.Context, sealCfg seal.Config) (credential.Persister, error) {
	switch a.cfg.CredentialBackend {
	case BackendFile:
		return credential.NewFilePersister(a.cfg.CredentialFile, []byte(a.cfg.CredentialPassphrase), sealCfg)
	case BackendPostgres:
		pool, err := openCredentialDB(ctx, a.cfg)
		if err != nil {
			return nil, fmt.Errorf("credential db: %w", err)
		}
		a.pool = pool

		p, err := credential.NewPostgresPersister(pool, a.cfg.CredentialProfile, credential.WithSchema(a.cfg.DBSchema))
		if err != nil {
			a.closePool()
			return nil, err
		}
		if a.cfg.DBAutoMigrate {
			if err := p.EnsureSchema(ctx); err != nil {
				a.closePool()
				return nil, fmt.Errorf("credential db: %w", err)
			}
		}
		return p, nil
	default:
		return nil, nil
	}
}

// Session exposes the session manager to embedding programs.
func (a *App) Session() *session.Manager { return a.session }

// Dispatcher exposes the request dispatcher to embedding programs.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Events subscribes to decoded notifications.
func (a *App) Events(name string, queue int) *events.Subscriber {
	return a.hub.Subscribe(name, queue)
}

// Run restores or establishes the session, keeps the channel following it and
// blocks until ctx is cancelled or the status server fails.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	errCh := make(chan error, 1)

	if a.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("status listen: %w", err)
		}
		mux := http.NewServeMux()
		a.registerHTTP(mux)
		srv = &http.Server{
			Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		a.log.Info("status.start", "addr", ln.Addr().String(), "url", runtimeBaseURL(ln.Addr().String()))
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	notes := a.hub.Subscribe(logSubscriber, logSubscriberQueue)
	go a.logEvents(notes)

	if !a.session.Hydrate(ctx) && a.cfg.Username != "" {
		id, err := a.session.Login(ctx, session.Credentials{Username: a.cfg.Username, Password: a.cfg.Password})
		if err != nil {
			a.log.Error("session.login.fail", "err", err)
		} else {
			a.log.Info("session.login", "user", id.Username, "role", string(id.Role))
		}
	}
	a.log.Info("client.start",
		"api", a.cfg.APIBaseURL,
		"authenticated", a.session.Authenticated(),
		"backend", a.cfg.CredentialBackend,
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("client.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("status.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.shutdown(shutdownCtx, srv)
	return runErr
}

func (a *App) shutdown(ctx context.Context, srv *http.Server) {
	if a.cfg.LogoutOnExit && a.session.Authenticated() {
		a.session.Logout(ctx)
	}
	if a.stopFollow != nil {
		a.stopFollow()
	}
	a.channel.SetEnabled(false)
	a.hub.Close()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Error("status.shutdown.fail", "err", err)
		}
	}
	a.closePool()
	a.log.Info("client.stopped")
}

func (a *App) logEvents(sub *events.Subscriber) {
	for {
		select {
		case ev := <-sub.C:
			n := ev.Notification
			a.log.Info("notification.received",
				"id", string(n.ID),
				"type", n.Type,
				"priority", n.Priority.String(),
				"title", n.Title,
			)
		case <-sub.Done():
			return
		}
	}
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
