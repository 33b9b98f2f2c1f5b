package app

import (
	"encoding/json"
	"net/http"
	"time"

	"bankline/cmd/internal/realtime"
	"bankline/cmd/internal/session"
)

// statusView is the JSON body served on /status.
type statusView struct {
	Authenticated bool              `json:"authenticated"`
	User          *session.Identity `json:"user,omitempty"`
	Channel       channelView       `json:"channel"`
	Alerts        alertView         `json:"alerts"`
}

type channelView struct {
	State               string    `json:"state"`
	ReconnectPending    bool      `json:"reconnect_pending"`
	ReconnectsScheduled uint64    `json:"reconnects_scheduled"`
	HeartbeatsSent      uint64    `json:"heartbeats_sent"`
	LastPong            time.Time `json:"last_pong,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

type alertView struct {
	Suppressed uint64 `json:"suppressed"`
}

func newChannelView(s realtime.Status) channelView {
	v := channelView{
		State:               s.State.String(),
		ReconnectPending:    s.ReconnectPending,
		ReconnectsScheduled: s.ReconnectsScheduled,
		HeartbeatsSent:      s.HeartbeatsSent,
		LastPong:            s.LastPong,
	}
	if s.LastError != nil {
		v.LastError = s.LastError.Error()
	}
	return v
}

// registerHTTP mounts the local status surface. It is served only when a
// metrics address is configured.
func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !a.session.Authenticated() {
			http.Error(w, "not authenticated", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := credentialDBReady(r.Context(), a.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		st := a.session.State()
		view := statusView{
			Authenticated: st.Authenticated,
			User:          st.User,
			Channel:       newChannelView(a.channel.Status()),
			Alerts:        alertView{Suppressed: a.alerter.Suppressed()},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			a.log.Warn("status.encode.fail", "err", err)
		}
	})
}
