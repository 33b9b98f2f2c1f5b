package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"bankline/cmd/internal/credential"
	"bankline/cmd/internal/dispatch"
	v1 "bankline/shared/contracts/bankline/v1"
)

// DefaultLoginRoute is where the user is sent when the session is lost.
const DefaultLoginRoute = "/login"

// API sends requests on behalf of the session. *dispatch.Dispatcher satisfies it.
type API interface {
	DoJSON(ctx context.Context, req dispatch.Request, out any) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithNavigator sets the navigator used for the session-loss redirect.
func WithNavigator(nav Navigator) Option {
	return func(m *Manager) { m.nav = nav }
}

// WithLoginRoute overrides DefaultLoginRoute.
func WithLoginRoute(path string) Option {
	return func(m *Manager) {
		if p := strings.TrimSpace(path); p != "" {
			m.loginRoute = p
		}
	}
}

// Credentials are the login inputs.
type Credentials struct {
	Username string
	Password string
}

// Registration are the sign-up inputs.
type Registration struct {
	Username string
	Email    string
	Password string
	FullName string
}

// Manager owns the session state.
//
// Transitions are serialized; observers run after the state has changed,
// in registration order, without the state lock held. Observers must not
// start another transition synchronously.
type Manager struct {
	log        *slog.Logger
	api        API
	store      *credential.Store
	nav        Navigator
	loginRoute string

	transMu sync.Mutex

	mu    sync.RWMutex
	state State

	obsMu     sync.Mutex
	nextObsID int
	observers []observer
}

type observer struct {
	id int
	fn func(State)
}

// NewManager constructs an unauthenticated Manager.
func NewManager(log *slog.Logger, api API, store *credential.Store, opts ...Option) (*Manager, error) {
	if api == nil {
		return nil, errors.New("session: nil api")
	}
	if store == nil {
		return nil, errors.New("session: nil credential store")
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:        log,
		api:        api,
		store:      store,
		loginRoute: DefaultLoginRoute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Authenticated reports whether a session is established.
func (m *Manager) Authenticated() bool {
	return m.State().Authenticated
}

// Subscribe registers fn for every transition. The returned func removes it.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	m.obsMu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			defer m.obsMu.Unlock()
			for i, o := range m.observers {
				if o.id == id {
					m.observers = append(m.observers[:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Login signs in and establishes the session.
func (m *Manager) Login(ctx context.Context, c Credentials) (Identity, error) {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return Identity{}, ErrMissingCredentials
	}

	var out v1.LoginResponse
	err := m.api.DoJSON(ctx, dispatch.Request{
		Method:    http.MethodPost,
		Path:      v1.PathLogin,
		Body:      v1.LoginRequest{Username: c.Username, Password: c.Password},
		Anonymous: true,
	}, &out)
	if err != nil {
		return Identity{}, fmt.Errorf("session: login: %w", err)
	}
	return m.begin(ctx, out)
}

// Register creates an account and establishes the session for it.
func (m *Manager) Register(ctx context.Context, r Registration) (Identity, error) {
	if strings.TrimSpace(r.Username) == "" || r.Password == "" {
		return Identity{}, ErrMissingCredentials
	}

	var out v1.LoginResponse
	err := m.api.DoJSON(ctx, dispatch.Request{
		Method: http.MethodPost,
		Path:   v1.PathRegister,
		Body: v1.RegisterRequest{
			Username: r.Username,
			Email:    r.Email,
			Password: r.Password,
			FullName: r.FullName,
		},
		Anonymous: true,
	}, &out)
	if err != nil {
		return Identity{}, fmt.Errorf("session: register: %w", err)
	}
	return m.begin(ctx, out)
}

func (m *Manager) begin(ctx context.Context, out v1.LoginResponse) (Identity, error) {
	if out.Access == "" || out.Refresh == "" {
		return Identity{}, ErrMalformedLogin
	}
	if err := m.store.Set(ctx, credential.Pair{Access: out.Access, Refresh: out.Refresh}); err != nil {
		if errors.Is(err, credential.ErrInconsistentPair) {
			return Identity{}, err
		}
		m.log.Warn("session.persist_fail", "err", err)
	}

	var id Identity
	if out.User != nil {
		id = identityFromUser(*out.User)
	} else {
		probed, err := m.probe(ctx)
		if err != nil {
			m.clearStore(ctx)
			return Identity{}, fmt.Errorf("session: identity probe: %w", err)
		}
		id = probed
	}

	m.establish(id)
	return id, nil
}

// Logout ends the session. The server is told on a best-effort basis; its
// answer never changes the outcome. Calling Logout twice is harmless.
func (m *Manager) Logout(ctx context.Context) {
	pair, had := m.store.Get()

	m.clearStore(ctx)
	m.invalidate("logout")

	if !had {
		return
	}

	// Sent without renewal so a stale access credential cannot re-enter
	// the session-loss path.
	err := m.api.DoJSON(ctx, dispatch.Request{
		Method:    http.MethodPost,
		Path:      v1.PathLogout,
		Header:    http.Header{"Authorization": []string{"Bearer " + pair.Access}},
		Body:      v1.LogoutRequest{Refresh: pair.Refresh},
		Anonymous: true,
	}, nil)
	if err != nil {
		m.log.Debug("session.logout.remote_fail", "err", err)
	}
}

// Hydrate restores a session from the persisted credential pair. It reports
// whether the session is authenticated afterwards. Failures are never
// surfaced; they leave the store empty and the session unauthenticated.
func (m *Manager) Hydrate(ctx context.Context) bool {
	ok, err := m.store.Load(ctx)
	if err != nil {
		m.log.Warn("session.hydrate.load_fail", "err", err)
		m.clearStore(ctx)
		m.invalidate("hydrate")
		return false
	}
	if !ok {
		if _, present := m.store.Get(); !present {
			return false
		}
	}

	// A failed restore ends like a logout, without the session-loss redirect.
	id, err := m.probe(ctx)
	if err != nil {
		m.log.Info("session.hydrate.fail", "err", err)
		m.clearStore(ctx)
		m.invalidate("hydrate")
		return false
	}

	m.establish(id)
	return true
}

// HandleSessionLost is the dispatcher's session-loss hook. The store has
// already been cleared. The user is sent to the login route unless already
// there.
func (m *Manager) HandleSessionLost(_ context.Context, cause error) {
	m.log.Info("session.lost", "cause", cause)
	m.invalidate("session_lost")

	if m.nav == nil {
		return
	}
	if m.nav.Location() == m.loginRoute {
		return
	}
	m.nav.Navigate(m.loginRoute)
}

// probe asks the server who the stored credentials belong to. Its callers
// clean up on failure, so a loss here stays quiet.
func (m *Manager) probe(ctx context.Context) (Identity, error) {
	var u v1.User
	if err := m.api.DoJSON(ctx, dispatch.Request{Method: http.MethodGet, Path: v1.PathMe, QuietLoss: true}, &u); err != nil {
		return Identity{}, err
	}
	if u.ID == "" && u.Username == "" {
		return Identity{}, ErrNoIdentity
	}
	return identityFromUser(u), nil
}

func (m *Manager) establish(id Identity) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	next := State{Authenticated: true, User: &id}
	m.mu.Lock()
	m.state = next
	m.mu.Unlock()

	m.log.Info("session.establish", "user_id", id.ID, "role", string(id.Role))
	m.notify(next)
}

func (m *Manager) invalidate(reason string) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	was := m.state.Authenticated
	m.state = State{}
	m.mu.Unlock()

	if !was {
		return
	}
	m.log.Info("session.invalidate", "reason", reason)
	m.notify(State{})
}

func (m *Manager) notify(s State) {
	m.obsMu.Lock()
	obs := make([]func(State), 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o.fn)
	}
	m.obsMu.Unlock()

	for _, fn := range obs {
		fn(s)
	}
}

func (m *Manager) clearStore(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.log.Warn("session.clear_fail", "err", err)
	}
}
