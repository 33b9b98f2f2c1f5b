package realtime

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bankline/cmd/internal/session"
	v1 "bankline/shared/contracts/bankline/v1"

	"github.com/coder/websocket"
)

var errNoCredential = errors.New("realtime: no access credential")

// TokenSource supplies the access credential presented at connect time.
// *credential.Store satisfies it.
type TokenSource interface {
	AccessToken() string
}

// Sink receives decoded notifications.
type Sink interface {
	Deliver(n v1.Notification, receivedAt time.Time)
}

// Recorder receives channel metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	SetChannelState(state int)
	IncReconnect()
	IncFrame(typ string)
	IncHeartbeat()
}

// Config configures a Channel. Zero durations take defaults.
type Config struct {
	// URL is the WebSocket base (ws://, wss://, http:// or https://).
	URL string

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
	Backoff           Backoff

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// Status is a passive snapshot for status indicators.
type Status struct {
	State            State
	ReconnectPending bool
	// Attempts counts consecutive failed connections; it resets on open.
	Attempts            int
	ReconnectsScheduled uint64
	HeartbeatsSent      uint64
	LastPong            time.Time
	LastError           error
}

// Channel is the notification channel state machine.
//
// All state lives under mu. Every connection gets a generation number;
// goroutines and timers belonging to an older generation find it changed and
// do nothing.
type Channel struct {
	log     *slog.Logger
	cfg     Config
	tokens  TokenSource
	sink    Sink
	metrics Recorder

	mu      sync.Mutex
	state   State
	enabled bool
	resume  bool
	gen     uint64
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}

	// pingCancel aborts the current generation's heartbeat writes.
	pingCancel context.CancelFunc

	timer    *time.Timer
	timerSeq uint64
	rng      *rand.Rand

	attempts   int
	reconnects uint64
	heartbeats uint64
	lastPong   time.Time
	lastErr    error

	pending []transition

	ping func(ctx context.Context, conn *websocket.Conn) error

	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers []func(from, to State)
}

type transition struct{ from, to State }

// NewChannel constructs a disabled, disconnected Channel. rec may be nil.
func NewChannel(log *slog.Logger, cfg Config, tokens TokenSource, sink Sink, rec Recorder) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("realtime: empty channel URL")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.New("realtime: invalid channel URL")
	}
	if tokens == nil {
		return nil, errors.New("realtime: nil token source")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		log:     log,
		cfg:     cfg.withDefaults(),
		tokens:  tokens,
		sink:    sink,
		metrics: rec,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.ping = c.sendPing
	return c, nil
}

// OnStateChange registers fn for every state transition. Observers run in
// order after the lock is released; they must not call Connect, Disconnect
// or SetEnabled.
func (c *Channel) OnStateChange(fn func(from, to State)) {
	if fn == nil {
		return
	}
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Status returns a snapshot.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:               c.state,
		ReconnectPending:    c.timer != nil,
		Attempts:            c.attempts,
		ReconnectsScheduled: c.reconnects,
		HeartbeatsSent:      c.heartbeats,
		LastPong:            c.lastPong,
		LastError:           c.lastErr,
	}
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleSession follows the session: authenticated enables and connects,
// anything else disables and disconnects.
func (c *Channel) HandleSession(s session.State) {
	c.SetEnabled(s.Authenticated)
}

// SetEnabled gates connection attempts.
func (c *Channel) SetEnabled(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()

	if on {
		c.Connect()
		return
	}
	c.Disconnect()
}

// Connect opens the channel. It is a no-op while disabled, connecting or
// open; while closing it is deferred until the close completes. A pending
// reconnection is cancelled and replaced by an immediate attempt.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if !c.enabled {
		return
	}
	switch c.state {
	case StateConnecting, StateOpen:
		return
	case StateClosing:
		// Picked up when the close completes.
		c.resume = true
		return
	case StateReconnecting:
		c.stopTimerLocked()
	}
	c.startLocked()
}

// Disconnect closes the channel with the normal closure code and cancels any
// pending reconnection. It returns once the connection goroutines have
// finished or a short grace period has passed.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.resume = false

	switch c.state {
	case StateDisconnected:
		c.unlockAndNotify()
		return
	case StateReconnecting:
		c.setStateLocked(StateDisconnected)
		c.unlockAndNotify()
		c.log.Info("channel.disconnect", "from", StateReconnecting.String())
		return
	}

	from := c.state
	c.setStateLocked(StateClosing)
	c.gen++
	gen := c.gen
	conn, cancel, done, pingCancel := c.conn, c.cancel, c.done, c.pingCancel
	c.conn, c.cancel, c.pingCancel = nil, nil, nil
	c.unlockAndNotify()

	c.log.Info("channel.disconnect", "from", from.String())

	if conn != nil {
		// A ping stuck on a stalled peer holds the writer; give it a moment,
		// then abort it so the close can proceed.
		var abort *time.Timer
		if pingCancel != nil {
			abort = time.AfterFunc(pingAbortAfter, pingCancel)
		}
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.log.Debug("channel.close.fail", "err", err)
		}
		if abort != nil {
			abort.Stop()
		}
	}
	if pingCancel != nil {
		pingCancel()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(closeGrace):
			c.log.Warn("channel.close.grace_exceeded")
		}
	}

	c.mu.Lock()
	if c.gen == gen && c.state == StateClosing {
		c.setStateLocked(StateDisconnected)
		if c.resume && c.enabled {
			c.resume = false
			c.startLocked()
		}
	}
	c.unlockAndNotify()
}

// startLocked begins a new connection generation. The dial waits for the
// previous generation's goroutines so connections never overlap.
func (c *Channel) startLocked() {
	c.gen++
	gen := c.gen

	ctx, cancel := context.WithCancel(context.Background())
	prev := c.done
	done := make(chan struct{})

	c.cancel = cancel
	c.done = done
	c.conn = nil
	c.setStateLocked(StateConnecting)

	go c.run(ctx, gen, prev, done)
}

func (c *Channel) run(ctx context.Context, gen uint64, prev <-chan struct{}, done chan struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	connID := newConnectionID(time.Now())
	log := c.log.With("conn_id", connID)

	token := c.tokens.AccessToken()
	if token == "" {
		c.abandon(gen, errNoCredential)
		return
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.endpoint(token), &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
	})
	dialCancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Info("channel.dial.fail", "err", err)
		c.finish(gen, err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	pingCtx, pingCancel := context.WithCancel(connCtx)

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		pingCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	c.conn = conn
	c.pingCancel = pingCancel
	c.attempts = 0
	c.lastErr = nil
	c.setStateLocked(StateOpen)
	c.unlockAndNotify()

	log.Info("channel.open")

	hbDone := make(chan struct{})
	go c.heartbeat(pingCtx, gen, conn, hbDone)

	err = c.readLoop(connCtx, log, conn)

	connCancel()
	<-hbDone

	log.Info("channel.closed", "close_status", websocket.CloseStatus(err), "err", err)
	c.finish(gen, err)
}

func (c *Channel) readLoop(ctx context.Context, log *slog.Logger, conn *websocket.Conn) error {
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		f, err := v1.DecodeFrame(data)
		if err != nil {
			log.Debug("channel.frame.bad", "err", err)
			c.countFrame("invalid")
			continue
		}
		c.handleFrame(log, f)
	}
}

func (c *Channel) handleFrame(log *slog.Logger, f v1.Frame) {
	now := time.Now().UTC()

	switch f.Type {
	case v1.TypeNotification:
		c.countFrame(f.Type)
		if f.Notification == nil {
			log.Debug("channel.notification.empty")
			return
		}
		if c.sink != nil {
			c.sink.Deliver(*f.Notification, now)
		}

	case v1.TypeConnectionEstablished:
		c.countFrame(f.Type)
		log.Info("channel.established", "message", f.Message)

	case v1.TypePong:
		c.countFrame(f.Type)
		c.mu.Lock()
		c.lastPong = now
		c.mu.Unlock()

	default:
		c.countFrame("unknown")
		log.Debug("channel.frame.unknown", "type", f.Type)
	}
}

// heartbeat sends a ping each interval. No ping starts once the generation
// has moved out of Open. The write itself runs without mu; Disconnect
// cancels ctx to abort one that stalls.
func (c *Channel) heartbeat(ctx context.Context, gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !c.isOpen(gen) {
				return
			}
			err := c.ping(ctx, conn)

			c.mu.Lock()
			current := c.gen == gen
			if err == nil {
				c.heartbeats++
			}
			c.mu.Unlock()

			if err == nil && c.metrics != nil {
				c.metrics.IncHeartbeat()
			}
			if !current {
				return
			}
			if err != nil {
				// Liveness belongs to the read side; a failed ping is only logged.
				c.log.Info("channel.ping.fail", "err", err)
			}
		}
	}
}

func (c *Channel) isOpen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateOpen
}

func (c *Channel) sendPing(ctx context.Context, conn *websocket.Conn) error {
	return writeFrame(ctx, conn, v1.PingFrame(), c.cfg.WriteTimeout)
}

// finish handles the end of a connection that was not closed by Disconnect.
func (c *Channel) finish(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.gen != gen || c.state == StateClosing || c.state == StateDisconnected {
		return
	}
	c.conn = nil
	c.pingCancel = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.lastErr = err

	if classifyClose(err) == closeNormal || !c.enabled {
		c.setStateLocked(StateDisconnected)
		return
	}
	c.scheduleLocked()
}

// abandon ends a generation without scheduling a reconnection.
func (c *Channel) abandon(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.gen != gen || c.state != StateConnecting {
		return
	}
	c.log.Info("channel.abandon", "err", err)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.lastErr = err
	c.setStateLocked(StateDisconnected)
}

// scheduleLocked arms the single reconnection timer, replacing any other.
func (c *Channel) scheduleLocked() {
	c.stopTimerLocked()

	c.attempts++
	c.reconnects++
	delay := c.cfg.Backoff.Delay(c.attempts, c.rng)

	seq := c.timerSeq
	c.timer = time.AfterFunc(delay, func() { c.fire(seq) })
	c.setStateLocked(StateReconnecting)

	if c.metrics != nil {
		c.metrics.IncReconnect()
	}
	c.log.Info("channel.reconnect.scheduled", "attempt", c.attempts, "delay", delay.String())
}

func (c *Channel) fire(seq uint64) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.timerSeq != seq || c.timer == nil {
		return
	}
	c.timer = nil
	c.timerSeq++

	if !c.enabled || c.state != StateReconnecting {
		return
	}
	c.startLocked()
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Channel) setStateLocked(to State) {
	if c.state == to {
		return
	}
	c.pending = append(c.pending, transition{from: c.state, to: to})
	c.state = to
	if c.metrics != nil {
		c.metrics.SetChannelState(int(to))
	}
}

// unlockAndNotify releases mu and then runs observers for queued
// transitions. One goroutine drains the queue at a time, so observers see
// transitions in the order they happened.
func (c *Channel) unlockAndNotify() {
	queued := len(c.pending) > 0
	c.mu.Unlock()
	if !queued {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.obsMu.Lock()
	obs := append([]func(from, to State){}, c.observers...)
	c.obsMu.Unlock()

	for _, tr := range pending {
		c.log.Debug("channel.state", "from", tr.from.String(), "to", tr.to.String())
		for _, fn := range obs {
			fn(tr.from, tr.to)
		}
	}
}

func (c *Channel) countFrame(typ string) {
	if c.metrics != nil {
		c.metrics.IncFrame(typ)
	}
}

// endpoint never appears in logs; it carries the access credential.
func (c *Channel) endpoint(token string) string {
	return strings.TrimRight(c.cfg.URL, "/") + v1.PathNotifications + "?token=" + url.QueryEscape(token)
}
