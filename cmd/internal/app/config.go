package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Credential backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config is the client runtime configuration. Values come from an optional
// TOML file (BANKLINE_CONFIG) and are then overridden by environment variables.
type Config struct {
	APIBaseURL string
	WSURL      string
	LoginRoute string
	UserAgent  string

	LogLevel  string
	LogFormat string

	RequestTimeout    time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration

	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64
	ReconnectJitter     bool

	RenewSingleflight bool

	CredentialBackend    string
	CredentialFile       string
	CredentialPassphrase string
	CredentialProfile    string

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	MetricsAddr string

	AlertLimit  int
	AlertWindow time.Duration

	AllowInsecure bool

	Username     string
	Password     string
	LogoutOnExit bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		APIBaseURL: "http://127.0.0.1:8000/api",
		LoginRoute: "/login",
		UserAgent:  "bankline-client/1",

		LogLevel:  "info",
		LogFormat: "json",

		RequestTimeout:    30 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,

		ReconnectInitial:    5 * time.Second,
		ReconnectMax:        60 * time.Second,
		ReconnectMultiplier: 1.0,

		RenewSingleflight: true,

		CredentialBackend: BackendMemory,
		CredentialProfile: "default",

		DBSchema:   "bankline",
		DBMaxConns: 4,

		AlertLimit:  10,
		AlertWindow: time.Minute,
	}
}

// LoadConfig builds the configuration: defaults, then the TOML file named by
// BANKLINE_CONFIG (if any), then environment variables. Malformed variables
// are reported together.
func LoadConfig() (Config, error) {
	return loadConfig(newEnvSource())
}

func loadConfig(env *envSource) (Config, error) {
	cfg := DefaultConfig()

	var path string
	env.text(&path, "CONFIG")
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}

	if cfg.WSURL == "" {
		cfg.WSURL = wsBaseURL(cfg.APIBaseURL)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env *envSource) error {
	env.text(&cfg.APIBaseURL, "API_URL")
	env.text(&cfg.WSURL, "WS_URL")
	env.text(&cfg.LoginRoute, "LOGIN_ROUTE")
	env.text(&cfg.UserAgent, "USER_AGENT")

	env.text(&cfg.LogLevel, "LOG_LEVEL")
	env.text(&cfg.LogFormat, "LOG_FORMAT")

	env.span(&cfg.RequestTimeout, "REQUEST_TIMEOUT")
	env.span(&cfg.DialTimeout, "WS_DIAL_TIMEOUT")
	env.span(&cfg.WriteTimeout, "WS_WRITE_TIMEOUT")
	env.span(&cfg.HeartbeatInterval, "WS_HEARTBEAT_INTERVAL")

	env.span(&cfg.ReconnectInitial, "WS_RECONNECT_DELAY")
	env.span(&cfg.ReconnectMax, "WS_RECONNECT_MAX")
	env.factor(&cfg.ReconnectMultiplier, "WS_RECONNECT_MULTIPLIER")
	env.flag(&cfg.ReconnectJitter, "WS_RECONNECT_JITTER")

	env.flag(&cfg.RenewSingleflight, "RENEW_SINGLEFLIGHT")

	env.lower(&cfg.CredentialBackend, "CREDENTIAL_BACKEND")
	env.text(&cfg.CredentialFile, "CREDENTIAL_FILE")
	env.text(&cfg.CredentialPassphrase, "CREDENTIAL_PASSPHRASE")
	env.text(&cfg.CredentialProfile, "CREDENTIAL_PROFILE")

	env.text(&cfg.DatabaseURL, "DATABASE_URL")
	env.text(&cfg.DBSchema, "DB_SCHEMA")
	env.conns(&cfg.DBMaxConns, "DB_MAX_CONNS")
	env.conns(&cfg.DBMinConns, "DB_MIN_CONNS")
	env.flag(&cfg.DBAutoMigrate, "DB_AUTO_MIGRATE")

	env.text(&cfg.MetricsAddr, "METRICS_ADDR")

	env.count(&cfg.AlertLimit, "ALERT_LIMIT")
	env.span(&cfg.AlertWindow, "ALERT_WINDOW")

	env.flag(&cfg.AllowInsecure, "ALLOW_INSECURE")

	env.text(&cfg.Username, "USERNAME")
	env.text(&cfg.Password, "PASSWORD")
	env.flag(&cfg.LogoutOnExit, "LOGOUT_ON_EXIT")

	return env.err()
}

type fileConfig struct {
	APIURL     string `toml:"api_url"`
	WSURL      string `toml:"ws_url"`
	LoginRoute string `toml:"login_route"`
	UserAgent  string `toml:"user_agent"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	RequestTimeout    string `toml:"request_timeout"`
	RenewSingleflight bool   `toml:"renew_singleflight"`

	Channel struct {
		DialTimeout         string  `toml:"dial_timeout"`
		WriteTimeout        string  `toml:"write_timeout"`
		HeartbeatInterval   string  `toml:"heartbeat_interval"`
		ReconnectDelay      string  `toml:"reconnect_delay"`
		ReconnectMax        string  `toml:"reconnect_max"`
		ReconnectMultiplier float64 `toml:"reconnect_multiplier"`
		ReconnectJitter     bool    `toml:"reconnect_jitter"`
	} `toml:"channel"`

	Credentials struct {
		Backend string `toml:"backend"`
		File    string `toml:"file"`
		Profile string `toml:"profile"`
	} `toml:"credentials"`

	Database struct {
		URL         string `toml:"url"`
		Schema      string `toml:"schema"`
		MaxConns    int32  `toml:"max_conns"`
		MinConns    int32  `toml:"min_conns"`
		AutoMigrate bool   `toml:"auto_migrate"`
	} `toml:"database"`

	MetricsAddr string `toml:"metrics_addr"`

	Alerts struct {
		Limit  int    `toml:"limit"`
		Window string `toml:"window"`
	} `toml:"alerts"`

	LogoutOnExit bool `toml:"logout_on_exit"`
}

// applyFile overlays keys present in the TOML file. Secrets (passphrase,
// password) are deliberately env-only.
func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config file: unknown key %q", undecoded[0].String())
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			*dst = strings.TrimSpace(v)
		}
	}
	setDuration := func(key string, dst *time.Duration, v string) error {
		if !meta.IsDefined(strings.Split(key, ".")...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setString("api_url", &cfg.APIBaseURL, raw.APIURL)
	setString("ws_url", &cfg.WSURL, raw.WSURL)
	setString("login_route", &cfg.LoginRoute, raw.LoginRoute)
	setString("user_agent", &cfg.UserAgent, raw.UserAgent)
	setString("log.level", &cfg.LogLevel, raw.Log.Level)
	setString("log.format", &cfg.LogFormat, raw.Log.Format)
	setString("credentials.backend", &cfg.CredentialBackend, strings.ToLower(raw.Credentials.Backend))
	setString("credentials.file", &cfg.CredentialFile, raw.Credentials.File)
	setString("credentials.profile", &cfg.CredentialProfile, raw.Credentials.Profile)
	setString("database.url", &cfg.DatabaseURL, raw.Database.URL)
	setString("database.schema", &cfg.DBSchema, raw.Database.Schema)
	setString("metrics_addr", &cfg.MetricsAddr, raw.MetricsAddr)

	for _, d := range []struct {
		key string
		dst *time.Duration
		v   string
	}{
		{"request_timeout", &cfg.RequestTimeout, raw.RequestTimeout},
		{"channel.dial_timeout", &cfg.DialTimeout, raw.Channel.DialTimeout},
		{"channel.write_timeout", &cfg.WriteTimeout, raw.Channel.WriteTimeout},
		{"channel.heartbeat_interval", &cfg.HeartbeatInterval, raw.Channel.HeartbeatInterval},
		{"channel.reconnect_delay", &cfg.ReconnectInitial, raw.Channel.ReconnectDelay},
		{"channel.reconnect_max", &cfg.ReconnectMax, raw.Channel.ReconnectMax},
		{"alerts.window", &cfg.AlertWindow, raw.Alerts.Window},
	} {
		if err := setDuration(d.key, d.dst, d.v); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}

	if meta.IsDefined("renew_singleflight") {
		cfg.RenewSingleflight = raw.RenewSingleflight
	}
	if meta.IsDefined("channel", "reconnect_multiplier") {
		cfg.ReconnectMultiplier = raw.Channel.ReconnectMultiplier
	}
	if meta.IsDefined("channel", "reconnect_jitter") {
		cfg.ReconnectJitter = raw.Channel.ReconnectJitter
	}
	if meta.IsDefined("database", "max_conns") {
		cfg.DBMaxConns = raw.Database.MaxConns
	}
	if meta.IsDefined("database", "min_conns") {
		cfg.DBMinConns = raw.Database.MinConns
	}
	if meta.IsDefined("database", "auto_migrate") {
		cfg.DBAutoMigrate = raw.Database.AutoMigrate
	}
	if meta.IsDefined("alerts", "limit") {
		cfg.AlertLimit = raw.Alerts.Limit
	}
	if meta.IsDefined("logout_on_exit") {
		cfg.LogoutOnExit = raw.LogoutOnExit
	}
	return nil
}

// Validate fails fast on settings the client cannot run with.
func (c Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api url must be an absolute http(s) URL: %q", c.APIBaseURL))
	}
	if u, err := url.Parse(c.WSURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("ws url must be absolute: %q", c.WSURL))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("ws url scheme %q not supported", u.Scheme))
		}
	}
	if !strings.HasPrefix(c.LoginRoute, "/") {
		errs = append(errs, fmt.Errorf("login route must start with '/': %q", c.LoginRoute))
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log format must be json or pretty: %q", c.LogFormat))
	}

	for name, d := range map[string]time.Duration{
		"request timeout":    c.RequestTimeout,
		"dial timeout":       c.DialTimeout,
		"write timeout":      c.WriteTimeout,
		"heartbeat interval": c.HeartbeatInterval,
		"reconnect delay":    c.ReconnectInitial,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ReconnectMultiplier < 1 {
		errs = append(errs, errors.New("reconnect multiplier must be >= 1"))
	}
	if c.ReconnectMax > 0 && c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, errors.New("reconnect max must not be below the reconnect delay"))
	}

	switch c.CredentialBackend {
	case BackendMemory:
	case BackendFile:
		if c.CredentialFile == "" {
			errs = append(errs, errors.New("file backend requires BANKLINE_CREDENTIAL_FILE"))
		}
		if c.CredentialPassphrase == "" {
			errs = append(errs, errors.New("file backend requires BANKLINE_CREDENTIAL_PASSPHRASE"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres backend requires BANKLINE_DATABASE_URL"))
		}
		if strings.TrimSpace(c.CredentialProfile) == "" {
			errs = append(errs, errors.New("postgres backend requires a credential profile"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown credential backend %q", c.CredentialBackend))
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics addr: %w", err))
		}
	}
	if (c.Username == "") != (c.Password == "") {
		errs = append(errs, errors.New("BANKLINE_USERNAME and BANKLINE_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

// wsBaseURL derives the channel origin from the API base URL.
func wsBaseURL(api string) string {
	api = strings.TrimSpace(api)
	if !strings.Contains(api, "://") {
		return "ws://" + strings.TrimRight(api, "/")
	}
	u, err := url.Parse(api)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.Scheme + "://" + u.Host
}

// runtimeBaseURL turns a listen address into a URL reachable from this host.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
