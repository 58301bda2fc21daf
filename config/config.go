// Package config centralises runtime configuration helpers for tickwire services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where tickwire operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Configured reports whether both halves of the credential pair are present.
func (c Credentials) Configured() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// ReconnectSettings governs the exponential backoff schedule between
// connection attempts.
type ReconnectSettings struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterBound  time.Duration
}

// SessionSettings configures a single websocket session.
type SessionSettings struct {
	HandshakeTimeout time.Duration
	MaxPayload       int64
}

// ManagerSettings tunes the connection manager run loop.
type ManagerSettings struct {
	ReceiveWindow time.Duration
	IdleDelay     time.Duration
	PongTolerance time.Duration
	ControlRate   float64
	ControlBurst  int
}

// BinanceSettings aggregates Binance transport and credential configuration.
type BinanceSettings struct {
	RESTBaseURL        string
	WSBaseURL          string
	Credentials        Credentials
	RecvWindow         time.Duration
	ListenKeyKeepAlive time.Duration
}

// FeedSettings shapes the managed market-data feed.
type FeedSettings struct {
	Streams       []string
	PingInterval  time.Duration
	SnapshotDepth int
}

// TelemetrySettings configures OTLP exporters (metrics only).
type TelemetrySettings struct {
	OTLPEndpoint  string
	ServiceName   string
	OTLPInsecure  bool
	EnableMetrics bool
}

// Settings contains the tickwire configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Endpoint    string
	Reconnect   ReconnectSettings
	Session     SessionSettings
	Manager     ManagerSettings
	Binance     BinanceSettings
	Feed        FeedSettings
	Telemetry   TelemetrySettings
	CPUCore     int
	Debug       bool
}

// Default returns the default tickwire configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Endpoint:    "wss://stream.binance.com:9443/ws",
		Reconnect: ReconnectSettings{
			MaxAttempts:  10,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterBound:  time.Second,
		},
		Session: SessionSettings{
			HandshakeTimeout: 10 * time.Second,
			MaxPayload:       16 << 20,
		},
		Manager: ManagerSettings{
			ReceiveWindow: 10 * time.Millisecond,
			IdleDelay:     10 * time.Millisecond,
			PongTolerance: 30 * time.Second,
			ControlRate:   5,
			ControlBurst:  1,
		},
		Binance: BinanceSettings{
			RESTBaseURL:        "https://api.binance.com",
			WSBaseURL:          "wss://stream.binance.com:9443",
			Credentials:        Credentials{APIKey: "", APISecret: ""},
			RecvWindow:         5 * time.Second,
			ListenKeyKeepAlive: 30 * time.Minute,
		},
		Feed: FeedSettings{
			Streams:       nil,
			PingInterval:  15 * time.Second,
			SnapshotDepth: 100,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint:  "",
			ServiceName:   "tickwire",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
		CPUCore: -1,
		Debug:   false,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	applyEnv(&cfg)
	cfg.normalise()
	return cfg
}

func applyEnv(cfg *Settings) {
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_WS_URL")); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_STREAMS")); v != "" {
		cfg.Feed.Streams = splitStreams(v)
	}
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Reconnect.MaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Session.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_PONG_TOLERANCE")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Manager.PongTolerance = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_CPU_CORE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CPUCore = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TICKWIRE_DEBUG")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_REST_BASE_URL")); v != "" {
		cfg.Binance.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_WS_BASE_URL")); v != "" {
		cfg.Binance.WSBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); v != "" {
		cfg.Binance.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY")); v != "" {
		cfg.Binance.Credentials.APISecret = v
	} else if v := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET")); v != "" {
		cfg.Binance.Credentials.APISecret = v
	}
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.normalise()
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithEndpoint overrides the websocket endpoint targeted by the connection manager.
func WithEndpoint(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.Endpoint = url
		}
	}
}

// WithStreams replaces the initial stream subscription set.
func WithStreams(streams ...string) Option {
	return func(s *Settings) {
		if len(streams) > 0 {
			s.Feed.Streams = append([]string(nil), streams...)
		}
	}
}

// WithReconnectPolicy overrides the reconnect backoff schedule.
func WithReconnectPolicy(maxAttempts int, initial, max time.Duration, multiplier float64, jitter time.Duration) Option {
	return func(s *Settings) {
		if maxAttempts > 0 {
			s.Reconnect.MaxAttempts = maxAttempts
		}
		if initial > 0 {
			s.Reconnect.InitialDelay = initial
		}
		if max > 0 {
			s.Reconnect.MaxDelay = max
		}
		if multiplier >= 1 {
			s.Reconnect.Multiplier = multiplier
		}
		if jitter >= 0 {
			s.Reconnect.JitterBound = jitter
		}
	}
}

// WithHandshakeTimeout overrides the websocket handshake deadline.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.Session.HandshakeTimeout = timeout
		}
	}
}

// WithPongTolerance overrides the pong staleness bound used by health checks.
func WithPongTolerance(tolerance time.Duration) Option {
	return func(s *Settings) {
		if tolerance > 0 {
			s.Manager.PongTolerance = tolerance
		}
	}
}

// WithBinanceEndpoints overrides the Binance REST and websocket base URLs.
func WithBinanceEndpoints(rest, ws string) Option {
	rest = strings.TrimSpace(rest)
	ws = strings.TrimSpace(ws)
	return func(s *Settings) {
		if rest != "" {
			s.Binance.RESTBaseURL = rest
		}
		if ws != "" {
			s.Binance.WSBaseURL = ws
		}
	}
}

// WithBinanceAPI configures Binance API credentials.
func WithBinanceAPI(key, secret string) Option {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return func(s *Settings) {
		if key != "" {
			s.Binance.Credentials.APIKey = key
		}
		if secret != "" {
			s.Binance.Credentials.APISecret = secret
		}
	}
}

// WithCPUCore pins the hot loop to the given core. Negative disables pinning.
func WithCPUCore(core int) Option {
	return func(s *Settings) {
		s.CPUCore = core
	}
}

// WithDebug toggles debug logging.
func WithDebug(enabled bool) Option {
	return func(s *Settings) {
		s.Debug = enabled
	}
}

// WithTelemetry overrides the OTLP exporter target and service identity.
func WithTelemetry(endpoint, serviceName string, insecure bool) Option {
	endpoint = strings.TrimSpace(endpoint)
	serviceName = strings.TrimSpace(serviceName)
	return func(s *Settings) {
		if endpoint != "" {
			s.Telemetry.OTLPEndpoint = endpoint
			s.Telemetry.EnableMetrics = true
		}
		if serviceName != "" {
			s.Telemetry.ServiceName = serviceName
		}
		s.Telemetry.OTLPInsecure = insecure
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Feed.Streams = append([]string(nil), s.Feed.Streams...)
	return out
}

func (s *Settings) normalise() {
	s.Environment = Environment(strings.ToLower(strings.TrimSpace(string(s.Environment))))
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Binance.RESTBaseURL = strings.TrimRight(strings.TrimSpace(s.Binance.RESTBaseURL), "/")
	s.Binance.WSBaseURL = strings.TrimRight(strings.TrimSpace(s.Binance.WSBaseURL), "/")
	s.Telemetry.OTLPEndpoint = strings.TrimSpace(s.Telemetry.OTLPEndpoint)
	s.Telemetry.ServiceName = strings.TrimSpace(s.Telemetry.ServiceName)

	streams := s.Feed.Streams[:0]
	for _, stream := range s.Feed.Streams {
		stream = strings.ToLower(strings.TrimSpace(stream))
		if stream != "" {
			streams = append(streams, stream)
		}
	}
	s.Feed.Streams = streams
}

func splitStreams(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
