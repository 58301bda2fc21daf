package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML document layout. Durations are Go duration
// strings ("250ms", "30s") and optional scalars are pointers so an absent key
// keeps the default.
type fileConfig struct {
	Environment string         `yaml:"environment"`
	Endpoint    string         `yaml:"endpoint"`
	Streams     []string       `yaml:"streams"`
	Reconnect   *reconnectFile `yaml:"reconnect"`
	Session     *sessionFile   `yaml:"session"`
	Manager     *managerFile   `yaml:"manager"`
	Binance     *binanceFile   `yaml:"binance"`
	Feed        *feedFile      `yaml:"feed"`
	Telemetry   *telemetryFile `yaml:"telemetry"`
	CPUCore     *int           `yaml:"cpuCore"`
	Debug       *bool          `yaml:"debug"`
}

type reconnectFile struct {
	MaxAttempts  *int     `yaml:"maxAttempts"`
	InitialDelay string   `yaml:"initialDelay"`
	MaxDelay     string   `yaml:"maxDelay"`
	Multiplier   *float64 `yaml:"multiplier"`
	JitterBound  string   `yaml:"jitterBound"`
}

type sessionFile struct {
	HandshakeTimeout string `yaml:"handshakeTimeout"`
	MaxPayload       *int64 `yaml:"maxPayload"`
}

type managerFile struct {
	ReceiveWindow string   `yaml:"receiveWindow"`
	IdleDelay     string   `yaml:"idleDelay"`
	PongTolerance string   `yaml:"pongTolerance"`
	ControlRate   *float64 `yaml:"controlRate"`
	ControlBurst  *int     `yaml:"controlBurst"`
}

type binanceFile struct {
	RESTBaseURL        string `yaml:"restBaseUrl"`
	WSBaseURL          string `yaml:"wsBaseUrl"`
	APIKey             string `yaml:"apiKey"`
	APISecret          string `yaml:"apiSecret"`
	RecvWindow         string `yaml:"recvWindow"`
	ListenKeyKeepAlive string `yaml:"listenKeyKeepAlive"`
}

type feedFile struct {
	PingInterval  string `yaml:"pingInterval"`
	SnapshotDepth *int   `yaml:"snapshotDepth"`
}

type telemetryFile struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  *bool  `yaml:"otlpInsecure"`
	EnableMetrics *bool  `yaml:"enableMetrics"`
}

// Load reads Settings from the provided YAML file, layering file values over
// Default and environment variables over the file. The path falls back to
// TICKWIRE_CONFIG and then config/tickwire.yaml.
func Load(path string) (Settings, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Settings{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(bytes, &fc); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := Default()
	if err := fc.merge(&cfg); err != nil {
		return Settings{}, err
	}
	applyEnv(&cfg)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv("TICKWIRE_CONFIG"))
	}
	if candidate == "" {
		candidate = "config/tickwire.yaml"
	}
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

func (fc fileConfig) merge(cfg *Settings) error {
	if v := strings.TrimSpace(fc.Environment); v != "" {
		cfg.Environment = Environment(v)
	}
	if v := strings.TrimSpace(fc.Endpoint); v != "" {
		cfg.Endpoint = v
	}
	if len(fc.Streams) > 0 {
		cfg.Feed.Streams = append([]string(nil), fc.Streams...)
	}

	if fc.Reconnect != nil {
		if fc.Reconnect.MaxAttempts != nil {
			cfg.Reconnect.MaxAttempts = *fc.Reconnect.MaxAttempts
		}
		if err := mergeDuration("reconnect.initialDelay", fc.Reconnect.InitialDelay, &cfg.Reconnect.InitialDelay); err != nil {
			return err
		}
		if err := mergeDuration("reconnect.maxDelay", fc.Reconnect.MaxDelay, &cfg.Reconnect.MaxDelay); err != nil {
			return err
		}
		if fc.Reconnect.Multiplier != nil {
			cfg.Reconnect.Multiplier = *fc.Reconnect.Multiplier
		}
		if err := mergeDuration("reconnect.jitterBound", fc.Reconnect.JitterBound, &cfg.Reconnect.JitterBound); err != nil {
			return err
		}
	}

	if fc.Session != nil {
		if err := mergeDuration("session.handshakeTimeout", fc.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout); err != nil {
			return err
		}
		if fc.Session.MaxPayload != nil {
			cfg.Session.MaxPayload = *fc.Session.MaxPayload
		}
	}

	if fc.Manager != nil {
		if err := mergeDuration("manager.receiveWindow", fc.Manager.ReceiveWindow, &cfg.Manager.ReceiveWindow); err != nil {
			return err
		}
		if err := mergeDuration("manager.idleDelay", fc.Manager.IdleDelay, &cfg.Manager.IdleDelay); err != nil {
			return err
		}
		if err := mergeDuration("manager.pongTolerance", fc.Manager.PongTolerance, &cfg.Manager.PongTolerance); err != nil {
			return err
		}
		if fc.Manager.ControlRate != nil {
			cfg.Manager.ControlRate = *fc.Manager.ControlRate
		}
		if fc.Manager.ControlBurst != nil {
			cfg.Manager.ControlBurst = *fc.Manager.ControlBurst
		}
	}

	if fc.Binance != nil {
		if v := strings.TrimSpace(fc.Binance.RESTBaseURL); v != "" {
			cfg.Binance.RESTBaseURL = v
		}
		if v := strings.TrimSpace(fc.Binance.WSBaseURL); v != "" {
			cfg.Binance.WSBaseURL = v
		}
		if v := strings.TrimSpace(fc.Binance.APIKey); v != "" {
			cfg.Binance.Credentials.APIKey = v
		}
		if v := strings.TrimSpace(fc.Binance.APISecret); v != "" {
			cfg.Binance.Credentials.APISecret = v
		}
		if err := mergeDuration("binance.recvWindow", fc.Binance.RecvWindow, &cfg.Binance.RecvWindow); err != nil {
			return err
		}
		if err := mergeDuration("binance.listenKeyKeepAlive", fc.Binance.ListenKeyKeepAlive, &cfg.Binance.ListenKeyKeepAlive); err != nil {
			return err
		}
	}

	if fc.Feed != nil {
		if err := mergeDuration("feed.pingInterval", fc.Feed.PingInterval, &cfg.Feed.PingInterval); err != nil {
			return err
		}
		if fc.Feed.SnapshotDepth != nil {
			cfg.Feed.SnapshotDepth = *fc.Feed.SnapshotDepth
		}
	}

	if fc.Telemetry != nil {
		if v := strings.TrimSpace(fc.Telemetry.OTLPEndpoint); v != "" {
			cfg.Telemetry.OTLPEndpoint = v
		}
		if v := strings.TrimSpace(fc.Telemetry.ServiceName); v != "" {
			cfg.Telemetry.ServiceName = v
		}
		if fc.Telemetry.OTLPInsecure != nil {
			cfg.Telemetry.OTLPInsecure = *fc.Telemetry.OTLPInsecure
		}
		if fc.Telemetry.EnableMetrics != nil {
			cfg.Telemetry.EnableMetrics = *fc.Telemetry.EnableMetrics
		}
	}

	if fc.CPUCore != nil {
		cfg.CPUCore = *fc.CPUCore
	}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}
	return nil
}

func mergeDuration(field, raw string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	*dst = dur
	return nil
}

// Validate performs semantic validation on the configuration.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if !isWebsocketURL(s.Endpoint) {
		return fmt.Errorf("endpoint must be a ws:// or wss:// URL")
	}

	if s.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect maxAttempts must be >0")
	}
	if s.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect initialDelay must be >0")
	}
	if s.Reconnect.MaxDelay < s.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect maxDelay must be >= initialDelay")
	}
	if s.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1")
	}
	if s.Reconnect.JitterBound < 0 {
		return fmt.Errorf("reconnect jitterBound must be >= 0")
	}

	if s.Session.HandshakeTimeout <= 0 {
		return fmt.Errorf("session handshakeTimeout must be >0")
	}
	if s.Session.MaxPayload <= 0 {
		return fmt.Errorf("session maxPayload must be >0")
	}

	if s.Manager.ReceiveWindow <= 0 {
		return fmt.Errorf("manager receiveWindow must be >0")
	}
	if s.Manager.IdleDelay < 0 {
		return fmt.Errorf("manager idleDelay must be >= 0")
	}
	if s.Manager.PongTolerance <= 0 {
		return fmt.Errorf("manager pongTolerance must be >0")
	}
	if s.Manager.ControlRate <= 0 {
		return fmt.Errorf("manager controlRate must be >0")
	}
	if s.Manager.ControlBurst < 1 {
		return fmt.Errorf("manager controlBurst must be >= 1")
	}

	if !strings.HasPrefix(s.Binance.RESTBaseURL, "http://") && !strings.HasPrefix(s.Binance.RESTBaseURL, "https://") {
		return fmt.Errorf("binance restBaseUrl must be an http:// or https:// URL")
	}
	if !isWebsocketURL(s.Binance.WSBaseURL) {
		return fmt.Errorf("binance wsBaseUrl must be a ws:// or wss:// URL")
	}
	if s.Binance.RecvWindow <= 0 {
		return fmt.Errorf("binance recvWindow must be >0")
	}
	if s.Binance.ListenKeyKeepAlive <= 0 {
		return fmt.Errorf("binance listenKeyKeepAlive must be >0")
	}

	if s.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed pingInterval must be >0")
	}
	if s.Feed.SnapshotDepth <= 0 {
		return fmt.Errorf("feed snapshotDepth must be >0")
	}

	if s.Telemetry.EnableMetrics && s.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required when metrics enabled")
	}

	return nil
}

func isWebsocketURL(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}
