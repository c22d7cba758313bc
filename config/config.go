// Package config centralises runtime configuration for crossfeed connectors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where crossfeed operates.
type Environment string

// Exchange names a supported exchange integration.
type Exchange string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// ExchangeBinance represents the Binance integration key.
	ExchangeBinance Exchange = "binance"
	// ExchangeOKX represents the OKX integration key.
	ExchangeOKX Exchange = "okx"
	// ExchangeDeribit represents the Deribit integration key.
	ExchangeDeribit Exchange = "deribit"
	// ExchangeDelta represents the Delta Exchange integration key.
	ExchangeDelta Exchange = "delta"
)

// Credentials captures API credentials used for authenticated streams.
type Credentials struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

// Configured reports whether credential material is present.
func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// WebsocketSettings configures websocket endpoints per exchange.
type WebsocketSettings struct {
	PublicURL  string `yaml:"public_url"`
	PrivateURL string `yaml:"private_url"`
}

// StreamSettings tunes the subscription engine for one exchange.
type StreamSettings struct {
	// MaxConnections caps the number of live websocket connections.
	MaxConnections int `yaml:"max_connections"`
	// ReconnectInterval is the pause between reconnection attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// HeartbeatInterval is the client-side ping cadence, zero disables client pings.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// LivenessTimeout marks a connection stalled when no heartbeat-class
	// frame arrives within the window.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	// ChannelLimits overrides per-feed symbols-per-connection limits.
	ChannelLimits map[string]int `yaml:"channel_limits"`
}

// ExchangeSettings aggregates transport and credential configuration.
type ExchangeSettings struct {
	RESTBaseURL      string            `yaml:"rest_base_url"`
	Websocket        WebsocketSettings `yaml:"websocket"`
	Credentials      Credentials       `yaml:"credentials"`
	HTTPTimeout      time.Duration     `yaml:"http_timeout"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	Stream           StreamSettings    `yaml:"stream"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings contains the crossfeed configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment                   `yaml:"environment"`
	Telemetry   TelemetryConfig               `yaml:"telemetry"`
	Exchanges   map[Exchange]ExchangeSettings `yaml:"exchanges"`
}

func defaultStream() StreamSettings {
	return StreamSettings{
		MaxConnections:    100,
		ReconnectInterval: 30 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		LivenessTimeout:   60 * time.Second,
		ChannelLimits:     nil,
	}
}

// Default returns the default crossfeed configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Telemetry:   TelemetryConfig{OTLPEndpoint: "", ServiceName: "crossfeed"},
		Exchanges: map[Exchange]ExchangeSettings{
			ExchangeBinance: {
				RESTBaseURL: "https://api.binance.com",
				Websocket: WebsocketSettings{
					PublicURL:  "wss://stream.binance.com:9443/stream",
					PrivateURL: "wss://stream.binance.com:9443/ws",
				},
				HTTPTimeout:      10 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				Stream:           defaultStream(),
			},
			ExchangeOKX: {
				RESTBaseURL: "https://www.okx.com",
				Websocket: WebsocketSettings{
					PublicURL:  "wss://ws.okx.com:8443/ws/v5/public",
					PrivateURL: "wss://ws.okx.com:8443/ws/v5/private",
				},
				HTTPTimeout:      10 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				Stream:           defaultStream(),
			},
			ExchangeDeribit: {
				RESTBaseURL: "https://www.deribit.com",
				Websocket: WebsocketSettings{
					PublicURL:  "wss://www.deribit.com/ws/api/v2",
					PrivateURL: "wss://www.deribit.com/ws/api/v2",
				},
				HTTPTimeout:      10 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				Stream:           defaultStream(),
			},
			ExchangeDelta: {
				RESTBaseURL: "https://api.delta.exchange",
				Websocket: WebsocketSettings{
					PublicURL:  "wss://socket.delta.exchange",
					PrivateURL: "wss://socket.delta.exchange",
				},
				HTTPTimeout:      10 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				Stream:           defaultStream(),
			},
		},
	}
}

// LoadFile reads a YAML settings file layered over the defaults.
func LoadFile(path string) (Settings, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// FromEnv loads configuration values from environment variables, overriding defaults.
// When CROSSFEED_CONFIG points at a YAML file, the file is layered first.
func FromEnv() (Settings, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CROSSFEED_CONFIG")); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return Settings{}, err
		}
		cfg = loaded
	}
	if env := strings.TrimSpace(os.Getenv("CROSSFEED_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("CROSSFEED_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CROSSFEED_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}

	for _, exchange := range []Exchange{ExchangeBinance, ExchangeOKX, ExchangeDeribit, ExchangeDelta} {
		settings := cfg.Exchanges[exchange]
		prefix := strings.ToUpper(string(exchange))

		if v := strings.TrimSpace(os.Getenv(prefix + "_REST_BASE_URL")); v != "" {
			settings.RESTBaseURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_WS_PUBLIC_URL")); v != "" {
			settings.Websocket.PublicURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_WS_PRIVATE_URL")); v != "" {
			settings.Websocket.PrivateURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_API_KEY")); v != "" {
			settings.Credentials.APIKey = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_API_SECRET")); v != "" {
			settings.Credentials.APISecret = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_PASSPHRASE")); v != "" {
			settings.Credentials.Passphrase = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_HTTP_TIMEOUT")); v != "" {
			if dur, err := time.ParseDuration(v); err == nil {
				settings.HTTPTimeout = dur
			}
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_MAX_CONNECTIONS")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				settings.Stream.MaxConnections = n
			}
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_RECONNECT_INTERVAL")); v != "" {
			if dur, err := time.ParseDuration(v); err == nil {
				settings.Stream.ReconnectInterval = dur
			}
		}
		cfg.Exchanges[exchange] = settings
	}

	cfg.normalize()
	return cfg, nil
}

func (s *Settings) normalize() {
	if s.Exchanges == nil {
		s.Exchanges = make(map[Exchange]ExchangeSettings)
	}
	for name, settings := range s.Exchanges {
		if settings.Stream.MaxConnections <= 0 {
			settings.Stream.MaxConnections = 100
		}
		if settings.Stream.ReconnectInterval <= 0 {
			settings.Stream.ReconnectInterval = 30 * time.Second
		}
		if settings.Stream.LivenessTimeout <= 0 {
			settings.Stream.LivenessTimeout = 60 * time.Second
		}
		if settings.HTTPTimeout <= 0 {
			settings.HTTPTimeout = 10 * time.Second
		}
		if settings.HandshakeTimeout <= 0 {
			settings.HandshakeTimeout = 10 * time.Second
		}
		s.Exchanges[name] = settings
	}
}
