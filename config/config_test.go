package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultCoversAllExchanges(t *testing.T) {
	cfg := Default()
	for _, exchange := range []Exchange{ExchangeBinance, ExchangeOKX, ExchangeDeribit, ExchangeDelta} {
		settings, ok := cfg.Exchanges[exchange]
		if !ok {
			t.Fatalf("missing default settings for %s", exchange)
		}
		if settings.Websocket.PublicURL == "" {
			t.Fatalf("missing public websocket url for %s", exchange)
		}
		if settings.Stream.MaxConnections != 100 {
			t.Fatalf("unexpected default max connections for %s: %d", exchange, settings.Stream.MaxConnections)
		}
		if settings.Stream.ReconnectInterval != 30*time.Second {
			t.Fatalf("unexpected default reconnect interval for %s", exchange)
		}
	}
}

func TestDefaultBinanceEndpointsAreSpot(t *testing.T) {
	// The binance adapter speaks the spot protocol; the defaults must point
	// at the same flavor it falls back to without configuration.
	binance := Default().Exchanges[ExchangeBinance]
	if binance.RESTBaseURL != "https://api.binance.com" {
		t.Fatalf("rest base = %s, want the spot API host", binance.RESTBaseURL)
	}
	if !strings.HasPrefix(binance.Websocket.PublicURL, "wss://stream.binance.com") {
		t.Fatalf("public url = %s, want the spot stream host", binance.Websocket.PublicURL)
	}
	if !strings.HasPrefix(binance.Websocket.PrivateURL, "wss://stream.binance.com") {
		t.Fatalf("private url = %s, want the spot stream host", binance.Websocket.PrivateURL)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CROSSFEED_ENV", "dev")
	t.Setenv("OKX_WS_PUBLIC_URL", "wss://example.test/public")
	t.Setenv("OKX_API_KEY", "key")
	t.Setenv("OKX_API_SECRET", "secret")
	t.Setenv("OKX_PASSPHRASE", "phrase")
	t.Setenv("OKX_MAX_CONNECTIONS", "7")
	t.Setenv("OKX_RECONNECT_INTERVAL", "5s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	okx := cfg.Exchanges[ExchangeOKX]
	if okx.Websocket.PublicURL != "wss://example.test/public" {
		t.Fatalf("public url = %s", okx.Websocket.PublicURL)
	}
	if !okx.Credentials.Configured() {
		t.Fatal("expected configured credentials")
	}
	if okx.Stream.MaxConnections != 7 {
		t.Fatalf("max connections = %d", okx.Stream.MaxConnections)
	}
	if okx.Stream.ReconnectInterval != 5*time.Second {
		t.Fatalf("reconnect interval = %s", okx.Stream.ReconnectInterval)
	}
}

func TestLoadFileLayeredOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crossfeed.yaml")
	body := `
environment: staging
telemetry:
  otlp_endpoint: http://collector:4318
exchanges:
  delta:
    stream:
      max_connections: 3
      channel_limits:
        orderbook: 20
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	if cfg.Telemetry.OTLPEndpoint != "http://collector:4318" {
		t.Fatalf("otlp endpoint = %s", cfg.Telemetry.OTLPEndpoint)
	}
	delta := cfg.Exchanges[ExchangeDelta]
	if delta.Stream.MaxConnections != 3 {
		t.Fatalf("delta max connections = %d", delta.Stream.MaxConnections)
	}
	if delta.Stream.ChannelLimits["orderbook"] != 20 {
		t.Fatalf("delta orderbook limit = %d", delta.Stream.ChannelLimits["orderbook"])
	}
	// untouched exchanges keep defaults
	if cfg.Exchanges[ExchangeBinance].Stream.MaxConnections != 100 {
		t.Fatal("binance defaults must survive partial file overrides")
	}
}

func TestCredentialsConfigured(t *testing.T) {
	if (Credentials{}).Configured() {
		t.Fatal("empty credentials must not report configured")
	}
	if !(Credentials{APIKey: "k", APISecret: "s"}).Configured() {
		t.Fatal("key+secret must report configured")
	}
}
