package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
quantbridge:
  name: quantbridge
  version: 0.1.0
logging:
  level: info
  format: json
  output: stdout
bus:
  kafka:
    enabled: true
    brokers: ["localhost:9092"]
    topic: quantbridge.events
market:
  depth: 5
asset:
  poll_interval: 10s
  max_staleness: 60s
platforms:
  binance:
    enabled: true
    symbols: ["BTCUSDT", "ETHUSDT"]
    rate_limit:
      requests_per_second: 10
      burst_size: 20
    accounts:
      - name: main
        access_key: ${TEST_BINANCE_KEY}
        secret_key: ${TEST_BINANCE_SECRET}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BINANCE_KEY", "ak")
	t.Setenv("TEST_BINANCE_SECRET", "sk")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	acct := cfg.Platforms.Binance.Accounts[0]
	if acct.AccessKey != "ak" || acct.SecretKey != "sk" {
		t.Fatalf("env expansion failed: %+v", acct)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TEST_BINANCE_KEY", "ak")
	t.Setenv("TEST_BINANCE_SECRET", "sk")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Publisher.QueueSize != 2048 {
		t.Fatalf("unexpected publisher queue default: %d", cfg.Publisher.QueueSize)
	}
	if cfg.Market.Depth != 5 {
		t.Fatalf("explicit depth overridden: %d", cfg.Market.Depth)
	}
	if cfg.Platforms.Binance.HeartbeatTimeout != 30*time.Second {
		t.Fatalf("unexpected heartbeat default: %v", cfg.Platforms.Binance.HeartbeatTimeout)
	}
	if cfg.Asset.MaxStaleness != time.Minute {
		t.Fatalf("unexpected staleness: %v", cfg.Asset.MaxStaleness)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	body := `
quantbridge:
  version: 0.1.0
`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("expected validation error for missing name")
	}
}

func TestLoadConfigMissingCredentials(t *testing.T) {
	body := `
quantbridge:
  name: quantbridge
  version: 0.1.0
platforms:
  okx:
    enabled: true
    symbols: ["BTC-USDT"]
    accounts:
      - name: main
`
	t.Setenv("APP_ENV", "production")
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("expected validation error for missing credentials")
	}

	// Development runs may omit credentials for public market data.
	t.Setenv("APP_ENV", "development")
	if _, err := LoadConfig(writeConfig(t, body)); err != nil {
		t.Fatalf("development config rejected: %v", err)
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Fatalf("alias not normalised: %s", env)
	}
	t.Setenv("APP_ENV", "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Fatalf("default environment wrong: %s", env)
	}
}
