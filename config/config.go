package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Quantbridge QuantbridgeConfig `yaml:"quantbridge"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Bus         BusConfig         `yaml:"bus"`
	Market      MarketConfig      `yaml:"market"`
	Engine      EngineConfig      `yaml:"engine"`
	Asset       AssetConfig       `yaml:"asset"`
	Platforms   PlatformsConfig   `yaml:"platforms"`
	Storage     StorageConfig     `yaml:"storage"`
}

type QuantbridgeConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ChannelsConfig struct {
	BookBuffer  int `yaml:"book_buffer"`
	TradeBuffer int `yaml:"trade_buffer"`
	KlineBuffer int `yaml:"kline_buffer"`
}

type PublisherConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type BusConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MarketConfig struct {
	// Depth is the number of top levels compared against the last
	// published book to decide whether an update is worth emitting.
	Depth int `yaml:"depth"`
	// TradeDedupWindow is the capacity of the recent trade-id window.
	TradeDedupWindow int `yaml:"trade_dedup_window"`
}

type EngineConfig struct {
	// OrderPollInterval drives the fallback open-order poller for
	// platforms without an order push channel.
	OrderPollInterval time.Duration `yaml:"order_poll_interval"`
}

type AssetConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxStaleness time.Duration `yaml:"max_staleness"`
}

type PlatformsConfig struct {
	Binance PlatformConfig `yaml:"binance"`
	Okx     PlatformConfig `yaml:"okx"`
}

type PlatformConfig struct {
	Enabled            bool            `yaml:"enabled"`
	RestURL            string          `yaml:"rest_url"`
	WsPublicURL        string          `yaml:"ws_public_url"`
	WsPrivateURL       string          `yaml:"ws_private_url"`
	Symbols            []string        `yaml:"symbols"`
	KlineIntervals     []string        `yaml:"kline_intervals"`
	HeartbeatTimeout   time.Duration   `yaml:"heartbeat_timeout"`
	MinPublishInterval time.Duration   `yaml:"min_publish_interval"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
	Accounts           []AccountConfig `yaml:"accounts"`
	Proxy              string          `yaml:"proxy"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	MaxWait           time.Duration `yaml:"max_wait"`
}

type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	MaxRetry  int           `yaml:"max_retry"`
}

type AccountConfig struct {
	Name       string `yaml:"name"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// envVarPattern matches ${VAR} placeholders inside the yaml document.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} placeholders with environment values.
// Unset variables expand to an empty string.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.BookBuffer <= 0 {
		cfg.Channels.BookBuffer = 1024
	}
	if cfg.Channels.TradeBuffer <= 0 {
		cfg.Channels.TradeBuffer = 4096
	}
	if cfg.Channels.KlineBuffer <= 0 {
		cfg.Channels.KlineBuffer = 1024
	}
	if cfg.Publisher.QueueSize <= 0 {
		cfg.Publisher.QueueSize = 2048
	}
	if cfg.Publisher.PublishTimeout <= 0 {
		cfg.Publisher.PublishTimeout = 5 * time.Second
	}
	if cfg.Market.Depth <= 0 {
		cfg.Market.Depth = 10
	}
	if cfg.Market.TradeDedupWindow <= 0 {
		cfg.Market.TradeDedupWindow = 2048
	}
	if cfg.Engine.OrderPollInterval <= 0 {
		cfg.Engine.OrderPollInterval = 2 * time.Second
	}
	if cfg.Asset.PollInterval <= 0 {
		cfg.Asset.PollInterval = 10 * time.Second
	}
	if cfg.Asset.MaxStaleness <= 0 {
		cfg.Asset.MaxStaleness = 60 * time.Second
	}
	applyPlatformDefaults(&cfg.Platforms.Binance)
	applyPlatformDefaults(&cfg.Platforms.Okx)
}

func applyPlatformDefaults(p *PlatformConfig) {
	if p.HeartbeatTimeout <= 0 {
		p.HeartbeatTimeout = 30 * time.Second
	}
	if p.RateLimit.RequestsPerSecond <= 0 {
		p.RateLimit.RequestsPerSecond = 5
	}
	if p.RateLimit.BurstSize <= 0 {
		p.RateLimit.BurstSize = 10
	}
	if p.RateLimit.MaxWait <= 0 {
		p.RateLimit.MaxWait = 10 * time.Second
	}
	if p.Reconnect.BaseDelay <= 0 {
		p.Reconnect.BaseDelay = time.Second
	}
	if p.Reconnect.MaxDelay <= 0 {
		p.Reconnect.MaxDelay = time.Minute
	}
	if len(p.KlineIntervals) == 0 {
		p.KlineIntervals = []string{"1m"}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Quantbridge.Name == "" {
		return fmt.Errorf("quantbridge.name is required")
	}
	if cfg.Quantbridge.Version == "" {
		return fmt.Errorf("quantbridge.version is required")
	}

	if cfg.Bus.Kafka.Enabled && len(cfg.Bus.Kafka.Brokers) == 0 {
		return fmt.Errorf("bus.kafka.brokers is required when kafka is enabled")
	}
	if cfg.Bus.Kafka.Enabled && cfg.Bus.Kafka.Topic == "" {
		return fmt.Errorf("bus.kafka.topic is required when kafka is enabled")
	}

	for _, p := range []struct {
		name string
		cfg  PlatformConfig
	}{
		{"binance", cfg.Platforms.Binance},
		{"okx", cfg.Platforms.Okx},
	} {
		if !p.cfg.Enabled {
			continue
		}
		if len(p.cfg.Symbols) == 0 {
			return fmt.Errorf("platforms.%s.symbols is required when enabled", p.name)
		}
		for _, acct := range p.cfg.Accounts {
			if acct.Name == "" {
				return fmt.Errorf("platforms.%s account name is required", p.name)
			}
			// Development runs may omit credentials to consume public
			// market data only; production-like environments may not.
			if IsProductionLike(AppEnvironment()) && (acct.AccessKey == "" || acct.SecretKey == "") {
				return fmt.Errorf("platforms.%s account %s credentials are required", p.name, acct.Name)
			}
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
