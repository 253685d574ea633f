package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"brokergate/internal/logging"
)

// Config is the application configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Broker     BrokerConfig     `yaml:"broker"`
	Quota      QuotaConfig      `yaml:"quota"`
	Request    RequestConfig    `yaml:"request"`
	Stream     StreamConfig     `yaml:"stream"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    logging.Config   `yaml:"logging"`
}

// AppConfig identifies the deployment.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// BrokerConfig holds REST backend credentials and endpoints.
// AppKey/AppSecret are normally supplied via environment, not the file.
type BrokerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	AppKey      string        `yaml:"app_key"`
	AppSecret   string        `yaml:"app_secret"`
	AccountID   string        `yaml:"account_id"`
	Simulated   bool          `yaml:"simulated"`
	TokenMargin time.Duration `yaml:"token_margin"`
}

// QuotaConfig holds the call-budget policy. The brokerage's published
// limits are not enforced at face value; both ceilings are operator-tunable.
type QuotaConfig struct {
	Window         time.Duration `yaml:"window"`
	WindowLimit    int           `yaml:"window_limit"`
	SoftDailyLimit int           `yaml:"soft_daily_limit"`
	HardDailyLimit int           `yaml:"hard_daily_limit"`
	SmoothRate     float64       `yaml:"smooth_rate"` // requests/sec, 0 disables
	SmoothBurst    int           `yaml:"smooth_burst"`
}

// RequestConfig holds the single retry policy applied by the executor.
type RequestConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateCooldown time.Duration `yaml:"rate_cooldown"` // fixed sleep after 429
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
}

// StreamConfig holds the realtime price stream settings.
type StreamConfig struct {
	URL              string        `yaml:"url"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// BridgeConfig holds vendor-control bridge settings.
type BridgeConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	QueueSize   int           `yaml:"queue_size"`
}

// RedisConfig holds the optional cache backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// MonitoringConfig holds the metrics endpoint settings.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file, applies environment
// overrides, fills defaults and validates.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.TokenMargin <= 0 {
		c.Broker.TokenMargin = 60 * time.Second
	}
	if c.Quota.Window <= 0 {
		c.Quota.Window = time.Minute
	}
	if c.Quota.WindowLimit <= 0 {
		c.Quota.WindowLimit = 18
	}
	if c.Quota.HardDailyLimit <= 0 {
		c.Quota.HardDailyLimit = 10000
	}
	if c.Quota.SoftDailyLimit <= 0 || c.Quota.SoftDailyLimit > c.Quota.HardDailyLimit {
		c.Quota.SoftDailyLimit = c.Quota.HardDailyLimit * 95 / 100
	}
	if c.Request.Timeout <= 0 {
		c.Request.Timeout = 10 * time.Second
	}
	if c.Request.MaxRetries <= 0 {
		c.Request.MaxRetries = 3
	}
	if c.Request.RateCooldown <= 0 {
		c.Request.RateCooldown = time.Second
	}
	if c.Request.BackoffBase <= 0 {
		c.Request.BackoffBase = 200 * time.Millisecond
	}
	if c.Request.BackoffMax <= 0 {
		c.Request.BackoffMax = 5 * time.Second
	}
	if c.Stream.ConnectTimeout <= 0 {
		c.Stream.ConnectTimeout = 10 * time.Second
	}
	if c.Stream.PingInterval <= 0 {
		c.Stream.PingInterval = 30 * time.Second
	}
	if c.Stream.ReconnectInitial <= 0 {
		c.Stream.ReconnectInitial = time.Second
	}
	if c.Stream.ReconnectMax <= 0 {
		c.Stream.ReconnectMax = time.Minute
	}
	if c.Bridge.CallTimeout <= 0 {
		c.Bridge.CallTimeout = 10 * time.Second
	}
	if c.Bridge.QueueSize <= 0 {
		c.Bridge.QueueSize = 64
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Monitoring.Path == "" {
		c.Monitoring.Path = "/metrics"
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.AppKey == "" || c.Broker.AppSecret == "" {
		return fmt.Errorf("broker credentials are required (broker.app_key/app_secret or BROKERGATE_APP_KEY/BROKERGATE_APP_SECRET)")
	}
	if c.Quota.SoftDailyLimit > c.Quota.HardDailyLimit {
		return fmt.Errorf("quota.soft_daily_limit %d exceeds hard limit %d", c.Quota.SoftDailyLimit, c.Quota.HardDailyLimit)
	}
	return nil
}
