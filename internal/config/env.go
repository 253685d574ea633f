package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "BROKERGATE_"

// applyEnv overrides file-supplied values with environment variables.
// Credentials are expected to arrive this way in every real deployment.
func (c *Config) applyEnv() {
	c.Broker.BaseURL = envString("BASE_URL", c.Broker.BaseURL)
	c.Broker.AppKey = envString("APP_KEY", c.Broker.AppKey)
	c.Broker.AppSecret = envString("APP_SECRET", c.Broker.AppSecret)
	c.Broker.AccountID = envString("ACCOUNT_ID", c.Broker.AccountID)
	c.Broker.Simulated = envBool("SIMULATED", c.Broker.Simulated)

	c.Quota.WindowLimit = envInt("QUOTA_WINDOW_LIMIT", c.Quota.WindowLimit)
	c.Quota.Window = envDuration("QUOTA_WINDOW", c.Quota.Window)
	c.Quota.SoftDailyLimit = envInt("QUOTA_SOFT_DAILY", c.Quota.SoftDailyLimit)
	c.Quota.HardDailyLimit = envInt("QUOTA_HARD_DAILY", c.Quota.HardDailyLimit)

	c.Stream.URL = envString("STREAM_URL", c.Stream.URL)

	c.Redis.Enabled = envBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = envString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envString("REDIS_PASSWORD", c.Redis.Password)

	c.Logging.Level = envString("LOG_LEVEL", c.Logging.Level)
}

func envString(key, defaultValue string) string {
	if v := os.Getenv(envPrefix + strings.ToUpper(key)); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	v := envString(key, "")
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultValue
}

func envBool(key string, defaultValue bool) bool {
	v := envString(key, "")
	if v == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	v := envString(key, "")
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}
