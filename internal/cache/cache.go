package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cacher is the storage surface the gateway needs: daily quota counters
// that survive restarts, and a short-lived last-tick store so quote reads
// can avoid spending API quota on a symbol the stream already covers.
type Cacher interface {
	// IncrDailyCalls bumps and returns the call counter for a calendar day.
	IncrDailyCalls(ctx context.Context, day string) (int64, error)

	// GetDailyCalls returns the call counter for a calendar day (0 if unset).
	GetDailyCalls(ctx context.Context, day string) (int64, error)

	// SetLastTick stores the latest tick payload for a symbol.
	SetLastTick(ctx context.Context, symbol string, data []byte, ttl time.Duration) error

	// GetLastTick returns the stored tick payload, or ErrMiss.
	GetLastTick(ctx context.Context, symbol string) ([]byte, error)

	// Close releases the backend connection.
	Close() error
}

// Config selects and configures the cache backend.
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New returns a Redis-backed cache when enabled, an in-memory one otherwise.
func New(cfg *Config) (Cacher, error) {
	if cfg != nil && cfg.Enabled {
		return NewRedisCache(cfg)
	}
	return NewMemoryCache(), nil
}
