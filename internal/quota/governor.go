package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"brokergate/internal/cache"
	"brokergate/internal/errors"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
)

const dayFormat = "2006-01-02"

// Config holds the call-budget policy. Ceilings are policy parameters, not
// brokerage constants: the published per-minute limit is enforced at a
// safety margin below it.
type Config struct {
	Window         time.Duration
	WindowLimit    int
	SoftDailyLimit int64
	HardDailyLimit int64
	SmoothRate     float64 // requests/sec burst smoothing, 0 disables
	SmoothBurst    int
}

// Governor enforces the per-window and per-day call budgets shared by all
// outbound requests. Reserve blocks until a window slot is available and
// fails fast once the hard daily ceiling is reached.
type Governor struct {
	cfg      Config
	smoother *rate.Limiter
	cache    cache.Cacher
	log      *logging.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time

	// OnSoftLimit fires once per day when the soft threshold is crossed.
	OnSoftLimit func(used, limit int64)

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
	dailyDate   string
	dailyCount  int64
	warned      bool
}

// NewGovernor creates a governor. The cache is optional; when present the
// daily counter survives process restarts.
func NewGovernor(cfg Config, c cache.Cacher, log *logging.Logger, metrics *monitoring.Metrics) *Governor {
	if log == nil {
		log = logging.Discard()
	}
	g := &Governor{
		cfg:     cfg,
		cache:   c,
		log:     log.WithField("component", "quota"),
		metrics: metrics,
		now:     time.Now,
	}
	if cfg.SmoothRate > 0 {
		burst := cfg.SmoothBurst
		if burst <= 0 {
			burst = 1
		}
		g.smoother = rate.NewLimiter(rate.Limit(cfg.SmoothRate), burst)
	}
	return g
}

// Reserve blocks until a call slot is available. It returns a
// QUOTA_EXCEEDED error without blocking once the hard daily ceiling is
// reached, and CANCELLED if ctx is done while waiting. A nil return means
// one slot has been consumed and the call may be dispatched.
func (g *Governor) Reserve(ctx context.Context) error {
	start := g.now()

	for {
		g.mu.Lock()
		now := g.now()
		g.rollDay(ctx, now)

		// Hard ceiling is checked before any blocking: a caller must never
		// wait for a slot that cannot exist today.
		if g.dailyCount >= g.cfg.HardDailyLimit {
			used := g.dailyCount
			g.mu.Unlock()
			return errors.New(errors.ErrCodeQuotaExceeded, "daily hard call ceiling reached").
				WithContext("used", used).
				WithContext("limit", g.cfg.HardDailyLimit)
		}

		if now.Sub(g.windowStart) >= g.cfg.Window {
			g.windowStart = now
			g.windowCount = 0
		}

		if g.windowCount < g.cfg.WindowLimit {
			g.windowCount++
			g.dailyCount++
			g.persistDaily(ctx)
			g.warnIfSoft()
			g.metrics.SetQuotaDailyUsed(float64(g.dailyCount))
			g.mu.Unlock()

			if g.smoother != nil {
				if err := g.smoother.Wait(ctx); err != nil {
					return errors.Wrap(err, errors.ErrCodeCancelled, "quota wait cancelled")
				}
			}
			g.metrics.ObserveQuotaWait(g.now().Sub(start).Seconds())
			return nil
		}

		waitTime := g.windowStart.Add(g.cfg.Window).Sub(now)
		g.mu.Unlock()

		g.log.WithField("wait", waitTime.String()).Debug("window exhausted, suspending caller")

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "quota wait cancelled")
		case <-time.After(waitTime):
		}
	}
}

// Usage returns the current daily usage for observability.
func (g *Governor) Usage() (used, hard int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyCount, g.cfg.HardDailyLimit
}

// rollDay resets the daily counter on first use after midnight, loading
// any persisted count for the new day. Caller holds g.mu.
func (g *Governor) rollDay(ctx context.Context, now time.Time) {
	day := now.Format(dayFormat)
	if day == g.dailyDate {
		return
	}

	g.dailyDate = day
	g.dailyCount = 0
	g.warned = false

	if g.cache != nil {
		if n, err := g.cache.GetDailyCalls(ctx, day); err == nil {
			g.dailyCount = n
		} else {
			g.log.WithError(err).Warn("failed to load persisted daily count, starting from zero")
		}
	}

	g.log.WithField("day", day).WithField("carried", g.dailyCount).Info("daily quota window reset")
}

// persistDaily mirrors the counter into the cache. Persistence failures
// are logged, never fatal: the local counter remains authoritative for
// this process. Caller holds g.mu.
func (g *Governor) persistDaily(ctx context.Context) {
	if g.cache == nil {
		return
	}
	n, err := g.cache.IncrDailyCalls(ctx, g.dailyDate)
	if err != nil {
		g.log.WithError(err).Warn("failed to persist daily call count")
		return
	}
	// Another process may be spending the same budget.
	if n > g.dailyCount {
		g.dailyCount = n
	}
}

// warnIfSoft emits the soft-threshold warning once per day. Caller holds g.mu.
func (g *Governor) warnIfSoft() {
	if g.warned || g.cfg.SoftDailyLimit <= 0 || g.dailyCount < g.cfg.SoftDailyLimit {
		return
	}
	g.warned = true
	used := g.dailyCount
	g.log.WithField("used", used).
		WithField("soft_limit", g.cfg.SoftDailyLimit).
		WithField("hard_limit", g.cfg.HardDailyLimit).
		Warn("daily call count crossed the soft threshold")
	if g.OnSoftLimit != nil {
		go g.OnSoftLimit(used, g.cfg.SoftDailyLimit)
	}
}
