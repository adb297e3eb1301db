package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dyhe/quotevault/internal/domain"
)

// RateLimiter paces requests to one upstream. Per-minute pacing uses a token
// bucket; hour and day caps are hard window counters that fail the acquire
// instead of blocking for up to an hour.
type RateLimiter struct {
	minute *rate.Limiter

	mu        sync.Mutex
	hourCount int
	hourStart time.Time
	dayCount  int
	dayStart  time.Time
	perHour   int
	perDay    int
}

// NewRateLimiter builds a limiter from the adapter's config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	cfg = cfg.Defaults()
	now := time.Now()
	return &RateLimiter{
		// Burst equals the per-minute cap: a quiet adapter may spend a full
		// minute's budget at once, then refills at perMinute/60 per second.
		minute:    rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), cfg.PerMinute),
		hourStart: now,
		dayStart:  now,
		perHour:   cfg.PerHour,
		perDay:    cfg.PerDay,
	}
}

// Acquire blocks until a request slot is available or the context is
// cancelled. Budget is not refunded on caller failure.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if err := l.checkWindows(); err != nil {
		return err
	}
	if err := l.minute.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter wait: %v", domain.ErrProviderTransient, err)
	}
	return nil
}

func (l *RateLimiter) checkWindows() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.hourStart) >= time.Hour {
		l.hourStart = now
		l.hourCount = 0
	}
	if now.Sub(l.dayStart) >= 24*time.Hour {
		l.dayStart = now
		l.dayCount = 0
	}

	if l.hourCount >= l.perHour {
		return fmt.Errorf("%w: hourly request budget exhausted (%d)", domain.ErrProviderTransient, l.perHour)
	}
	if l.dayCount >= l.perDay {
		return fmt.Errorf("%w: daily request budget exhausted (%d)", domain.ErrProviderTransient, l.perDay)
	}

	l.hourCount++
	l.dayCount++
	return nil
}
