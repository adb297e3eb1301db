// Package provider contains the upstream data-source adapters and the
// router that sequences them. Adapters convert between canonical and
// provider-native symbol spellings at their own boundary; everything they
// return is already canonical.
package provider

import (
	"context"
	"time"

	"github.com/dyhe/quotevault/internal/domain"
)

// Capability is a bitset of operations an adapter supports.
type Capability uint8

const (
	CapList Capability = 1 << iota
	CapDaily
	CapCalendar
)

// Has reports whether all bits in want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Adapter is one upstream data source. Implementations own their rate
// limiter, retry policy and circuit breaker; callers never pace requests
// themselves.
type Adapter interface {
	// Name identifies the provider in logs, config and provenance stamps.
	Name() string

	// Capabilities reports which operations this adapter supports.
	Capabilities() Capability

	// Supports reports whether the adapter serves the exchange at all.
	Supports(ex domain.Exchange) bool

	// ListInstruments fetches the instrument universe for an exchange.
	ListInstruments(ctx context.Context, ex domain.Exchange) ([]domain.Instrument, error)

	// FetchDaily fetches daily bars for one instrument over an inclusive
	// civil-date window. Rows come back in chronological order.
	FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error)

	// FetchCalendar fetches trading-calendar entries for an exchange over
	// an inclusive window.
	FetchCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) ([]domain.CalendarEntry, error)

	// HealthCheck probes the upstream with a short deadline.
	HealthCheck(ctx context.Context) error
}

// RateLimitConfig parameterizes an adapter's limiter and retry policy.
type RateLimitConfig struct {
	PerMinute     int           `yaml:"max_requests_per_minute"`
	PerHour       int           `yaml:"max_requests_per_hour"`
	PerDay        int           `yaml:"max_requests_per_day"`
	Retries       int           `yaml:"retry_times"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Defaults fills zero fields with conservative values.
func (c RateLimitConfig) Defaults() RateLimitConfig {
	if c.PerMinute <= 0 {
		c.PerMinute = 60
	}
	if c.PerHour <= 0 {
		c.PerHour = c.PerMinute * 60
	}
	if c.PerDay <= 0 {
		c.PerDay = c.PerHour * 24
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return c
}
