package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/calendar"
	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/store"
)

const (
	// listCacheMinRows is the smallest stored universe the router trusts as
	// a cache; below it the list is assumed partial and refetched.
	listCacheMinRows = 100
	listCacheMaxAge  = 24 * time.Hour

	// payloadProbeRows bounds validation to the head of the batch.
	payloadProbeRows = 5
)

// Router sequences adapters per exchange: list and calendar requests go to
// the primary only, daily requests fail over down the ordered backup list.
type Router struct {
	routes      map[domain.Exchange][]Adapter
	instruments *store.InstrumentRepository
	calRepo     *store.CalendarRepository
	calendar    *calendar.Service
	log         zerolog.Logger
}

// NewRouter builds a router. routes lists, per exchange, the primary
// adapter first and backups after it.
func NewRouter(
	routes map[domain.Exchange][]Adapter,
	instruments *store.InstrumentRepository,
	calRepo *store.CalendarRepository,
	cal *calendar.Service,
	log zerolog.Logger,
) *Router {
	return &Router{
		routes:      routes,
		instruments: instruments,
		calRepo:     calRepo,
		calendar:    cal,
		log:         log.With().Str("component", "provider_router").Logger(),
	}
}

// Calendar exposes the trading-day service the router keeps consistent.
func (r *Router) Calendar() *calendar.Service {
	return r.calendar
}

// Adapters returns the configured adapter chain for an exchange.
func (r *Router) Adapters(ex domain.Exchange) []Adapter {
	return r.routes[ex]
}

func (r *Router) primary(ex domain.Exchange, cap Capability) (Adapter, error) {
	for _, a := range r.routes[ex] {
		if a.Capabilities().Has(cap) && a.Supports(ex) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no provider for %s with required capability", domain.ErrProviderUnavailable, ex)
}

// ListInstruments returns the instrument universe for an exchange, from the
// store when the cached universe is big and fresh enough, otherwise from
// the first list-capable adapter. Fetched lists are persisted before
// returning. List requests never fail over.
func (r *Router) ListInstruments(ctx context.Context, ex domain.Exchange, forceRefresh bool) ([]domain.Instrument, error) {
	if !forceRefresh {
		cached, ok, err := r.cachedInstruments(ex)
		if err != nil {
			return nil, err
		}
		if ok {
			return cached, nil
		}
	}

	adapter, err := r.primary(ex, CapList)
	if err != nil {
		return nil, err
	}

	instruments, err := adapter.ListInstruments(ctx, ex)
	if err != nil {
		r.log.Error().Err(err).Str("exchange", string(ex)).Str("provider", adapter.Name()).
			Msg("Instrument list fetch failed")
		return nil, err
	}
	if len(instruments) == 0 {
		return nil, nil
	}

	if _, err := r.instruments.Upsert(instruments); err != nil {
		return nil, fmt.Errorf("failed to persist instrument list for %s: %w", ex, err)
	}
	r.log.Info().Str("exchange", string(ex)).Str("provider", adapter.Name()).
		Int("instruments", len(instruments)).Msg("Refreshed instrument list")
	return instruments, nil
}

func (r *Router) cachedInstruments(ex domain.Exchange) ([]domain.Instrument, bool, error) {
	count, err := r.instruments.CountByExchange(ex)
	if err != nil {
		return nil, false, err
	}
	if count < listCacheMinRows {
		return nil, false, nil
	}
	last, err := r.instruments.LastUpdatedAt(ex)
	if err != nil {
		return nil, false, err
	}
	if last.IsZero() || time.Since(last) >= listCacheMaxAge {
		return nil, false, nil
	}

	cached, err := r.instruments.GetByExchange(ex, store.InstrumentFilter{}, "symbol", store.Page{})
	if err != nil {
		return nil, false, err
	}
	return cached, true, nil
}

// FetchDaily tries each adapter for the exchange in order and returns the
// first validated non-empty payload. An empty result from every adapter is
// not an error; exhaustion by failure is.
func (r *Router) FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error) {
	adapters := r.routes[id.Exchange]
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: no providers configured for %s", domain.ErrProviderUnavailable, id.Exchange)
	}

	var lastErr error
	sawEmpty := false
	for _, a := range adapters {
		if !a.Capabilities().Has(CapDaily) || !a.Supports(id.Exchange) {
			continue
		}

		quotes, err := a.FetchDaily(ctx, id, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warn().Err(err).Str("provider", a.Name()).Str("instrument", id.String()).
				Msg("Daily fetch failed, trying next provider")
			lastErr = err
			continue
		}
		if len(quotes) == 0 {
			sawEmpty = true
			continue
		}
		if err := validateDailyPayload(quotes, id); err != nil {
			r.log.Warn().Err(err).Str("provider", a.Name()).Str("instrument", id.String()).
				Msg("Daily payload rejected, trying next provider")
			lastErr = err
			continue
		}
		return quotes, nil
	}

	if sawEmpty {
		// At least one provider answered cleanly with no rows.
		return nil, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: all providers failed for %s: %v",
			domain.ErrProviderUnavailable, id.Exchange, lastErr)
	}
	return nil, fmt.Errorf("%w: no daily-capable provider for %s", domain.ErrProviderUnavailable, id.Exchange)
}

// validateDailyPayload gates a provider's batch by probing its head rows.
// One bad probe row rejects the whole batch.
func validateDailyPayload(quotes []domain.DailyQuote, id domain.InstrumentID) error {
	probe := len(quotes)
	if probe > payloadProbeRows {
		probe = payloadProbeRows
	}
	want := id.String()
	for i := 0; i < probe; i++ {
		q := &quotes[i]
		if q.Time.IsZero() || q.InstrumentID == "" {
			return fmt.Errorf("%w: row %d missing identity fields", domain.ErrPayloadInvalid, i)
		}
		got, err := domain.ParseAnyInstrumentID(q.InstrumentID)
		if err != nil || got.String() != want {
			return fmt.Errorf("%w: row %d is for %q, requested %q", domain.ErrPayloadInvalid, i, q.InstrumentID, want)
		}
		if q.Open <= 0 || q.High <= 0 || q.Low <= 0 || q.Close <= 0 {
			return fmt.Errorf("%w: row %d has non-positive prices", domain.ErrPayloadInvalid, i)
		}
		if q.High < q.Low {
			return fmt.Errorf("%w: row %d has high %.4f below low %.4f", domain.ErrPayloadInvalid, i, q.High, q.Low)
		}
	}
	return nil
}

// UpdateTradingCalendar fetches the calendar window from the primary
// calendar-capable adapter, persists it and invalidates the in-process
// memo. Calendar requests never fail over.
func (r *Router) UpdateTradingCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) (int, error) {
	adapter, err := r.primary(ex, CapCalendar)
	if err != nil {
		return 0, err
	}

	entries, err := adapter.FetchCalendar(ctx, ex, start, end)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	n, err := r.calRepo.Upsert(entries)
	if err != nil {
		return 0, fmt.Errorf("failed to persist calendar for %s: %w", ex, err)
	}
	r.calendar.Invalidate(ex)

	r.log.Info().Str("exchange", string(ex)).Str("provider", adapter.Name()).
		Int("entries", n).Msg("Refreshed trading calendar")
	return n, nil
}

// HealthCheck probes every distinct adapter with a short deadline and
// returns per-provider status.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	seen := make(map[string]Adapter)
	for _, chain := range r.routes {
		for _, a := range chain {
			seen[a.Name()] = a
		}
	}

	out := make(map[string]error, len(seen))
	for name, a := range seen {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		out[name] = a.HealthCheck(probeCtx)
		cancel()
	}
	return out
}
