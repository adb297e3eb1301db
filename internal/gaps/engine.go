// Package gaps finds and repairs missing-data runs in the stored quote
// history.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/calendar"
	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/store"
)

// interGapThrottle paces repair fetches so a large fill pass stays polite
// beyond the adapters' own limiters.
const interGapThrottle = time.Second

// DailyFetcher is the slice of the provider router the engine repairs
// through.
type DailyFetcher interface {
	FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error)
}

// FillFilter selects which detected gaps a repair pass attempts.
type FillFilter struct {
	Exchange      domain.Exchange
	InstrumentIDs []string
	MinSeverity   domain.GapSeverity
	Severities    []domain.GapSeverity
	Types         []string
	MaxDays       int
	DryRun        bool
}

// FillResult summarizes one repair pass.
type FillResult struct {
	Found   int               `json:"found"`
	Filled  int               `json:"filled"`
	Failed  int               `json:"failed"`
	Skipped int               `json:"skipped"`
	Errors  map[string]string `json:"errors,omitempty"` // instrument -> reason
}

// Engine detects and repairs gaps.
type Engine struct {
	instruments *store.InstrumentRepository
	quotes      *store.QuoteRepository
	calendar    *calendar.Service
	fetcher     DailyFetcher
	log         zerolog.Logger
}

// NewEngine creates a gap engine. fetcher may be nil for detect-only use.
func NewEngine(
	instruments *store.InstrumentRepository,
	quotes *store.QuoteRepository,
	cal *calendar.Service,
	fetcher DailyFetcher,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		instruments: instruments,
		quotes:      quotes,
		calendar:    cal,
		fetcher:     fetcher,
		log:         log.With().Str("component", "gaps").Logger(),
	}
}

// Detect scans every active instrument of the given exchanges for missing
// trading days within [start, end]. Deterministic given the calendar and
// the stored date set.
func (e *Engine) Detect(ctx context.Context, exchanges []domain.Exchange, start, end time.Time) ([]domain.Gap, error) {
	var out []domain.Gap
	for _, ex := range exchanges {
		instruments, err := e.instruments.GetByExchange(ex, store.InstrumentFilter{OnlyActive: true}, "symbol", store.Page{})
		if err != nil {
			return nil, err
		}
		for i := range instruments {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			gaps, err := e.detectOne(&instruments[i], start, end)
			if err != nil {
				// No calendar coverage means nothing to compare against.
				if errors.Is(err, domain.ErrCalendarUnknown) {
					e.log.Warn().Err(err).Str("instrument", instruments[i].InstrumentID).
						Msg("Skipping gap detection without calendar coverage")
					continue
				}
				return nil, err
			}
			out = append(out, gaps...)
		}
	}
	return out, nil
}

func (e *Engine) detectOne(inst *domain.Instrument, start, end time.Time) ([]domain.Gap, error) {
	effStart, effEnd := domain.Date(start), domain.Date(end)
	if inst.ListedDate != nil && domain.Date(*inst.ListedDate).After(effStart) {
		effStart = domain.Date(*inst.ListedDate)
	}
	if inst.DelistedDate != nil && domain.Date(*inst.DelistedDate).Before(effEnd) {
		effEnd = domain.Date(*inst.DelistedDate)
	}
	if effStart.After(effEnd) {
		return nil, nil
	}

	expected, err := e.calendar.TradingDaysIn(inst.Exchange, effStart, effEnd)
	if err != nil {
		return nil, err
	}
	if len(expected) == 0 {
		return nil, nil
	}

	stored, err := e.quotes.GetExistingQuoteDates(inst.InstrumentID, effStart, effEnd)
	if err != nil {
		return nil, err
	}

	var missing []time.Time
	for _, day := range expected {
		if !stored[domain.FormatDate(day)] {
			missing = append(missing, day)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	return e.mergeRuns(inst, missing), nil
}

// mergeRuns folds sorted missing dates into maximal consecutive-day runs.
func (e *Engine) mergeRuns(inst *domain.Instrument, missing []time.Time) []domain.Gap {
	var gaps []domain.Gap
	runStart := 0
	for i := 1; i <= len(missing); i++ {
		if i < len(missing) && int(missing[i].Sub(missing[i-1]).Hours()/24) == 1 {
			continue
		}
		run := missing[runStart:i]
		days := int(run[len(run)-1].Sub(run[0]).Hours()/24) + 1
		severity := domain.SeverityForDays(days)
		gaps = append(gaps, domain.Gap{
			InstrumentID:   inst.InstrumentID,
			Symbol:         inst.Symbol,
			Exchange:       inst.Exchange,
			First:          run[0],
			Last:           run[len(run)-1],
			Days:           days,
			Type:           "missing_data",
			Severity:       severity,
			Recommendation: recommendationFor(severity),
			MissingDates:   run,
		})
		runStart = i
	}
	return gaps
}

func recommendationFor(s domain.GapSeverity) string {
	switch s {
	case domain.SeverityLow:
		return "single missing session, fill on next scheduled scan"
	case domain.SeverityMedium:
		return "fill via gap repair"
	case domain.SeverityHigh:
		return "fill via gap repair and verify provider coverage"
	default:
		return "re-download the full window for this instrument"
	}
}

// Fill repairs detected gaps within [start, end] that pass the filter.
// Existing rows are never deleted; repairs only add or overwrite.
func (e *Engine) Fill(ctx context.Context, filter FillFilter, start, end time.Time) (*FillResult, error) {
	if e.fetcher == nil {
		return nil, fmt.Errorf("%w: gap engine has no provider router", domain.ErrInvalidInput)
	}

	exchanges := []domain.Exchange{filter.Exchange}
	if filter.Exchange == "" {
		exchanges = domain.AllExchanges()
	}
	gaps, err := e.Detect(ctx, exchanges, start, end)
	if err != nil {
		return nil, err
	}

	res := &FillResult{Errors: make(map[string]string)}
	wanted := make(map[string]bool, len(filter.InstrumentIDs))
	for _, raw := range filter.InstrumentIDs {
		// Accept canonical or native spellings in the filter.
		if iid, err := domain.ParseAnyInstrumentID(raw); err == nil {
			wanted[iid.String()] = true
		} else {
			wanted[raw] = true
		}
	}

	for _, gap := range gaps {
		if !e.accepts(filter, wanted, gap) {
			continue
		}
		res.Found++
		if filter.DryRun {
			res.Skipped++
			continue
		}

		if err := e.fillOne(ctx, gap); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			res.Errors[gap.InstrumentID] = err.Error()
			e.log.Warn().Err(err).Str("instrument", gap.InstrumentID).
				Str("first", domain.FormatDate(gap.First)).
				Str("last", domain.FormatDate(gap.Last)).
				Msg("Gap fill failed")
		} else {
			res.Filled++
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(interGapThrottle):
		}
	}

	e.log.Info().Int("found", res.Found).Int("filled", res.Filled).
		Int("failed", res.Failed).Bool("dry_run", filter.DryRun).Msg("Gap fill pass finished")
	return res, nil
}

func (e *Engine) accepts(filter FillFilter, wanted map[string]bool, gap domain.Gap) bool {
	if filter.Exchange != "" && gap.Exchange != filter.Exchange {
		return false
	}
	if len(wanted) > 0 && !wanted[gap.InstrumentID] {
		return false
	}
	if filter.MinSeverity != "" && !gap.Severity.AtLeast(filter.MinSeverity) {
		return false
	}
	if len(filter.Severities) > 0 {
		ok := false
		for _, s := range filter.Severities {
			if gap.Severity == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(filter.Types) > 0 {
		ok := false
		for _, typ := range filter.Types {
			if gap.Type == typ {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filter.MaxDays > 0 && gap.Days > filter.MaxDays {
		return false
	}
	return true
}

func (e *Engine) fillOne(ctx context.Context, gap domain.Gap) error {
	iid, err := domain.ParseAnyInstrumentID(gap.InstrumentID)
	if err != nil {
		return err
	}

	quotes, err := e.fetcher.FetchDaily(ctx, iid, gap.First, gap.Last)
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		return fmt.Errorf("%w: no rows for %s in %s..%s", domain.ErrNotFound,
			gap.InstrumentID, domain.FormatDate(gap.First), domain.FormatDate(gap.Last))
	}

	for i := range quotes {
		quotes[i].InstrumentID = iid.String()
	}
	if _, err := e.quotes.Upsert(quotes); err != nil {
		return err
	}
	return nil
}
