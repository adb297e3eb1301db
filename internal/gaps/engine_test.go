package gaps

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyhe/quotevault/internal/calendar"
	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/store"
)

var dbSeq atomic.Int64

type fakeFetcher struct {
	rows  []domain.DailyQuote
	err   error
	calls int
}

func (f *fakeFetcher) FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.DailyQuote
	for _, q := range f.rows {
		if !q.Time.Before(domain.Date(start)) && !q.Time.After(domain.Date(end)) {
			out = append(out, q)
		}
	}
	return out, nil
}

type harness struct {
	engine      *Engine
	instruments *store.InstrumentRepository
	quotes      *store.QuoteRepository
	fetcher     *fakeFetcher
}

// setup seeds 600000.SSE with trading days 2024-01-02..05 and stored rows
// on the 2nd and 5th, matching the canonical gap scenario.
func setup(t *testing.T) *harness {
	t.Helper()
	path := fmt.Sprintf("file:gaps_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := database.New(database.Config{Path: path, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	instruments := store.NewInstrumentRepository(db, zerolog.Nop())
	quotes := store.NewQuoteRepository(db, zerolog.Nop())
	calRepo := store.NewCalendarRepository(db, zerolog.Nop())

	listed := domain.NewDate(1999, 11, 10)
	_, err = instruments.Upsert([]domain.Instrument{{
		Symbol:   "600000", Exchange: domain.ExchangeSSE,
		Type:     domain.InstrumentTypeStock, Status: domain.StatusActive,
		IsActive: true, ListedDate: &listed,
	}})
	require.NoError(t, err)

	var entries []domain.CalendarEntry
	for day := domain.NewDate(2024, 1, 1); !day.After(domain.NewDate(2024, 1, 7)); day = day.AddDate(0, 0, 1) {
		trading := domain.FormatDate(day) >= "2024-01-02" && domain.FormatDate(day) <= "2024-01-05"
		entries = append(entries, domain.CalendarEntry{
			Exchange: domain.ExchangeSSE, Date: day, IsTradingDay: trading,
		})
	}
	_, err = calRepo.Upsert(entries)
	require.NoError(t, err)

	stored := []domain.DailyQuote{
		storedQuote(domain.NewDate(2024, 1, 2)),
		storedQuote(domain.NewDate(2024, 1, 5)),
	}
	_, err = quotes.Upsert(stored)
	require.NoError(t, err)

	fetcher := &fakeFetcher{rows: []domain.DailyQuote{
		storedQuote(domain.NewDate(2024, 1, 3)),
		storedQuote(domain.NewDate(2024, 1, 4)),
	}}
	cal := calendar.NewService(calRepo, zerolog.Nop())
	return &harness{
		engine:      NewEngine(instruments, quotes, cal, fetcher, zerolog.Nop()),
		instruments: instruments,
		quotes:      quotes,
		fetcher:     fetcher,
	}
}

func storedQuote(day time.Time) domain.DailyQuote {
	return domain.DailyQuote{
		Time:        day, InstrumentID: "600000.SSE",
		Open:        10, High: 11, Low: 9.5, Close: 10.8,
		Volume:      1000, Amount: 10800, Factor: 1,
		TradeStatus: domain.TradeStatusNormal, QualityScore: 1, IsComplete: true,
		Source:      "eastmoney",
	}
}

func TestDetect_SingleRun(t *testing.T) {
	h := setup(t)

	gaps, err := h.engine.Detect(context.Background(),
		[]domain.Exchange{domain.ExchangeSSE},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	gap := gaps[0]
	assert.Equal(t, "600000.SSE", gap.InstrumentID)
	assert.Equal(t, "2024-01-03", domain.FormatDate(gap.First))
	assert.Equal(t, "2024-01-04", domain.FormatDate(gap.Last))
	assert.Equal(t, 2, gap.Days)
	assert.Equal(t, domain.SeverityMedium, gap.Severity)
	assert.Equal(t, "missing_data", gap.Type)
	require.Len(t, gap.MissingDates, 2)
	assert.Equal(t, "2024-01-03", domain.FormatDate(gap.MissingDates[0]))
	assert.Equal(t, "2024-01-04", domain.FormatDate(gap.MissingDates[1]))
}

func TestDetect_Deterministic(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	window := []time.Time{domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5)}

	first, err := h.engine.Detect(ctx, []domain.Exchange{domain.ExchangeSSE}, window[0], window[1])
	require.NoError(t, err)
	second, err := h.engine.Detect(ctx, []domain.Exchange{domain.ExchangeSSE}, window[0], window[1])
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetect_NoGapsWhenComplete(t *testing.T) {
	h := setup(t)
	_, err := h.quotes.Upsert([]domain.DailyQuote{
		storedQuote(domain.NewDate(2024, 1, 3)),
		storedQuote(domain.NewDate(2024, 1, 4)),
	})
	require.NoError(t, err)

	gaps, err := h.engine.Detect(context.Background(),
		[]domain.Exchange{domain.ExchangeSSE},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestDetect_SplitRuns(t *testing.T) {
	h := setup(t)
	// Stored: 2nd, 4th, 5th. Missing collapses to the 3rd alone.
	_, err := h.quotes.Upsert([]domain.DailyQuote{storedQuote(domain.NewDate(2024, 1, 4))})
	require.NoError(t, err)

	gaps, err := h.engine.Detect(context.Background(),
		[]domain.Exchange{domain.ExchangeSSE},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 1, gaps[0].Days)
	assert.Equal(t, domain.SeverityLow, gaps[0].Severity)
}

func TestFill_RepairsGap(t *testing.T) {
	h := setup(t)

	res, err := h.engine.Fill(context.Background(),
		FillFilter{Exchange: domain.ExchangeSSE},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Filled)
	assert.Zero(t, res.Failed)

	// The window is now complete.
	gaps, err := h.engine.Detect(context.Background(),
		[]domain.Exchange{domain.ExchangeSSE},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestFill_DryRun(t *testing.T) {
	h := setup(t)

	res, err := h.engine.Fill(context.Background(),
		FillFilter{Exchange: domain.ExchangeSSE, DryRun: true},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Filled)
	assert.Zero(t, h.fetcher.calls)
}

func TestFill_ProviderReturnsNothing(t *testing.T) {
	h := setup(t)
	h.fetcher.rows = nil

	res, err := h.engine.Fill(context.Background(),
		FillFilter{Exchange: domain.ExchangeSSE},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Zero(t, res.Filled)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Errors, "600000.SSE")

	// The gap is still reported, never silently papered over.
	gaps, err := h.engine.Detect(context.Background(),
		[]domain.Exchange{domain.ExchangeSSE},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Len(t, gaps, 1)
}

func TestFill_SeverityFilter(t *testing.T) {
	h := setup(t)

	res, err := h.engine.Fill(context.Background(),
		FillFilter{Exchange: domain.ExchangeSSE, MinSeverity: domain.SeverityHigh},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Zero(t, res.Found)
	assert.Zero(t, h.fetcher.calls)
}

func TestFill_NativeIDFilter(t *testing.T) {
	h := setup(t)

	res, err := h.engine.Fill(context.Background(),
		FillFilter{Exchange: domain.ExchangeSSE, InstrumentIDs: []string{"600000.SH"}},
		domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Filled)
}
