package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyhe/quotevault/internal/calendar"
	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/gaps"
	"github.com/dyhe/quotevault/internal/planner"
	"github.com/dyhe/quotevault/internal/quality"
	"github.com/dyhe/quotevault/internal/store"
)

var dbSeq atomic.Int64

// fakeFetcher serves scripted instrument universes and daily payloads,
// standing in for the provider router after its own failover has resolved.
type fakeFetcher struct {
	mu         sync.Mutex
	universe   map[domain.Exchange][]domain.Instrument
	rows       map[string][]domain.DailyQuote // instrument id -> full history
	dailyErr   map[string]error               // instrument id -> permanent failure
	gate       chan struct{}                  // when set, fetches block until closed
	onCalendar func(ex domain.Exchange, start, end time.Time) (int, error)
	dailyCalls int
	calCalls   int
}

func (f *fakeFetcher) ListInstruments(ctx context.Context, ex domain.Exchange, force bool) ([]domain.Instrument, error) {
	return f.universe[ex], nil
}

func (f *fakeFetcher) UpdateTradingCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) (int, error) {
	f.mu.Lock()
	f.calCalls++
	onCalendar := f.onCalendar
	f.mu.Unlock()
	if onCalendar != nil {
		return onCalendar(ex, start, end)
	}
	return 0, nil
}

func (f *fakeFetcher) FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error) {
	f.mu.Lock()
	f.dailyCalls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err := f.dailyErr[id.String()]; err != nil {
		return nil, err
	}
	var out []domain.DailyQuote
	for _, q := range f.rows[id.String()] {
		if !q.Time.Before(domain.Date(start)) && !q.Time.After(domain.Date(end)) {
			out = append(out, q)
		}
	}
	return out, nil
}

type harness struct {
	orch        *Orchestrator
	fetcher     *fakeFetcher
	quotes      *store.QuoteRepository
	updates     *store.UpdateRecordRepository
	journal     *Journal
	journalPath string
	db          *database.DB
	calRepo     *store.CalendarRepository
	instRepo    *store.InstrumentRepository
	cal         *calendar.Service
}

// newHarness seeds an SSE calendar with trading days 2024-01-02..05 and the
// given instrument universe.
func newHarness(t *testing.T, universe []domain.Instrument) *harness {
	t.Helper()
	path := fmt.Sprintf("file:pipeline_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := database.New(database.Config{Path: path, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	instRepo := store.NewInstrumentRepository(db, zerolog.Nop())
	quotes := store.NewQuoteRepository(db, zerolog.Nop())
	calRepo := store.NewCalendarRepository(db, zerolog.Nop())
	updates := store.NewUpdateRecordRepository(db, zerolog.Nop())

	var entries []domain.CalendarEntry
	for day := domain.NewDate(2024, 1, 1); !day.After(domain.NewDate(2024, 1, 7)); day = day.AddDate(0, 0, 1) {
		d := domain.FormatDate(day)
		entries = append(entries, domain.CalendarEntry{
			Exchange:     domain.ExchangeSSE, Date: day,
			IsTradingDay: d >= "2024-01-02" && d <= "2024-01-05",
		})
	}
	_, err = calRepo.Upsert(entries)
	require.NoError(t, err)

	_, err = instRepo.Upsert(universe)
	require.NoError(t, err)

	fetcher := &fakeFetcher{
		universe: map[domain.Exchange][]domain.Instrument{domain.ExchangeSSE: universe},
		rows:     make(map[string][]domain.DailyQuote),
		dailyErr: make(map[string]error),
	}

	cal := calendar.NewService(calRepo, zerolog.Nop())
	journalPath := filepath.Join(t.TempDir(), "progress.journal")
	journal := NewJournal(journalPath, zerolog.Nop())

	cfg := Config{
		BatchSize:       50,
		MaxConcurrent:   3,
		InterChunkDelay: time.Millisecond,
		InterBatchDelay: time.Millisecond,
	}
	orch := NewOrchestrator(cfg, fetcher,
		planner.New(cal, 0, zerolog.Nop()),
		quality.NewStage(zerolog.Nop()),
		instRepo, quotes, updates, journal,
		gaps.NewEngine(instRepo, quotes, cal, nil, zerolog.Nop()),
		nil, // report writing exercised in reports tests
		zerolog.Nop())

	return &harness{
		orch:    orch, fetcher: fetcher, quotes: quotes, updates: updates,
		journal: journal, journalPath: journalPath, db: db,
		calRepo: calRepo, instRepo: instRepo, cal: cal,
	}
}

func sseInstrument(symbol string) domain.Instrument {
	listed := domain.NewDate(1999, 11, 10)
	return domain.Instrument{
		Symbol:   symbol, Exchange: domain.ExchangeSSE,
		Type:     domain.InstrumentTypeStock, Status: domain.StatusActive,
		IsActive: true, ListedDate: &listed, Source: "eastmoney",
	}
}

func providerRow(id string, day time.Time) domain.DailyQuote {
	return domain.DailyQuote{
		Time:        day, InstrumentID: id,
		Open:        10.0, High: 11.0, Low: 9.5, Close: 10.8,
		Volume:      1000000, Amount: 10800000, Factor: 1.0,
		TradeStatus: domain.TradeStatusNormal, Source: "fake",
	}
}

func fullHistory(id string) []domain.DailyQuote {
	var rows []domain.DailyQuote
	for d := 2; d <= 5; d++ {
		rows = append(rows, providerRow(id, domain.NewDate(2024, 1, d)))
	}
	return rows
}

func janWindow() Spec {
	return Spec{
		Exchanges: []domain.Exchange{domain.ExchangeSSE},
		Start:     domain.NewDate(2024, 1, 1),
		End:       domain.NewDate(2024, 1, 5),
	}
}

// Happy path: four trading days, one instrument, every row scored 1.0.
func TestRun_SingleInstrument(t *testing.T) {
	h := newHarness(t, []domain.Instrument{sseInstrument("600000")})
	h.fetcher.rows["600000.SSE"] = fullHistory("600000.SSE")

	require.NoError(t, h.orch.Run(context.Background(), janWindow()))

	quotes, err := h.quotes.GetQuotes(store.QuoteFilter{
		InstrumentID: "600000.SSE",
		Start:        domain.NewDate(2024, 1, 1),
		End:          domain.NewDate(2024, 1, 5),
	}, store.Page{})
	require.NoError(t, err)
	require.Len(t, quotes, 4)

	for i, q := range quotes {
		assert.InDelta(t, 10.8, q.PreClose, 1e-9, "row %d", i)
		assert.Zero(t, q.Change, "row %d", i)
		assert.Zero(t, q.PctChange, "row %d", i)
		assert.InDelta(t, 1.0, q.QualityScore, 1e-9, "row %d", i)
		assert.True(t, q.IsComplete, "row %d", i)
		assert.Equal(t, domain.AdjustNone, q.Adjustment, "row %d", i)
	}

	p := h.orch.Progress()
	assert.Equal(t, 1, p.Snapshot.Processed)
	assert.Equal(t, 1, p.Snapshot.SuccessfulDownloads)
	assert.Equal(t, int64(4), p.Snapshot.TotalQuotes)
	assert.False(t, p.Running)

	rec, err := h.updates.GetByBatchID(p.Snapshot.BatchID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.UpdateCompleted, rec.Status)

	// A completed run leaves no journal behind.
	snap, err := h.journal.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// A failing instrument is counted and logged; the batch carries on and no
// error escapes the run.
func TestRun_InstrumentFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, []domain.Instrument{sseInstrument("600000"), sseInstrument("600036")})
	h.fetcher.rows["600000.SSE"] = fullHistory("600000.SSE")
	h.fetcher.dailyErr["600036.SSE"] = fmt.Errorf("%w: all providers failed", domain.ErrProviderUnavailable)

	require.NoError(t, h.orch.Run(context.Background(), janWindow()))

	p := h.orch.Progress()
	assert.Equal(t, 2, p.Snapshot.Processed)
	assert.Equal(t, 1, p.Snapshot.SuccessfulDownloads)
	assert.Equal(t, 1, p.Snapshot.FailedDownloads)
	require.NotEmpty(t, p.RecentErrors)
	assert.Contains(t, p.RecentErrors[0], "600036.SSE")

	// Nothing stored for the failed instrument.
	count, err := h.quotes.CountQuotes(store.QuoteFilter{InstrumentID: "600036.SSE"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

// Rows that fail payload semantics upstream of the store are dropped by the
// quality stage, not persisted.
func TestRun_MalformedRowsRejected(t *testing.T) {
	h := newHarness(t, []domain.Instrument{sseInstrument("600000")})
	bad := providerRow("600000.SSE", domain.NewDate(2024, 1, 2))
	bad.High, bad.Low = 9.0, 10.0 // inverted
	good := providerRow("600000.SSE", domain.NewDate(2024, 1, 3))
	h.fetcher.rows["600000.SSE"] = []domain.DailyQuote{bad, good}

	require.NoError(t, h.orch.Run(context.Background(), janWindow()))

	count, err := h.quotes.CountQuotes(store.QuoteFilter{InstrumentID: "600000.SSE"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	p := h.orch.Progress()
	assert.Equal(t, int64(1), p.Snapshot.TotalQuotes)
	assert.GreaterOrEqual(t, p.Snapshot.QualityIssues, int64(1))
}

// Resume: interrupt after the first batch of 50, restart with resume=true,
// verify the run completes with every instrument processed exactly once in
// the counters and all quotes stored.
func TestRun_ResumeAfterInterruption(t *testing.T) {
	var universe []domain.Instrument
	for i := 0; i < 120; i++ {
		universe = append(universe, sseInstrument(fmt.Sprintf("60%04d", i)))
	}
	h := newHarness(t, universe)
	for _, inst := range universe {
		id := domain.InstrumentID{Symbol: inst.Symbol, Exchange: domain.ExchangeSSE}.String()
		h.fetcher.rows[id] = fullHistory(id)
	}

	// First run is cancelled partway: cancel once the journal records the
	// first committed batch.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, janWindow()) }()

	deadline := time.After(30 * time.Second)
	for {
		snap, err := h.journal.Load()
		require.NoError(t, err)
		if snap != nil && snap.Processed >= 50 {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatal("first batch never committed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	err := <-done
	require.Error(t, err) // context cancellation surfaces

	interrupted, err := h.journal.Load()
	require.NoError(t, err)
	require.NotNil(t, interrupted)
	assert.True(t, interrupted.Resumable())
	processedBefore := interrupted.Processed

	// Second run resumes and completes.
	spec := janWindow()
	spec.Resume = true
	require.NoError(t, h.orch.Run(context.Background(), spec))

	p := h.orch.Progress()
	assert.Equal(t, interrupted.BatchID, p.Snapshot.BatchID)
	assert.Equal(t, 120, p.Snapshot.Processed)
	assert.GreaterOrEqual(t, p.Snapshot.Processed-processedBefore, 120-processedBefore)

	// Every instrument has its full window stored.
	for _, inst := range universe {
		id := domain.InstrumentID{Symbol: inst.Symbol, Exchange: domain.ExchangeSSE}.String()
		count, err := h.quotes.CountQuotes(store.QuoteFilter{InstrumentID: id})
		require.NoError(t, err)
		require.Equal(t, 4, count, "instrument %s", id)
	}
}

// Incremental runs skip instruments whose windows are fully stored.
func TestRun_IncrementalSkipsStoredWork(t *testing.T) {
	h := newHarness(t, []domain.Instrument{sseInstrument("600000")})
	h.fetcher.rows["600000.SSE"] = fullHistory("600000.SSE")

	spec := janWindow()
	spec.Incremental = true
	require.NoError(t, h.orch.Run(context.Background(), spec))
	callsAfterFirst := h.fetcher.dailyCalls
	assert.Equal(t, 1, callsAfterFirst)

	require.NoError(t, h.orch.Run(context.Background(), spec))
	assert.Equal(t, callsAfterFirst, h.fetcher.dailyCalls)
}

func TestRun_CalendarRefreshRequested(t *testing.T) {
	h := newHarness(t, []domain.Instrument{sseInstrument("600000")})
	h.fetcher.rows["600000.SSE"] = fullHistory("600000.SSE")

	spec := janWindow()
	spec.ForceUpdateCalendar = true
	require.NoError(t, h.orch.Run(context.Background(), spec))
	assert.Equal(t, 1, h.fetcher.calCalls)
}

// A window outside stored calendar coverage triggers one calendar fetch
// before planning instead of failing every instrument on it.
func TestRun_UncoveredWindowFetchesCalendar(t *testing.T) {
	h := newHarness(t, []domain.Instrument{sseInstrument("600000")})
	var rows []domain.DailyQuote
	for d := 1; d <= 5; d++ {
		rows = append(rows, providerRow("600000.SSE", domain.NewDate(2024, 2, d)))
	}
	h.fetcher.rows["600000.SSE"] = rows
	h.fetcher.onCalendar = func(ex domain.Exchange, start, end time.Time) (int, error) {
		var entries []domain.CalendarEntry
		for day := domain.Date(start); !day.After(domain.Date(end)); day = day.AddDate(0, 0, 1) {
			entries = append(entries, domain.CalendarEntry{Exchange: ex, Date: day, IsTradingDay: true})
		}
		n, err := h.calRepo.Upsert(entries)
		h.cal.Invalidate(ex)
		return n, err
	}

	spec := Spec{
		Exchanges: []domain.Exchange{domain.ExchangeSSE},
		Start:     domain.NewDate(2024, 2, 1),
		End:       domain.NewDate(2024, 2, 5),
	}
	require.NoError(t, h.orch.Run(context.Background(), spec))
	assert.Equal(t, 1, h.fetcher.calCalls)

	count, err := h.quotes.CountQuotes(store.QuoteFilter{InstrumentID: "600000.SSE"})
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	p := h.orch.Progress()
	assert.Equal(t, 1, p.Snapshot.SuccessfulDownloads)
	assert.Zero(t, p.Snapshot.FailedDownloads)
}

func TestRun_RejectsBadSpec(t *testing.T) {
	h := newHarness(t, nil)

	err := h.orch.Run(context.Background(), Spec{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	spec := janWindow()
	spec.Start, spec.End = spec.End, spec.Start
	err = h.orch.Run(context.Background(), spec)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRun_OnlyOneAtATime(t *testing.T) {
	h := newHarness(t, []domain.Instrument{sseInstrument("600000")})
	h.fetcher.rows["600000.SSE"] = fullHistory("600000.SSE")
	h.fetcher.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), janWindow()) }()

	// Wait until the first run is parked inside its fetch, then verify an
	// overlapping request is rejected.
	require.Eventually(t, func() bool {
		h.fetcher.mu.Lock()
		defer h.fetcher.mu.Unlock()
		return h.fetcher.dailyCalls > 0
	}, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, h.orch.Run(context.Background(), janWindow()), ErrAlreadyRunning)

	close(h.fetcher.gate)
	require.NoError(t, <-done)
}
