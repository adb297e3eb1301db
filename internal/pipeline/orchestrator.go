// Package pipeline executes download runs from request to durable
// completion, with crash-consistent resume through the progress journal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/gaps"
	"github.com/dyhe/quotevault/internal/planner"
	"github.com/dyhe/quotevault/internal/quality"
	"github.com/dyhe/quotevault/internal/reports"
	"github.com/dyhe/quotevault/internal/store"
)

// ErrAlreadyRunning is returned when a run is requested while one is active.
var ErrAlreadyRunning = errors.New("a download run is already in progress")

// Fetcher is the slice of the provider router the orchestrator drives.
type Fetcher interface {
	ListInstruments(ctx context.Context, ex domain.Exchange, forceRefresh bool) ([]domain.Instrument, error)
	FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error)
	UpdateTradingCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) (int, error)
}

// Config tunes batch execution.
type Config struct {
	BatchSize         int           // instruments per store commit, default 50
	MaxConcurrent     int           // workers per exchange, default 3, capped at 10
	InterChunkDelay   time.Duration // default 500ms
	InterBatchDelay   time.Duration // default 2s
	InstrumentTimeout time.Duration // per-instrument fetch budget, default 2m
	QualityThreshold  float64       // batch mean below this counts as issues, default 0.7
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MaxConcurrent > 10 {
		c.MaxConcurrent = 10
	}
	if c.InterChunkDelay <= 0 {
		c.InterChunkDelay = 500 * time.Millisecond
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = 2 * time.Second
	}
	if c.InstrumentTimeout <= 0 {
		c.InstrumentTimeout = 2 * time.Minute
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.7
	}
	return c
}

// Spec describes one requested run.
type Spec struct {
	Exchanges []domain.Exchange
	Start     time.Time
	End       time.Time
	// Resume continues an interrupted run from the journal.
	Resume bool
	// ForceUpdateCalendar refreshes calendars before downloading. Callers
	// default it true for full-history runs and false for resumes and
	// explicit sub-windows.
	ForceUpdateCalendar bool
	// Incremental prunes work items whose trading days are all stored.
	Incremental bool
}

// Progress is the externally visible run state.
type Progress struct {
	Snapshot       domain.ProgressSnapshot `json:"snapshot"`
	Running        bool                    `json:"running"`
	RatePerSecond  float64                 `json:"rate_per_second"`
	ETASeconds     float64                 `json:"eta_seconds"`
	RecentErrors   []string                `json:"recent_errors"`
	ElapsedSeconds float64                 `json:"elapsed_seconds"`
}

// Orchestrator runs download batches.
type Orchestrator struct {
	cfg         Config
	fetcher     Fetcher
	planner     *planner.Planner
	quality     *quality.Stage
	instruments *store.InstrumentRepository
	quotes      *store.QuoteRepository
	updates     *store.UpdateRecordRepository
	journal     *Journal
	gapEngine   *gaps.Engine
	reports     *reports.Writer
	log         zerolog.Logger

	mu       sync.Mutex
	running  bool
	snapshot domain.ProgressSnapshot
}

// NewOrchestrator wires the pipeline. gapEngine and reportWriter may be nil
// to skip post-run analysis.
func NewOrchestrator(
	cfg Config,
	fetcher Fetcher,
	pl *planner.Planner,
	qs *quality.Stage,
	instruments *store.InstrumentRepository,
	quotes *store.QuoteRepository,
	updates *store.UpdateRecordRepository,
	journal *Journal,
	gapEngine *gaps.Engine,
	reportWriter *reports.Writer,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg.withDefaults(),
		fetcher:     fetcher,
		planner:     pl,
		quality:     qs,
		instruments: instruments,
		quotes:      quotes,
		updates:     updates,
		journal:     journal,
		gapEngine:   gapEngine,
		reports:     reportWriter,
		log:         log.With().Str("component", "orchestrator").Logger(),
	}
}

// Progress returns a copy of the current run state for reporting.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	snap := o.snapshot
	snap.RecentErrors = append([]string(nil), o.snapshot.RecentErrors...)
	snap.ProcessedByExchange = copyCounts(o.snapshot.ProcessedByExchange)
	running := o.running
	o.mu.Unlock()

	p := Progress{Snapshot: snap, Running: running}
	if !snap.StartedAt.IsZero() {
		p.ElapsedSeconds = time.Since(snap.StartedAt).Seconds()
		if p.ElapsedSeconds > 0 && snap.Processed > 0 {
			p.RatePerSecond = float64(snap.Processed) / p.ElapsedSeconds
			remaining := snap.TotalInstruments - snap.Processed
			if remaining > 0 && p.RatePerSecond > 0 {
				p.ETASeconds = float64(remaining) / p.RatePerSecond
			}
		}
	}
	errorsTail := snap.RecentErrors
	if len(errorsTail) > 10 {
		errorsTail = errorsTail[len(errorsTail)-10:]
	}
	p.RecentErrors = errorsTail
	return p
}

// Run executes one batch run to completion or cancellation. Only one run
// may be active per orchestrator.
func (o *Orchestrator) Run(ctx context.Context, spec Spec) error {
	if len(spec.Exchanges) == 0 {
		return fmt.Errorf("%w: no exchanges requested", domain.ErrInvalidInput)
	}
	if spec.End.Before(spec.Start) {
		return fmt.Errorf("%w: window end precedes start", domain.ErrInvalidInput)
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	snap := o.initSnapshot(spec)
	o.setSnapshot(snap)
	o.log.Info().Str("batch_id", snap.BatchID).
		Str("start", snap.StartDate).Str("end", snap.EndDate).
		Bool("resume", spec.Resume).Msg("Starting download run")

	runErr := o.execute(ctx, spec)

	o.mu.Lock()
	final := o.snapshot
	o.mu.Unlock()
	if runErr != nil {
		// Keep the journal for resume; a completed run has no use for it.
		o.saveJournal(&final)
	} else {
		o.clearJournal()
	}
	o.recordAudit(&final, runErr)

	if runErr != nil {
		return runErr
	}
	o.postRunAnalysis(ctx, spec, &final)
	return nil
}

func (o *Orchestrator) initSnapshot(spec Spec) domain.ProgressSnapshot {
	if spec.Resume && o.journal != nil {
		if prev, err := o.journal.Load(); err == nil && prev.Resumable() &&
			prev.StartDate == domain.FormatDate(spec.Start) &&
			prev.EndDate == domain.FormatDate(spec.End) {
			o.log.Info().Str("batch_id", prev.BatchID).
				Int("processed", prev.Processed).Int("total", prev.TotalInstruments).
				Msg("Resuming interrupted run from journal")
			if prev.ProcessedByExchange == nil {
				prev.ProcessedByExchange = make(map[domain.Exchange]int)
			}
			prev.UpdatedAt = time.Now().In(domain.SessionZone)
			return *prev
		}
	}
	now := time.Now().In(domain.SessionZone)
	return domain.ProgressSnapshot{
		BatchID:             now.Format("20060102_150405"),
		StartDate:           domain.FormatDate(spec.Start),
		EndDate:             domain.FormatDate(spec.End),
		Exchanges:           spec.Exchanges,
		ProcessedByExchange: make(map[domain.Exchange]int),
		StartedAt:           now,
		UpdatedAt:           now,
	}
}

func (o *Orchestrator) execute(ctx context.Context, spec Spec) error {
	if spec.ForceUpdateCalendar {
		for _, ex := range spec.Exchanges {
			if _, err := o.fetcher.UpdateTradingCalendar(ctx, ex, spec.Start, spec.End); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Calendar refresh failures are logged, never fatal; the
				// stored calendar still serves the planner.
				o.log.Warn().Err(err).Str("exchange", string(ex)).Msg("Calendar refresh failed")
			}
		}
	}

	// The planner refuses windows the stored calendar does not cover, so
	// fetch the calendar for any such exchange before planning on it. If the
	// fetch fails too, instruments on the exchange fail individually.
	for _, ex := range spec.Exchanges {
		err := o.planner.CheckWindow(ex, spec.Start, spec.End)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrCalendarUnknown) {
			return err
		}
		o.log.Info().Str("exchange", string(ex)).Msg("Stored calendar does not cover window, fetching")
		if _, err := o.fetcher.UpdateTradingCalendar(ctx, ex, spec.Start, spec.End); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Warn().Err(err).Str("exchange", string(ex)).Msg("Calendar fetch for uncovered window failed")
		}
	}

	universes := make(map[domain.Exchange][]domain.Instrument, len(spec.Exchanges))
	total := 0
	for _, ex := range spec.Exchanges {
		instruments, err := o.fetcher.ListInstruments(ctx, ex, false)
		if err != nil {
			return fmt.Errorf("failed to enumerate instruments for %s: %w", ex, err)
		}
		universes[ex] = instruments
		total += len(instruments)
	}

	o.mu.Lock()
	o.snapshot.TotalInstruments = total
	o.mu.Unlock()

	for _, ex := range spec.Exchanges {
		if err := o.runExchange(ctx, spec, ex, universes[ex]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runExchange(ctx context.Context, spec Spec, ex domain.Exchange, instruments []domain.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}

	o.mu.Lock()
	alreadyDone := o.snapshot.ProcessedByExchange[ex]
	o.snapshot.CurrentExchange = ex
	o.mu.Unlock()

	// Batches commit atomically and the journal is saved after each one, so
	// the per-exchange counter marks whole batches as certainly finished.
	// Re-planning still protects correctness if the count is stale.
	startBatch := 0
	if spec.Resume && alreadyDone > 0 {
		startBatch = alreadyDone / o.cfg.BatchSize
		o.log.Info().Str("exchange", string(ex)).Int("start_batch", startBatch).
			Msg("Skipping batches already journaled as processed")
	}

	for batchIdx := 0; batchIdx*o.cfg.BatchSize < len(instruments); batchIdx++ {
		if batchIdx < startBatch {
			continue
		}
		lo := batchIdx * o.cfg.BatchSize
		hi := lo + o.cfg.BatchSize
		if hi > len(instruments) {
			hi = len(instruments)
		}

		if err := o.runBatch(ctx, spec, ex, instruments[lo:hi]); err != nil {
			return err
		}

		if hi < len(instruments) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.InterBatchDelay):
			}
		}
	}
	return nil
}

type instrumentResult struct {
	rows     []domain.DailyQuote
	rejected int
	err      error
}

func (o *Orchestrator) runBatch(ctx context.Context, spec Spec, ex domain.Exchange, batch []domain.Instrument) error {
	o.mu.Lock()
	batchID := o.snapshot.BatchID
	o.mu.Unlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		rows   []domain.DailyQuote
		scored float64
		succ   int
		failed int
		reject int64
	)
	sem := make(chan struct{}, o.cfg.MaxConcurrent)

	for i := range batch {
		if ctx.Err() != nil {
			break
		}
		inst := &batch[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res := o.processInstrument(ctx, spec, inst, batchID)
			mu.Lock()
			defer mu.Unlock()
			if res.err != nil {
				failed++
				o.appendError(fmt.Sprintf("%s: %v", inst.InstrumentID, res.err))
				return
			}
			succ++
			reject += int64(res.rejected)
			for _, q := range res.rows {
				scored += q.QualityScore
			}
			rows = append(rows, res.rows...)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Flush what the journal knows before exiting; the in-memory batch
		// is abandoned, resume re-plans it.
		o.flushSnapshot()
		return ctx.Err()
	}

	written, err := o.quotes.Upsert(rows)
	if err != nil {
		// One failed commit fails the whole batch.
		o.mu.Lock()
		o.snapshot.Processed += len(batch)
		o.snapshot.FailedDownloads += len(batch)
		o.snapshot.ProcessedByExchange[ex] += len(batch)
		o.snapshot.AppendError(fmt.Sprintf("store commit failed for %s batch: %v", ex, err))
		o.mu.Unlock()
		o.flushSnapshot()
		if errors.Is(err, domain.ErrStoreFatal) {
			return err
		}
		return nil
	}

	qualityIssues := reject
	if len(rows) > 0 && scored/float64(len(rows)) < o.cfg.QualityThreshold {
		qualityIssues += int64(len(rows))
	}

	o.mu.Lock()
	o.snapshot.Processed += len(batch)
	o.snapshot.SuccessfulDownloads += succ
	o.snapshot.FailedDownloads += failed
	o.snapshot.TotalQuotes += int64(written)
	o.snapshot.QualityIssues += qualityIssues
	o.snapshot.ProcessedByExchange[ex] += len(batch)
	o.snapshot.UpdatedAt = time.Now()
	processed, totalQuotes := o.snapshot.Processed, o.snapshot.TotalQuotes
	o.mu.Unlock()

	o.flushSnapshot()
	o.log.Info().Str("exchange", string(ex)).Int("processed", processed).
		Int64("total_quotes", totalQuotes).Int("batch_rows", written).Msg("Committed batch")
	return nil
}

// processInstrument plans and fetches one instrument's window. Chunks run
// in chronological order; the quality stage scores the accumulated rows
// once so pre_close chains across chunk boundaries.
func (o *Orchestrator) processInstrument(ctx context.Context, spec Spec, inst *domain.Instrument, batchID string) instrumentResult {
	ictx, cancel := context.WithTimeout(ctx, o.cfg.InstrumentTimeout)
	defer cancel()

	items, err := o.planner.Plan(inst, spec.Start, spec.End)
	if err != nil {
		return instrumentResult{err: err}
	}
	if len(items) == 0 {
		return instrumentResult{}
	}

	var stored map[string]bool
	if spec.Incremental {
		stored, err = o.quotes.GetExistingQuoteDates(inst.InstrumentID, spec.Start, spec.End)
		if err != nil {
			return instrumentResult{err: err}
		}
	}

	expected := make(map[string]bool)
	var raw []domain.DailyQuote
	for chunkIdx, item := range items {
		for _, day := range item.ExpectedDays {
			expected[domain.FormatDate(day)] = true
		}
		if spec.Incremental && allStored(item.ExpectedDays, stored) {
			continue
		}

		quotes, err := o.fetcher.FetchDaily(ictx, item.InstrumentID, item.First, item.Last)
		if err != nil {
			return instrumentResult{err: err}
		}
		raw = append(raw, quotes...)

		if chunkIdx < len(items)-1 {
			select {
			case <-ictx.Done():
				return instrumentResult{err: ictx.Err()}
			case <-time.After(o.cfg.InterChunkDelay):
			}
		}
	}

	if len(raw) == 0 {
		return instrumentResult{}
	}
	res := o.quality.Process(raw, expected, inst.InstrumentID, batchID, "")
	return instrumentResult{rows: res.Quotes, rejected: res.Rejected}
}

func allStored(days []time.Time, stored map[string]bool) bool {
	for _, day := range days {
		if !stored[domain.FormatDate(day)] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) postRunAnalysis(ctx context.Context, spec Spec, snap *domain.ProgressSnapshot) {
	if o.gapEngine == nil || o.reports == nil {
		return
	}

	detected, err := o.gapEngine.Detect(ctx, spec.Exchanges, spec.Start, spec.End)
	if err != nil {
		o.log.Warn().Err(err).Msg("Post-run gap analysis failed")
		return
	}

	if _, err := o.reports.WriteDownloadReport(&reports.DownloadReport{
		BatchID:          snap.BatchID,
		StartDate:        snap.StartDate,
		EndDate:          snap.EndDate,
		Exchanges:        snap.Exchanges,
		TotalInstruments: snap.TotalInstruments,
		Processed:        snap.Processed,
		Successful:       snap.SuccessfulDownloads,
		Failed:           snap.FailedDownloads,
		TotalQuotes:      snap.TotalQuotes,
		QualityIssues:    snap.QualityIssues,
		ElapsedSeconds:   time.Since(snap.StartedAt).Seconds(),
		RecentErrors:     snap.RecentErrors,
	}); err != nil {
		o.log.Warn().Err(err).Msg("Failed to write download report")
	}

	if _, err := o.reports.WriteAnalysisReport(&reports.AnalysisReport{
		BatchID:   snap.BatchID,
		StartDate: snap.StartDate,
		EndDate:   snap.EndDate,
		Gaps:      detected,
	}); err != nil {
		o.log.Warn().Err(err).Msg("Failed to write analysis report")
	}
}

func (o *Orchestrator) setSnapshot(snap domain.ProgressSnapshot) {
	o.mu.Lock()
	o.snapshot = snap
	o.mu.Unlock()
}

func (o *Orchestrator) appendError(msg string) {
	o.mu.Lock()
	o.snapshot.AppendError(msg)
	o.mu.Unlock()
}

func (o *Orchestrator) flushSnapshot() {
	if o.journal == nil {
		return
	}
	o.mu.Lock()
	snap := o.snapshot
	snap.RecentErrors = append([]string(nil), o.snapshot.RecentErrors...)
	snap.ProcessedByExchange = copyCounts(o.snapshot.ProcessedByExchange)
	o.mu.Unlock()

	if err := o.journal.Save(&snap); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist progress journal")
	}
}

func (o *Orchestrator) saveJournal(snap *domain.ProgressSnapshot) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Save(snap); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist final progress journal")
	}
}

func (o *Orchestrator) clearJournal() {
	if o.journal == nil {
		return
	}
	if err := o.journal.Clear(); err != nil {
		o.log.Warn().Err(err).Msg("Failed to remove completed progress journal")
	}
}

func (o *Orchestrator) recordAudit(snap *domain.ProgressSnapshot, runErr error) {
	if o.updates == nil {
		return
	}

	status := domain.UpdateCompleted
	if runErr != nil {
		status = domain.UpdateFailed
	}
	start, _ := domain.ParseDate(snap.StartDate)
	end, _ := domain.ParseDate(snap.EndDate)
	finished := time.Now().In(domain.SessionZone)

	rec := &domain.DataUpdateRecord{
		BatchID:          snap.BatchID,
		StartDate:        start,
		EndDate:          end,
		Exchanges:        snap.Exchanges,
		TotalInstruments: snap.TotalInstruments,
		Processed:        snap.Processed,
		Successful:       snap.SuccessfulDownloads,
		Failed:           snap.FailedDownloads,
		TotalQuotes:      snap.TotalQuotes,
		QualityIssues:    snap.QualityIssues,
		Status:           status,
		StartedAt:        snap.StartedAt,
		FinishedAt:       &finished,
	}
	if err := o.updates.Save(rec); err != nil {
		o.log.Error().Err(err).Str("batch_id", snap.BatchID).Msg("Failed to save update record")
	}
}

func copyCounts(m map[domain.Exchange]int) map[domain.Exchange]int {
	out := make(map[domain.Exchange]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
