package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/gaps"
	"github.com/dyhe/quotevault/internal/pipeline"
	"github.com/dyhe/quotevault/internal/reliability"
	"github.com/dyhe/quotevault/internal/reports"
)

// DailyUpdateJob pulls the recent window for the configured exchanges and
// writes the daily update report. Incremental mode skips instruments whose
// trading days are already stored, so re-runs are cheap.
type DailyUpdateJob struct {
	orch         *pipeline.Orchestrator
	reports      *reports.Writer
	exchanges    []domain.Exchange
	lookbackDays int
	log          zerolog.Logger
}

// NewDailyUpdateJob creates the daily update job. lookbackDays covers
// instruments that traded while the scheduler was down.
func NewDailyUpdateJob(
	orch *pipeline.Orchestrator,
	reportWriter *reports.Writer,
	exchanges []domain.Exchange,
	lookbackDays int,
	log zerolog.Logger,
) *DailyUpdateJob {
	if lookbackDays <= 0 {
		lookbackDays = 5
	}
	return &DailyUpdateJob{
		orch:         orch,
		reports:      reportWriter,
		exchanges:    exchanges,
		lookbackDays: lookbackDays,
		log:          log.With().Str("job", "daily_update").Logger(),
	}
}

func (j *DailyUpdateJob) Name() string { return "daily_update" }

func (j *DailyUpdateJob) Run(ctx context.Context) error {
	end := time.Now().In(domain.SessionZone)
	start := end.AddDate(0, 0, -j.lookbackDays)

	runErr := j.orch.Run(ctx, pipeline.Spec{
		Exchanges:           j.exchanges,
		Start:               start,
		End:                 end,
		Incremental:         true,
		ForceUpdateCalendar: true,
	})

	prog := j.orch.Progress()
	if j.reports != nil {
		report := &reports.DailyUpdateReport{
			BatchID:     prog.Snapshot.BatchID,
			Exchanges:   j.exchanges,
			Successful:  prog.Snapshot.SuccessfulDownloads,
			Failed:      prog.Snapshot.FailedDownloads,
			TotalQuotes: prog.Snapshot.TotalQuotes,
		}
		if runErr != nil {
			report.Notes = append(report.Notes, runErr.Error())
		}
		if _, err := j.reports.WriteDailyUpdateReport(report); err != nil {
			j.log.Error().Err(err).Msg("Failed to write daily update report")
		}
	}

	return runErr
}

// GapScanJob detects quote gaps over a trailing window and optionally
// repairs them.
type GapScanJob struct {
	engine       *gaps.Engine
	reports      *reports.Writer
	exchanges    []domain.Exchange
	lookbackDays int
	autoFill     bool
	fillMaxDays  int
	log          zerolog.Logger
}

// NewGapScanJob creates the gap scan job. With autoFill, gaps up to
// fillMaxDays are repaired in the same run.
func NewGapScanJob(
	engine *gaps.Engine,
	reportWriter *reports.Writer,
	exchanges []domain.Exchange,
	lookbackDays int,
	autoFill bool,
	fillMaxDays int,
	log zerolog.Logger,
) *GapScanJob {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &GapScanJob{
		engine:       engine,
		reports:      reportWriter,
		exchanges:    exchanges,
		lookbackDays: lookbackDays,
		autoFill:     autoFill,
		fillMaxDays:  fillMaxDays,
		log:          log.With().Str("job", "gap_scan").Logger(),
	}
}

func (j *GapScanJob) Name() string { return "gap_scan" }

func (j *GapScanJob) Run(ctx context.Context) error {
	end := time.Now().In(domain.SessionZone)
	start := end.AddDate(0, 0, -j.lookbackDays)
	batchID := fmt.Sprintf("gap_scan_%s", end.Format("20060102_150405"))

	found, err := j.engine.Detect(ctx, j.exchanges, start, end)
	if err != nil {
		return fmt.Errorf("gap scan failed: %w", err)
	}
	j.log.Info().Int("gaps", len(found)).Msg("Gap scan completed")

	if j.reports != nil {
		_, err := j.reports.WriteAnalysisReport(&reports.AnalysisReport{
			BatchID:   batchID,
			StartDate: domain.FormatDate(start),
			EndDate:   domain.FormatDate(end),
			Gaps:      found,
		})
		if err != nil {
			j.log.Error().Err(err).Msg("Failed to write gap analysis report")
		}
	}

	if !j.autoFill || len(found) == 0 {
		return nil
	}

	result, err := j.engine.Fill(ctx, gaps.FillFilter{MaxDays: j.fillMaxDays}, start, end)
	if err != nil {
		return fmt.Errorf("gap auto-repair failed: %w", err)
	}
	j.log.Info().
		Int("filled", result.Filled).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Gap auto-repair completed")
	return nil
}

// CalendarRefresher is the slice of the provider router the calendar job
// needs.
type CalendarRefresher interface {
	UpdateTradingCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) (int, error)
}

// CalendarRefreshJob re-fetches trading calendars for a trailing window so
// late holiday corrections land in the store.
type CalendarRefreshJob struct {
	refresher    CalendarRefresher
	exchanges    []domain.Exchange
	lookbackDays int
	log          zerolog.Logger
}

// NewCalendarRefreshJob creates the calendar refresh job.
func NewCalendarRefreshJob(
	refresher CalendarRefresher,
	exchanges []domain.Exchange,
	lookbackDays int,
	log zerolog.Logger,
) *CalendarRefreshJob {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	return &CalendarRefreshJob{
		refresher:    refresher,
		exchanges:    exchanges,
		lookbackDays: lookbackDays,
		log:          log.With().Str("job", "calendar_refresh").Logger(),
	}
}

func (j *CalendarRefreshJob) Name() string { return "calendar_refresh" }

func (j *CalendarRefreshJob) Run(ctx context.Context) error {
	end := time.Now().In(domain.SessionZone)
	start := end.AddDate(0, 0, -j.lookbackDays)

	var firstErr error
	for _, ex := range j.exchanges {
		n, err := j.refresher.UpdateTradingCalendar(ctx, ex, start, end)
		if err != nil {
			j.log.Error().Err(err).Str("exchange", string(ex)).Msg("Calendar refresh failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("calendar refresh failed for %s: %w", ex, err)
			}
			continue
		}
		j.log.Info().Str("exchange", string(ex)).Int("entries", n).Msg("Calendar refreshed")
	}
	return firstErr
}

// MaintenanceJob runs the database housekeeping pass.
type MaintenanceJob struct {
	svc  *reliability.MaintenanceService
	opts reliability.MaintenanceOptions
	log  zerolog.Logger
}

// NewMaintenanceJob creates the maintenance job.
func NewMaintenanceJob(svc *reliability.MaintenanceService, opts reliability.MaintenanceOptions, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		svc:  svc,
		opts: opts,
		log:  log.With().Str("job", "database_maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "database_maintenance" }

func (j *MaintenanceJob) Run(ctx context.Context) error {
	result, err := j.svc.Run(ctx, j.opts)
	if err != nil {
		return err
	}
	j.log.Info().
		Bool("vacuumed", result.Vacuumed).
		Float64("disk_available_gb", result.DiskAvailableGB).
		Msg("Maintenance pass done")
	return nil
}

// BackupJob snapshots the store, prunes old copies and optionally ships the
// backup offsite.
type BackupJob struct {
	backup        *reliability.BackupService
	remote        *reliability.RemoteBackupService
	retentionDays int
	log           zerolog.Logger
}

// NewBackupJob creates the backup job. remote may be nil for local-only
// backups.
func NewBackupJob(
	backup *reliability.BackupService,
	remote *reliability.RemoteBackupService,
	retentionDays int,
	log zerolog.Logger,
) *BackupJob {
	return &BackupJob{
		backup:        backup,
		remote:        remote,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "database_backup").Logger(),
	}
}

func (j *BackupJob) Name() string { return "database_backup" }

func (j *BackupJob) Run(ctx context.Context) error {
	if j.remote != nil {
		if err := j.remote.CreateAndUpload(ctx, j.retentionDays); err != nil {
			return err
		}
	} else {
		if _, err := j.backup.Create(); err != nil {
			return err
		}
	}

	if _, err := j.backup.Prune(); err != nil {
		j.log.Error().Err(err).Msg("Backup pruning failed")
	}
	return nil
}
