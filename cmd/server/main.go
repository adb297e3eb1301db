// Package main is the entry point for the quotevault market data service.
// In daemon mode it serves the HTTP API and runs the scheduled jobs; the
// -download and -fill-gaps flags run a single operation and exit, sharing
// the same store and provider chain as the daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/calendar"
	"github.com/dyhe/quotevault/internal/config"
	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/gaps"
	"github.com/dyhe/quotevault/internal/pipeline"
	"github.com/dyhe/quotevault/internal/planner"
	"github.com/dyhe/quotevault/internal/provider"
	"github.com/dyhe/quotevault/internal/quality"
	"github.com/dyhe/quotevault/internal/reliability"
	"github.com/dyhe/quotevault/internal/reports"
	"github.com/dyhe/quotevault/internal/scheduler"
	"github.com/dyhe/quotevault/internal/server"
	"github.com/dyhe/quotevault/internal/store"
	"github.com/dyhe/quotevault/pkg/logger"
)

func main() {
	var (
		downloadFlag  = flag.Bool("download", false, "download historical quotes and exit")
		fillGapsFlag  = flag.Bool("fill-gaps", false, "detect and repair quote gaps and exit")
		startFlag     = flag.String("start", "", "window start date (YYYY-MM-DD)")
		endFlag       = flag.String("end", "", "window end date (YYYY-MM-DD)")
		exchangesFlag = flag.String("exchanges", "", "comma-separated exchanges (default all)")
		resumeFlag    = flag.Bool("resume", false, "resume an interrupted download from the journal")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("db_path", cfg.Database.DBPath).
		Bool("dev_mode", cfg.DevMode).
		Msg("Starting quotevault")

	db, err := database.New(database.Config{Path: cfg.Database.DBPath, Name: "quotes"})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open quote store")
		os.Exit(1)
	}
	defer db.Close()
	log.Info().Str("database", db.Name()).Str("path", db.Path()).Msg("Quote store ready")

	instruments := store.NewInstrumentRepository(db, log)
	quotes := store.NewQuoteRepository(db, log)
	calRepo := store.NewCalendarRepository(db, log)
	updates := store.NewUpdateRecordRepository(db, log)
	stats := store.NewStatsReader(db.Conn(), calRepo)
	cal := calendar.NewService(calRepo, log)

	router := provider.NewRouter(buildRoutes(cfg, log), instruments, calRepo, cal, log)

	pl := planner.New(cal, cfg.Data.DownloadChunkDays, log)
	qs := quality.NewStage(log)
	gapEngine := gaps.NewEngine(instruments, quotes, cal, router, log)
	journal := pipeline.NewJournal(filepath.Join(cfg.DataDir, "download_progress.json"), log)
	reportWriter := reports.NewWriter(filepath.Join(cfg.DataDir, "reports"), log)

	orch := pipeline.NewOrchestrator(pipeline.Config{
		BatchSize:        cfg.Data.BatchSize,
		MaxConcurrent:    cfg.Data.MaxConcurrent,
		QualityThreshold: cfg.Data.QualityThreshold,
	}, router, pl, qs, instruments, quotes, updates, journal, gapEngine, reportWriter, log)

	if *downloadFlag || *fillGapsFlag {
		os.Exit(runOneShot(oneShotParams{
			cfg:       cfg,
			log:       log,
			orch:      orch,
			gapEngine: gapEngine,
			download:  *downloadFlag,
			fillGaps:  *fillGapsFlag,
			start:     *startFlag,
			end:       *endFlag,
			exchanges: *exchangesFlag,
			resume:    *resumeFlag,
		}))
	}

	backup := reliability.NewBackupService(db, reliability.BackupOptions{
		Dir:            cfg.Backup.BackupDirectory,
		Compress:       cfg.Backup.Compress,
		RetentionDays:  cfg.Backup.RetentionDays,
		MaxBackupFiles: cfg.Backup.MaxBackupFiles,
	}, log)
	maintenance := reliability.NewMaintenanceService(db, backup, quotes, log)

	var remote *reliability.RemoteBackupService
	if cfg.Backup.RemoteConfigured() {
		objStore, err := reliability.NewObjectStore(
			cfg.Backup.RemoteEndpoint,
			cfg.Backup.RemoteAccessKey,
			cfg.Backup.RemoteSecretKey,
			cfg.Backup.RemoteBucket,
			log,
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to configure offsite backups")
			os.Exit(1)
		}
		remote = reliability.NewRemoteBackupService(objStore, backup, log)
	}

	sched := scheduler.New(cfg.Location(), updates, log)
	registerJobs(sched, cfg, jobDeps{
		orch:         orch,
		gapEngine:    gapEngine,
		router:       router,
		maintenance:  maintenance,
		backup:       backup,
		remote:       remote,
		reportWriter: reportWriter,
	}, log)
	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	srv := server.New(server.Config{
		Log:              log,
		DB:               db,
		Instruments:      instruments,
		Quotes:           quotes,
		Updates:          updates,
		Stats:            stats,
		Calendar:         cal,
		Router:           router,
		Orchestrator:     orch,
		GapEngine:        gapEngine,
		Reports:          reportWriter,
		QualityThreshold: cfg.Data.QualityThreshold,
		Port:             cfg.Port,
		DevMode:          cfg.DevMode,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	log.Info().Msg("Shutdown complete")
}

// sourceOrder is the fixed failover order when more than one backup source
// serves an exchange.
var sourceOrder = []string{"eastmoney", "tencent", "sina"}

// buildAdapters constructs one adapter per enabled configured source.
func buildAdapters(cfg *config.Config, log zerolog.Logger) map[string]provider.Adapter {
	adapters := make(map[string]provider.Adapter)
	for name, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		switch name {
		case "eastmoney":
			adapters[name] = provider.NewEastmoney(provider.EastmoneyConfig{RateLimit: src.RateLimit}, log)
		case "tencent":
			adapters[name] = provider.NewTencent(provider.TencentConfig{RateLimit: src.RateLimit}, log)
		case "sina":
			adapters[name] = provider.NewSina(provider.SinaConfig{RateLimit: src.RateLimit}, log)
		default:
			log.Warn().Str("source", name).Msg("Unknown data source in config, skipping")
		}
	}
	return adapters
}

// buildRoutes orders, per exchange, the configured primary source first and
// the remaining supporting sources after it in failover order.
func buildRoutes(cfg *config.Config, log zerolog.Logger) map[domain.Exchange][]provider.Adapter {
	adapters := buildAdapters(cfg, log)
	routes := make(map[domain.Exchange][]provider.Adapter)
	for _, ex := range domain.AllExchanges() {
		var primaries, backups []provider.Adapter
		for _, name := range sourceOrder {
			a, ok := adapters[name]
			if !ok {
				continue
			}
			src := cfg.Sources[name]
			if !containsString(src.ExchangesSupported, string(ex)) {
				continue
			}
			if containsString(src.PrimarySourceOf, string(ex)) {
				primaries = append(primaries, a)
			} else {
				backups = append(backups, a)
			}
		}
		if chain := append(primaries, backups...); len(chain) > 0 {
			routes[ex] = chain
		}
	}
	return routes
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// jobDeps carries the services scheduled jobs are built from.
type jobDeps struct {
	orch         *pipeline.Orchestrator
	gapEngine    *gaps.Engine
	router       *provider.Router
	maintenance  *reliability.MaintenanceService
	backup       *reliability.BackupService
	remote       *reliability.RemoteBackupService
	reportWriter *reports.Writer
}

// registerJobs wires each configured job id to its implementation. Unknown
// ids are logged and skipped so a stale config entry cannot block startup.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, deps jobDeps, log zerolog.Logger) {
	for id, jc := range cfg.Scheduler.Jobs {
		var job scheduler.Job
		var reportWriter *reports.Writer
		if jc.Report {
			reportWriter = deps.reportWriter
		}

		switch id {
		case "daily_update":
			job = scheduler.NewDailyUpdateJob(
				deps.orch,
				reportWriter,
				jobExchanges(jc.StringsParam("exchanges"), log),
				jc.IntParam("lookback_days", 5),
				log,
			)
		case "gap_scan":
			job = scheduler.NewGapScanJob(
				deps.gapEngine,
				reportWriter,
				jobExchanges(jc.StringsParam("exchanges"), log),
				jc.IntParam("lookback_days", 30),
				jc.BoolParam("auto_fill", false),
				jc.IntParam("fill_max_days", 0),
				log,
			)
		case "calendar_refresh":
			job = scheduler.NewCalendarRefreshJob(
				deps.router,
				jobExchanges(jc.StringsParam("exchanges"), log),
				jc.IntParam("lookback_days", 90),
				log,
			)
		case "database_maintenance":
			job = scheduler.NewMaintenanceJob(deps.maintenance, reliability.MaintenanceOptions{
				Vacuum:        jc.BoolParam("vacuum", false),
				VerifyBackups: jc.BoolParam("verify_backups", false),
				RetentionDays: jc.IntParam("retention_days", 0),
			}, log)
		case "database_backup":
			job = scheduler.NewBackupJob(deps.backup, deps.remote, cfg.Backup.RetentionDays, log)
		default:
			log.Warn().Str("job", id).Msg("Unknown scheduled job id in config, skipping")
			continue
		}

		settings := scheduler.JobSettings{
			Enabled: jc.Enabled,
			Trigger: jc.Trigger,
			Audit:   jc.Report,
		}
		if err := sched.Register(job, settings); err != nil {
			log.Error().Err(err).Str("job", id).Msg("Failed to register scheduled job")
		}
	}
}

// oneShotParams bundles the inputs of a single-operation run.
type oneShotParams struct {
	cfg       *config.Config
	log       zerolog.Logger
	orch      *pipeline.Orchestrator
	gapEngine *gaps.Engine
	download  bool
	fillGaps  bool
	start     string
	end       string
	exchanges string
	resume    bool
}

// runOneShot executes a -download or -fill-gaps invocation and returns the
// process exit code. Interrupted downloads leave a journal a later -resume
// run continues from.
func runOneShot(p oneShotParams) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start, end, err := cliWindow(p.start, p.end)
	if err != nil {
		p.log.Error().Err(err).Msg("Invalid date window")
		return 1
	}
	exchanges, err := cliExchanges(p.exchanges)
	if err != nil {
		p.log.Error().Err(err).Msg("Invalid exchange list")
		return 1
	}

	if p.download {
		err := p.orch.Run(ctx, pipeline.Spec{
			Exchanges:           exchanges,
			Start:               start,
			End:                 end,
			Resume:              p.resume,
			ForceUpdateCalendar: !p.resume,
		})
		if err != nil {
			p.log.Error().Err(err).Msg("Download failed")
			return 1
		}
		p.log.Info().Msg("Download completed")
	}

	if p.fillGaps {
		result, err := p.gapEngine.Fill(ctx, gaps.FillFilter{}, start, end)
		if err != nil {
			p.log.Error().Err(err).Msg("Gap repair failed")
			return 1
		}
		p.log.Info().
			Int("found", result.Found).
			Int("filled", result.Filled).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Msg("Gap repair completed")
	}
	return 0
}

// cliWindow parses the -start and -end flags, defaulting to the trailing
// 30 days ending today.
func cliWindow(startRaw, endRaw string) (time.Time, time.Time, error) {
	end := time.Now().In(domain.SessionZone)
	start := end.AddDate(0, 0, -30)

	var err error
	if startRaw != "" {
		if start, err = domain.ParseDate(startRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if endRaw != "" {
		if end, err = domain.ParseDate(endRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end date precedes start date", domain.ErrInvalidInput)
	}
	return start, end, nil
}

func cliExchanges(raw string) ([]domain.Exchange, error) {
	if raw == "" {
		return domain.AllExchanges(), nil
	}
	var out []domain.Exchange
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ex, err := domain.ParseExchange(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	if len(out) == 0 {
		return domain.AllExchanges(), nil
	}
	return out, nil
}

// jobExchanges parses the exchange list of a job's parameters, defaulting
// to all exchanges and dropping entries that do not parse.
func jobExchanges(names []string, log zerolog.Logger) []domain.Exchange {
	if len(names) == 0 {
		return domain.AllExchanges()
	}
	var out []domain.Exchange
	for _, name := range names {
		ex, err := domain.ParseExchange(name)
		if err != nil {
			log.Warn().Str("exchange", name).Msg("Unknown exchange in job config, skipping")
			continue
		}
		out = append(out, ex)
	}
	if len(out) == 0 {
		return domain.AllExchanges()
	}
	return out
}
