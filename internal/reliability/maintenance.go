package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dyhe/quotevault/internal/database"
)

// Disk space thresholds in GB. Below critical the maintenance run fails so
// the scheduler surfaces it loudly.
const (
	diskCriticalGB = 0.5
	diskLowGB      = 5.0
	diskWarnGB     = 10.0
)

// MaintenanceOptions controls the scope of a maintenance run.
type MaintenanceOptions struct {
	Vacuum        bool // expensive on large stores, usually weekly
	VerifyBackups bool
	RetentionDays int // 0 keeps the full quote history
}

// QuoteTrimmer deletes quote rows past a retention cutoff. Satisfied by the
// quote repository.
type QuoteTrimmer interface {
	TrimBefore(cutoff time.Time) (int64, error)
}

// MaintenanceService runs the periodic database housekeeping: integrity
// check, WAL checkpoint, retention trim, planner statistics refresh, disk
// space check and backup verification.
type MaintenanceService struct {
	db     *database.DB
	backup *BackupService
	quotes QuoteTrimmer
	log    zerolog.Logger
}

// MaintenanceResult summarizes what a run did.
type MaintenanceResult struct {
	IntegrityOK     bool    `json:"integrity_ok"`
	Vacuumed        bool    `json:"vacuumed"`
	SpaceFreedMB    float64 `json:"space_freed_mb"`
	QuotesTrimmed   int64   `json:"quotes_trimmed"`
	DiskAvailableGB float64 `json:"disk_available_gb"`
	BackupsVerified bool    `json:"backups_verified"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// NewMaintenanceService creates the maintenance service. quotes may be nil
// when no retention policy applies.
func NewMaintenanceService(db *database.DB, backup *BackupService, quotes QuoteTrimmer, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		db:     db,
		backup: backup,
		quotes: quotes,
		log:    log.With().Str("service", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass. Integrity failure and critically low
// disk space are fatal; everything else is logged and the run continues.
func (s *MaintenanceService) Run(ctx context.Context, opts MaintenanceOptions) (*MaintenanceResult, error) {
	s.log.Info().Bool("vacuum", opts.Vacuum).Msg("Starting maintenance")
	start := time.Now()
	result := &MaintenanceResult{}

	if err := s.db.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("integrity check failed: %w", err)
	}
	result.IntegrityOK = true

	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	// Trim before vacuuming so the vacuum reclaims the freed pages.
	if opts.RetentionDays > 0 && s.quotes != nil {
		cutoff := time.Now().AddDate(0, 0, -opts.RetentionDays)
		deleted, err := s.quotes.TrimBefore(cutoff)
		if err != nil {
			s.log.Error().Err(err).Msg("Retention trim failed")
		} else {
			result.QuotesTrimmed = deleted
		}
	}

	if opts.Vacuum {
		freed, err := s.vacuum()
		if err != nil {
			s.log.Error().Err(err).Msg("Vacuum failed")
		} else {
			result.Vacuumed = true
			result.SpaceFreedMB = freed
		}
	}

	if err := s.db.Analyze(); err != nil {
		s.log.Warn().Err(err).Msg("Analyze failed")
	}

	availableGB, err := s.checkDiskSpace(ctx)
	if err != nil {
		return nil, err
	}
	result.DiskAvailableGB = availableGB

	if opts.VerifyBackups && s.backup != nil {
		if err := s.backup.Verify(); err != nil {
			s.log.Error().Err(err).Msg("Backup verification failed")
		} else {
			result.BackupsVerified = true
		}
	}

	s.logStoreSize()

	result.DurationSeconds = time.Since(start).Seconds()
	s.log.Info().
		Float64("duration_s", result.DurationSeconds).
		Float64("disk_available_gb", availableGB).
		Msg("Maintenance completed")
	return result, nil
}

func (s *MaintenanceService) vacuum() (float64, error) {
	before, err := s.db.GetStats()
	if err != nil {
		return 0, err
	}
	if err := s.db.Vacuum(); err != nil {
		return 0, err
	}
	after, err := s.db.GetStats()
	if err != nil {
		return 0, err
	}

	freedMB := float64(before.PageCount-after.PageCount) * float64(before.PageSize) / 1024 / 1024
	if freedMB < 0 {
		freedMB = 0
	}
	s.log.Info().Float64("space_freed_mb", freedMB).Msg("Vacuum completed")
	return freedMB, nil
}

// checkDiskSpace returns the free space in GB on the volume holding the
// store, failing the run when critically low.
func (s *MaintenanceService) checkDiskSpace(ctx context.Context) (float64, error) {
	path := s.db.Path()
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		// In-memory stores have no backing volume.
		s.log.Debug().Err(err).Str("path", path).Msg("Disk usage unavailable")
		return 0, nil
	}

	availableGB := float64(usage.Free) / 1e9
	switch {
	case availableGB < diskCriticalGB:
		return availableGB, fmt.Errorf("only %.2f GB free on %s", availableGB, path)
	case availableGB < diskLowGB:
		s.log.Error().Float64("available_gb", availableGB).Msg("Low disk space")
	case availableGB < diskWarnGB:
		s.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return availableGB, nil
}

func (s *MaintenanceService) logStoreSize() {
	stats, err := s.db.GetStats()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read store stats")
		return
	}
	s.log.Info().
		Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
		Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
		Int64("freelist_pages", stats.FreelistCount).
		Msg("Store size")
}

// verifySQLiteFile opens a database file read-only and runs an integrity
// check against it.
func verifySQLiteFile(path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned %q", result)
	}
	return nil
}
