// Package reliability provides database backup, retention and maintenance
// for the quote store.
package reliability

import (
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
)

const backupPrefix = "quotes_backup_"

// Always survive retention pruning, regardless of age or count limits.
const minBackupsToKeep = 3

// BackupOptions controls where backups land and how long they are kept.
type BackupOptions struct {
	Dir            string
	Compress       bool
	RetentionDays  int // 0 keeps everything beyond MaxBackupFiles
	MaxBackupFiles int // 0 means unlimited
}

// BackupService creates consistent snapshots of the quote store and prunes
// old ones.
type BackupService struct {
	db   *database.DB
	opts BackupOptions
	log  zerolog.Logger
}

// LocalBackup describes one backup file on disk.
type LocalBackup struct {
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// NewBackupService creates a backup service for the quote store.
func NewBackupService(db *database.DB, opts BackupOptions, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:   db,
		opts: opts,
		log:  log.With().Str("service", "backup").Logger(),
	}
}

// Dir returns the backup directory.
func (s *BackupService) Dir() string { return s.opts.Dir }

// Create snapshots the store into quotes_backup_<YYYYmmdd_HHMMSS>.db under
// the backup directory, gzipping it when compression is enabled. Returns the
// final backup path.
func (s *BackupService) Create() (string, error) {
	start := time.Now()
	stamp := time.Now().In(domain.SessionZone).Format("20060102_150405")
	dbPath := filepath.Join(s.opts.Dir, backupPrefix+stamp+".db")

	if err := s.db.Backup(dbPath); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}

	finalPath := dbPath
	if s.opts.Compress {
		gzPath, err := s.compress(dbPath)
		if err != nil {
			return "", fmt.Errorf("failed to compress backup: %w", err)
		}
		if err := os.Remove(dbPath); err != nil {
			s.log.Warn().Err(err).Str("path", dbPath).Msg("Failed to remove uncompressed backup")
		}
		finalPath = gzPath
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat backup: %w", err)
	}

	s.log.Info().
		Str("path", finalPath).
		Int64("size_bytes", info.Size()).
		Dur("duration_ms", time.Since(start)).
		Msg("Backup created")

	return finalPath, nil
}

// List returns the backups on disk, newest first.
func (s *BackupService) List() ([]LocalBackup, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	backups := make([]LocalBackup, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseBackupTimestamp(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, LocalBackup{
			Path:      filepath.Join(s.opts.Dir, entry.Name()),
			Filename:  entry.Name(),
			Timestamp: ts,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Prune deletes backups past the retention window or beyond the file cap.
// The newest backups are always kept. Returns the number deleted.
func (s *BackupService) Prune() (int, error) {
	backups, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(backups) <= minBackupsToKeep {
		return 0, nil
	}

	var cutoff time.Time
	if s.opts.RetentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -s.opts.RetentionDays)
	}

	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep {
			continue
		}
		tooMany := s.opts.MaxBackupFiles > 0 && i >= s.opts.MaxBackupFiles
		tooOld := s.opts.RetentionDays > 0 && b.Timestamp.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			s.log.Error().Err(err).Str("path", b.Path).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().
			Str("filename", b.Filename).
			Time("timestamp", b.Timestamp).
			Msg("Deleted old backup")
		deleted++
	}

	return deleted, nil
}

// Verify opens the newest backup and runs an integrity check against it.
// Compressed backups are inflated into a temp file first.
func (s *BackupService) Verify() error {
	backups, err := s.List()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return fmt.Errorf("no backups found in %s", s.opts.Dir)
	}

	path := backups[0].Path
	if strings.HasSuffix(path, ".gz") {
		tmp, err := s.inflate(path)
		if err != nil {
			return fmt.Errorf("failed to inflate backup for verification: %w", err)
		}
		defer os.Remove(tmp)
		path = tmp
	}

	if err := verifySQLiteFile(path); err != nil {
		return fmt.Errorf("backup %s failed verification: %w", backups[0].Filename, err)
	}

	s.log.Debug().Str("filename", backups[0].Filename).Msg("Backup verified")
	return nil
}

func (s *BackupService) compress(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	gzPath := path + ".gz"
	dst, err := os.Create(gzPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return gzPath, dst.Sync()
}

func (s *BackupService) inflate(gzPath string) (string, error) {
	src, err := os.Open(gzPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return "", err
	}
	defer gz.Close()

	dst, err := os.CreateTemp("", "backup_verify_*.db")
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, gz); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

// parseBackupTimestamp extracts the timestamp from a backup filename like
// quotes_backup_20240304_090000.db or .db.gz.
func parseBackupTimestamp(filename string) (time.Time, bool) {
	if !strings.HasPrefix(filename, backupPrefix) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(filename, backupPrefix)
	rest = strings.TrimSuffix(rest, ".gz")
	rest = strings.TrimSuffix(rest, ".db")
	ts, err := time.ParseInLocation("20060102_150405", rest, domain.SessionZone)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// fileChecksum returns the sha256 of a file, prefixed with the algorithm.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
