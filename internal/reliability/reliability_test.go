package reliability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyhe/quotevault/internal/database"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "quotes.db"),
		Name: "quotes",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBackupService_Create(t *testing.T) {
	db := testDB(t)
	dir := t.TempDir()
	svc := NewBackupService(db, BackupOptions{Dir: dir}, zerolog.Nop())

	path, err := svc.Create()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "quotes_backup_"))
	assert.True(t, strings.HasSuffix(path, ".db"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	backups, err := svc.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, filepath.Base(path), backups[0].Filename)

	require.NoError(t, svc.Verify())
}

func TestBackupService_Compressed(t *testing.T) {
	db := testDB(t)
	svc := NewBackupService(db, BackupOptions{Dir: t.TempDir(), Compress: true}, zerolog.Nop())

	path, err := svc.Create()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".db.gz"))

	// The uncompressed intermediate is gone.
	_, err = os.Stat(strings.TrimSuffix(path, ".gz"))
	assert.True(t, os.IsNotExist(err))

	// Verify inflates and integrity-checks the archive.
	require.NoError(t, svc.Verify())
}

func TestBackupService_PruneByCount(t *testing.T) {
	db := testDB(t)
	dir := t.TempDir()
	svc := NewBackupService(db, BackupOptions{Dir: dir, MaxBackupFiles: 4}, zerolog.Nop())

	names := []string{
		"quotes_backup_20240301_010000.db",
		"quotes_backup_20240302_010000.db",
		"quotes_backup_20240303_010000.db",
		"quotes_backup_20240304_010000.db",
		"quotes_backup_20240305_010000.db",
		"quotes_backup_20240306_010000.db",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	deleted, err := svc.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	backups, err := svc.List()
	require.NoError(t, err)
	require.Len(t, backups, 4)
	// Newest first, oldest two gone.
	assert.Equal(t, "quotes_backup_20240306_010000.db", backups[0].Filename)
	assert.Equal(t, "quotes_backup_20240303_010000.db", backups[3].Filename)
}

func TestBackupService_PruneByAgeKeepsMinimum(t *testing.T) {
	db := testDB(t)
	dir := t.TempDir()
	svc := NewBackupService(db, BackupOptions{Dir: dir, RetentionDays: 7}, zerolog.Nop())

	// All far past retention, but the newest three must survive.
	names := []string{
		"quotes_backup_20200101_010000.db",
		"quotes_backup_20200102_010000.db",
		"quotes_backup_20200103_010000.db",
		"quotes_backup_20200104_010000.db",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	deleted, err := svc.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	backups, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, backups, 3)
}

func TestBackupService_ListIgnoresForeignFiles(t *testing.T) {
	db := testDB(t)
	dir := t.TempDir()
	svc := NewBackupService(db, BackupOptions{Dir: dir}, zerolog.Nop())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quotes_backup_garbage.db"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quotes_backup_20240301_010000.db"), []byte("x"), 0644))

	backups, err := svc.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "quotes_backup_20240301_010000.db", backups[0].Filename)
}

func TestBackupService_VerifyWithoutBackups(t *testing.T) {
	db := testDB(t)
	svc := NewBackupService(db, BackupOptions{Dir: t.TempDir()}, zerolog.Nop())
	assert.Error(t, svc.Verify())
}

func TestParseBackupTimestamp(t *testing.T) {
	ts, ok := parseBackupTimestamp("quotes_backup_20240304_093015.db")
	require.True(t, ok)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, time.March, ts.Month())
	assert.Equal(t, 9, ts.Hour())

	_, ok = parseBackupTimestamp("quotes_backup_20240304_093015.db.gz")
	assert.True(t, ok)

	_, ok = parseBackupTimestamp("other_file.db")
	assert.False(t, ok)
}

func TestMaintenanceService_Run(t *testing.T) {
	db := testDB(t)
	backupSvc := NewBackupService(db, BackupOptions{Dir: t.TempDir()}, zerolog.Nop())
	_, err := backupSvc.Create()
	require.NoError(t, err)

	svc := NewMaintenanceService(db, backupSvc, nil, zerolog.Nop())
	result, err := svc.Run(context.Background(), MaintenanceOptions{
		Vacuum:        true,
		VerifyBackups: true,
	})
	require.NoError(t, err)
	assert.True(t, result.IntegrityOK)
	assert.True(t, result.Vacuumed)
	assert.True(t, result.BackupsVerified)
}

type stubTrimmer struct {
	cutoff  time.Time
	deleted int64
}

func (s *stubTrimmer) TrimBefore(cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, nil
}

func TestMaintenanceService_RetentionTrim(t *testing.T) {
	db := testDB(t)
	trimmer := &stubTrimmer{deleted: 120}
	svc := NewMaintenanceService(db, nil, trimmer, zerolog.Nop())

	result, err := svc.Run(context.Background(), MaintenanceOptions{RetentionDays: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(120), result.QuotesTrimmed)

	wantCutoff := time.Now().AddDate(0, 0, -30)
	assert.WithinDuration(t, wantCutoff, trimmer.cutoff, time.Minute)

	// Without a retention policy the trimmer is never consulted.
	trimmer.cutoff = time.Time{}
	_, err = svc.Run(context.Background(), MaintenanceOptions{})
	require.NoError(t, err)
	assert.True(t, trimmer.cutoff.IsZero())
}

func TestNewObjectStore_RequiresConfig(t *testing.T) {
	_, err := NewObjectStore("", "", "", "", zerolog.Nop())
	assert.Error(t, err)
}
