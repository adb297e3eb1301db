package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/reliability"
)

type fakeRefresher struct {
	calls []domain.Exchange
	fail  map[domain.Exchange]error
}

func (f *fakeRefresher) UpdateTradingCalendar(_ context.Context, ex domain.Exchange, _, _ time.Time) (int, error) {
	f.calls = append(f.calls, ex)
	if err := f.fail[ex]; err != nil {
		return 0, err
	}
	return 10, nil
}

func TestCalendarRefreshJob_RefreshesAllExchanges(t *testing.T) {
	refresher := &fakeRefresher{}
	job := NewCalendarRefreshJob(refresher,
		[]domain.Exchange{domain.ExchangeSSE, domain.ExchangeSZSE}, 30, zerolog.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []domain.Exchange{domain.ExchangeSSE, domain.ExchangeSZSE}, refresher.calls)
}

func TestCalendarRefreshJob_ContinuesPastFailure(t *testing.T) {
	boom := errors.New("boom")
	refresher := &fakeRefresher{fail: map[domain.Exchange]error{domain.ExchangeSSE: boom}}
	job := NewCalendarRefreshJob(refresher,
		[]domain.Exchange{domain.ExchangeSSE, domain.ExchangeSZSE}, 30, zerolog.Nop())

	err := job.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	// The failing exchange does not stop the others.
	assert.Len(t, refresher.calls, 2)
}

func fileDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "quotes.db"),
		Name: "quotes",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBackupJob_LocalOnly(t *testing.T) {
	db := fileDB(t)
	dir := t.TempDir()
	backup := reliability.NewBackupService(db, reliability.BackupOptions{Dir: dir}, zerolog.Nop())

	job := NewBackupJob(backup, nil, 30, zerolog.Nop())
	require.NoError(t, job.Run(context.Background()))

	backups, err := backup.List()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestMaintenanceJob_Run(t *testing.T) {
	db := fileDB(t)
	svc := reliability.NewMaintenanceService(db, nil, nil, zerolog.Nop())

	job := NewMaintenanceJob(svc, reliability.MaintenanceOptions{Vacuum: true}, zerolog.Nop())
	require.NoError(t, job.Run(context.Background()))
}
