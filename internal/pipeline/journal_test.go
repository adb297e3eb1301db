package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyhe/quotevault/internal/domain"
)

func TestJournal_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.journal")
	j := NewJournal(path, zerolog.Nop())

	snap := &domain.ProgressSnapshot{
		BatchID:             "20240304_090000",
		StartDate:           "2024-01-01",
		EndDate:             "2024-03-01",
		Exchanges:           []domain.Exchange{domain.ExchangeSSE},
		TotalInstruments:    1000,
		Processed:           350,
		SuccessfulDownloads: 340,
		FailedDownloads:     10,
		TotalQuotes:         14000,
		ProcessedByExchange: map[domain.Exchange]int{domain.ExchangeSSE: 350},
		RecentErrors:        []string{"600999.SSE: timeout"},
		StartedAt:           time.Now().In(domain.SessionZone).Truncate(time.Second),
		UpdatedAt:           time.Now().In(domain.SessionZone).Truncate(time.Second),
	}
	require.NoError(t, j.Save(snap))

	got, err := j.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.BatchID, got.BatchID)
	assert.Equal(t, snap.Processed, got.Processed)
	assert.Equal(t, snap.ProcessedByExchange, got.ProcessedByExchange)
	assert.Equal(t, snap.RecentErrors, got.RecentErrors)
	assert.True(t, got.Resumable())
}

func TestJournal_LoadMissing(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "absent.journal"), zerolog.Nop())
	got, err := j.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJournal_CorruptFileDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.journal")
	require.NoError(t, os.WriteFile(path, []byte("not msgpack at all"), 0644))

	j := NewJournal(path, zerolog.Nop())
	got, err := j.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJournal_SaveReplacesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.journal")
	j := NewJournal(path, zerolog.Nop())

	require.NoError(t, j.Save(&domain.ProgressSnapshot{BatchID: "a", TotalInstruments: 10, Processed: 1}))
	require.NoError(t, j.Save(&domain.ProgressSnapshot{BatchID: "b", TotalInstruments: 10, Processed: 2}))

	got, err := j.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.BatchID)
	assert.Equal(t, 2, got.Processed)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.journal")
	j := NewJournal(path, zerolog.Nop())
	require.NoError(t, j.Save(&domain.ProgressSnapshot{BatchID: "a"}))
	require.NoError(t, j.Clear())
	require.NoError(t, j.Clear()) // idempotent

	got, err := j.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}
