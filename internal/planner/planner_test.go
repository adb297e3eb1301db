package planner

import (
	"errors"
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

// seedCalendar stores a weekday-only calendar for SSE over January 2024.
func seedCalendar(t *testing.T) *calendar.Service {
	t.Helper()
	path := fmt.Sprintf("file:planner_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := database.New(database.Config{Path: path, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := store.NewCalendarRepository(db, zerolog.Nop())
	var entries []domain.CalendarEntry
	for day := domain.NewDate(2024, 1, 1); day.Month() == time.January; day = day.AddDate(0, 0, 1) {
		wd := day.Weekday()
		entries = append(entries, domain.CalendarEntry{
			Exchange:     domain.ExchangeSSE,
			Date:         day,
			IsTradingDay: wd != time.Saturday && wd != time.Sunday,
		})
	}
	_, err = repo.Upsert(entries)
	require.NoError(t, err)
	return calendar.NewService(repo, zerolog.Nop())
}

func instrument(listed, delisted *time.Time) *domain.Instrument {
	return &domain.Instrument{
		InstrumentID: "600000.SSE",
		Symbol:       "600000",
		Exchange:     domain.ExchangeSSE,
		ListedDate:   listed,
		DelistedDate: delisted,
	}
}

func TestPlan_SingleChunk(t *testing.T) {
	cal := seedCalendar(t)
	p := New(cal, 0, zerolog.Nop())

	items, err := p.Plan(instrument(nil, nil), domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 7))
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, "600000.SSE", item.InstrumentID.String())
	assert.Equal(t, "2024-01-01", domain.FormatDate(item.First))
	assert.Equal(t, "2024-01-05", domain.FormatDate(item.Last))
	assert.Len(t, item.ExpectedDays, 5)
}

func TestPlan_ChunkBoundaries(t *testing.T) {
	cal := seedCalendar(t)
	p := New(cal, 7, zerolog.Nop())

	// Jan 2024 weekdays: 1-5, 8-12, 15-19, 22-26, 29-31 (23 days).
	items, err := p.Plan(instrument(nil, nil), domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, items, 5)

	// A new chunk starts when the next day is >= 7 days past the chunk's
	// first day, so each chunk covers one calendar week of trading days.
	assert.Equal(t, "2024-01-01", domain.FormatDate(items[0].First))
	assert.Equal(t, "2024-01-05", domain.FormatDate(items[0].Last))
	assert.Equal(t, "2024-01-08", domain.FormatDate(items[1].First))
	assert.Equal(t, "2024-01-12", domain.FormatDate(items[1].Last))
	assert.Equal(t, "2024-01-29", domain.FormatDate(items[4].First))
	assert.Equal(t, "2024-01-31", domain.FormatDate(items[4].Last))

	total := 0
	for _, item := range items {
		total += len(item.ExpectedDays)
	}
	assert.Equal(t, 23, total)
}

func TestPlan_ListedDelistedClamp(t *testing.T) {
	cal := seedCalendar(t)
	p := New(cal, 0, zerolog.Nop())

	listed := domain.NewDate(2024, 1, 10)
	delisted := domain.NewDate(2024, 1, 17)
	items, err := p.Plan(instrument(&listed, &delisted), domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "2024-01-10", domain.FormatDate(items[0].First))
	assert.Equal(t, "2024-01-17", domain.FormatDate(items[0].Last))
	// Wed 10 .. Wed 17 minus the weekend = 6 trading days.
	assert.Len(t, items[0].ExpectedDays, 6)
}

func TestPlan_EmptyEffectiveWindow(t *testing.T) {
	cal := seedCalendar(t)
	p := New(cal, 0, zerolog.Nop())

	listed := domain.NewDate(2024, 2, 1) // listed after the window
	items, err := p.Plan(instrument(&listed, nil), domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 31))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPlan_NoTradingDays(t *testing.T) {
	cal := seedCalendar(t)
	p := New(cal, 0, zerolog.Nop())

	// A weekend-only window inside coverage.
	items, err := p.Plan(instrument(nil, nil), domain.NewDate(2024, 1, 6), domain.NewDate(2024, 1, 7))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPlan_UnknownCalendarRefused(t *testing.T) {
	cal := seedCalendar(t)
	p := New(cal, 0, zerolog.Nop())

	_, err := p.Plan(instrument(nil, nil), domain.NewDate(2023, 12, 1), domain.NewDate(2024, 1, 5))
	assert.True(t, errors.Is(err, domain.ErrCalendarUnknown))
}

func TestCheckWindow(t *testing.T) {
	cal := seedCalendar(t)
	p := New(cal, 0, zerolog.Nop())

	assert.NoError(t, p.CheckWindow(domain.ExchangeSSE, domain.NewDate(2024, 1, 1), domain.NewDate(2024, 1, 31)))

	err := p.CheckWindow(domain.ExchangeSSE, domain.NewDate(2024, 2, 1), domain.NewDate(2024, 2, 5))
	assert.True(t, errors.Is(err, domain.ErrCalendarUnknown))
}
