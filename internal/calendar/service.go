// Package calendar answers trading-day questions against the stored
// per-exchange calendar, with an in-process memo in front of the store.
package calendar

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/store"
)

// maxScanDays bounds next/previous trading day searches so a missing
// calendar range fails fast instead of walking forever.
const maxScanDays = 370

// Service answers trading-day lookups. All methods are safe for concurrent
// use.
type Service struct {
	repo *store.CalendarRepository
	log  zerolog.Logger

	mu   sync.RWMutex
	memo map[domain.Exchange]map[string]bool // date string -> is trading day
}

// NewService creates a calendar service over the calendar repository.
func NewService(repo *store.CalendarRepository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("component", "calendar").Logger(),
		memo: make(map[domain.Exchange]map[string]bool),
	}
}

// IsTradingDay reports whether the exchange trades on the civil date of t.
// Dates outside the stored calendar coverage return ErrCalendarUnknown
// rather than guessing.
func (s *Service) IsTradingDay(ex domain.Exchange, t time.Time) (bool, error) {
	key := domain.FormatDate(t)

	s.mu.RLock()
	if days, ok := s.memo[ex]; ok {
		if trading, ok := days[key]; ok {
			s.mu.RUnlock()
			return trading, nil
		}
	}
	s.mu.RUnlock()

	first, last, ok, err := s.repo.Coverage(ex)
	if err != nil {
		return false, err
	}
	date := domain.Date(t)
	if !ok || date.Before(first) || date.After(last) {
		return false, fmt.Errorf("%w: no calendar for %s on %s", domain.ErrCalendarUnknown, ex, key)
	}

	if err := s.load(ex, first, last); err != nil {
		return false, err
	}

	s.mu.RLock()
	trading, found := s.memo[ex][key]
	s.mu.RUnlock()
	if !found {
		// Hole inside the stored range counts as unknown, not non-trading.
		return false, fmt.Errorf("%w: missing calendar entry for %s on %s", domain.ErrCalendarUnknown, ex, key)
	}
	return trading, nil
}

// TradingDaysIn returns the trading dates within [start, end] inclusive,
// ordered ascending. The whole window must be covered by the stored
// calendar.
func (s *Service) TradingDaysIn(ex domain.Exchange, start, end time.Time) ([]time.Time, error) {
	start, end = domain.Date(start), domain.Date(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: window end %s precedes start %s",
			domain.ErrInvalidInput, domain.FormatDate(end), domain.FormatDate(start))
	}

	first, last, ok, err := s.repo.Coverage(ex)
	if err != nil {
		return nil, err
	}
	if !ok || start.Before(first) || end.After(last) {
		return nil, fmt.Errorf("%w: calendar for %s does not cover %s..%s",
			domain.ErrCalendarUnknown, ex, domain.FormatDate(start), domain.FormatDate(end))
	}

	return s.repo.GetTradingDays(ex, start, end)
}

// NextTradingDay returns the first trading date strictly after t.
func (s *Service) NextTradingDay(ex domain.Exchange, t time.Time) (time.Time, error) {
	day := domain.Date(t)
	for i := 0; i < maxScanDays; i++ {
		day = day.AddDate(0, 0, 1)
		trading, err := s.IsTradingDay(ex, day)
		if err != nil {
			return time.Time{}, err
		}
		if trading {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no trading day within %d days after %s",
		domain.ErrCalendarUnknown, maxScanDays, domain.FormatDate(t))
}

// PreviousTradingDay returns the last trading date strictly before t.
func (s *Service) PreviousTradingDay(ex domain.Exchange, t time.Time) (time.Time, error) {
	day := domain.Date(t)
	for i := 0; i < maxScanDays; i++ {
		day = day.AddDate(0, 0, -1)
		trading, err := s.IsTradingDay(ex, day)
		if err != nil {
			return time.Time{}, err
		}
		if trading {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no trading day within %d days before %s",
		domain.ErrCalendarUnknown, maxScanDays, domain.FormatDate(t))
}

// Invalidate drops the memo for an exchange. Callers that refresh the
// stored calendar invoke this so later lookups observe the new rows.
func (s *Service) Invalidate(ex domain.Exchange) {
	s.mu.Lock()
	delete(s.memo, ex)
	s.mu.Unlock()
}

// load pulls the full stored range for an exchange into the memo.
func (s *Service) load(ex domain.Exchange, first, last time.Time) error {
	entries, err := s.repo.GetEntries(ex, first, last)
	if err != nil {
		return err
	}

	days := make(map[string]bool, len(entries))
	for _, e := range entries {
		days[domain.FormatDate(e.Date)] = e.IsTradingDay
	}

	s.mu.Lock()
	s.memo[ex] = days
	s.mu.Unlock()

	s.log.Debug().Str("exchange", string(ex)).Int("entries", len(days)).Msg("Loaded calendar into memo")
	return nil
}
