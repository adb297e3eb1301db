package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
)

// CalendarRepository handles trading calendar table operations.
type CalendarRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCalendarRepository creates a new calendar repository.
func NewCalendarRepository(db *database.DB, log zerolog.Logger) *CalendarRepository {
	return &CalendarRepository{
		db:  db,
		log: log.With().Str("repo", "calendar").Logger(),
	}
}

// Upsert writes calendar entries in one transaction. At most one row exists
// per (exchange, date); replays overwrite in place.
func (r *CalendarRepository) Upsert(entries []domain.CalendarEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	count := 0
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO trading_calendar
				(exchange, date, is_trading_day, reason, session_type, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(exchange, date) DO UPDATE SET
				is_trading_day = excluded.is_trading_day,
				reason = excluded.reason,
				session_type = excluded.session_type,
				source = excluded.source,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare calendar upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().In(domain.SessionZone).Format(time.RFC3339)
		for _, e := range entries {
			_, err := stmt.Exec(
				string(e.Exchange),
				domain.FormatDate(e.Date),
				boolToInt(e.IsTradingDay),
				e.Reason,
				e.SessionType,
				e.Source,
				now,
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert calendar entry %s/%s: %w",
					e.Exchange, domain.FormatDate(e.Date), err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetEntries returns calendar entries for an exchange within [start, end],
// ordered by date ascending.
func (r *CalendarRepository) GetEntries(ex domain.Exchange, start, end time.Time) ([]domain.CalendarEntry, error) {
	rows, err := r.db.Conn().Query(`
		SELECT exchange, date, is_trading_day, reason, session_type, source, created_at, updated_at
		FROM trading_calendar
		WHERE exchange = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		string(ex), domain.FormatDate(start), domain.FormatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	defer rows.Close()

	var out []domain.CalendarEntry
	for rows.Next() {
		var (
			e                    domain.CalendarEntry
			exchange, rawDate    string
			isTrading            int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&exchange, &rawDate, &isTrading, &e.Reason,
			&e.SessionType, &e.Source, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calendar entry: %w", err)
		}
		e.Exchange = domain.Exchange(exchange)
		e.IsTradingDay = isTrading == 1
		if t, err := domain.ParseDate(rawDate); err == nil {
			e.Date = t
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendar: %w", err)
	}
	return out, nil
}

// GetTradingDays returns the trading dates for an exchange within
// [start, end], ordered ascending.
func (r *CalendarRepository) GetTradingDays(ex domain.Exchange, start, end time.Time) ([]time.Time, error) {
	rows, err := r.db.Conn().Query(`
		SELECT date FROM trading_calendar
		WHERE exchange = ? AND date >= ? AND date <= ? AND is_trading_day = 1
		ORDER BY date ASC`,
		string(ex), domain.FormatDate(start), domain.FormatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan trading day: %w", err)
		}
		t, err := domain.ParseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trading day %q: %w", raw, err)
		}
		days = append(days, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trading days: %w", err)
	}
	return days, nil
}

// Coverage returns the first and last stored calendar date for an exchange.
// ok is false when no rows exist.
func (r *CalendarRepository) Coverage(ex domain.Exchange) (first, last time.Time, ok bool, err error) {
	var minRaw, maxRaw sql.NullString
	err = r.db.Conn().QueryRow(
		"SELECT MIN(date), MAX(date) FROM trading_calendar WHERE exchange = ?",
		string(ex)).Scan(&minRaw, &maxRaw)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("failed to query calendar coverage: %w", err)
	}
	if !minRaw.Valid || !maxRaw.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	first, err = domain.ParseDate(minRaw.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("failed to parse coverage start: %w", err)
	}
	last, err = domain.ParseDate(maxRaw.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("failed to parse coverage end: %w", err)
	}
	return first, last, true, nil
}
