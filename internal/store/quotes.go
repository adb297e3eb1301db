package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
)

const quoteColumns = `time, instrument_id, open, high, low, close, pre_close,
change, pct_change, volume, amount, turnover, tradestatus, factor,
adjustment_type, is_complete, quality_score, source, batch_id,
created_at, updated_at`

// QuoteRepository handles daily quote table operations.
type QuoteRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewQuoteRepository creates a new quote repository.
func NewQuoteRepository(db *database.DB, log zerolog.Logger) *QuoteRepository {
	return &QuoteRepository{
		db:  db,
		log: log.With().Str("repo", "quotes").Logger(),
	}
}

// QuoteFilter narrows quote queries. Start and End bound the session date,
// inclusive on both ends; zero times mean unbounded.
type QuoteFilter struct {
	InstrumentID string
	Start        time.Time
	End          time.Time
	Source       string
	// TradeStatus filters on the exact session status when set.
	TradeStatus      *domain.TradeStatus
	MinVolume        int64
	MinQuality       float64
	OnlyComplete     bool
	ExcludeSuspended bool
}

// Upsert writes a batch of quotes in one transaction. Replay of the same
// rows is idempotent: rows are keyed on (time, instrument_id) and replaced
// field-wise, with created_at preserved and updated_at advanced. Returns the
// number of rows written.
func (r *QuoteRepository) Upsert(quotes []domain.DailyQuote) (int, error) {
	if len(quotes) == 0 {
		return 0, nil
	}

	count := 0
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO daily_quotes (` + quoteColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(time, instrument_id) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				pre_close = excluded.pre_close,
				change = excluded.change,
				pct_change = excluded.pct_change,
				volume = excluded.volume,
				amount = excluded.amount,
				turnover = excluded.turnover,
				tradestatus = excluded.tradestatus,
				factor = excluded.factor,
				adjustment_type = excluded.adjustment_type,
				is_complete = excluded.is_complete,
				quality_score = excluded.quality_score,
				source = excluded.source,
				batch_id = excluded.batch_id,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare quote upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().In(domain.SessionZone).Format(time.RFC3339)
		for i := range quotes {
			q := &quotes[i]
			var turnover interface{}
			if q.Turnover != nil {
				turnover = *q.Turnover
			}
			_, err := stmt.Exec(
				formatQuoteTime(q.Time),
				q.InstrumentID,
				q.Open, q.High, q.Low, q.Close,
				q.PreClose, q.Change, q.PctChange,
				q.Volume, q.Amount, turnover,
				int(q.TradeStatus), q.Factor, string(q.Adjustment),
				boolToInt(q.IsComplete), q.QualityScore,
				q.Source, q.BatchID,
				now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert quote %s@%s: %w",
					q.InstrumentID, domain.FormatDate(q.Time), err)
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

// GetQuotes returns quotes matching the filter, ordered by time ascending.
func (r *QuoteRepository) GetQuotes(filter QuoteFilter, page Page) ([]domain.DailyQuote, error) {
	query := "SELECT " + quoteColumns + " FROM daily_quotes WHERE 1=1"
	var args []interface{}

	if filter.InstrumentID != "" {
		query += " AND instrument_id = ?"
		args = append(args, filter.InstrumentID)
	}
	if !filter.Start.IsZero() {
		query += " AND time >= ?"
		args = append(args, formatQuoteTime(domain.Date(filter.Start)))
	}
	if !filter.End.IsZero() {
		// End is inclusive: bound by the start of the following day.
		query += " AND time < ?"
		args = append(args, formatQuoteTime(domain.Date(filter.End).AddDate(0, 0, 1)))
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.TradeStatus != nil {
		query += " AND tradestatus = ?"
		args = append(args, int(*filter.TradeStatus))
	}
	if filter.ExcludeSuspended {
		query += " AND tradestatus != ?"
		args = append(args, int(domain.TradeStatusSuspended))
	}
	if filter.MinVolume > 0 {
		query += " AND volume >= ?"
		args = append(args, filter.MinVolume)
	}
	if filter.MinQuality > 0 {
		query += " AND quality_score >= ?"
		args = append(args, filter.MinQuality)
	}
	if filter.OnlyComplete {
		query += " AND is_complete = 1"
	}

	query += " ORDER BY time ASC"
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset)
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyQuote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quotes: %w", err)
	}
	return out, nil
}

// CountQuotes returns the number of rows the filter would match.
func (r *QuoteRepository) CountQuotes(filter QuoteFilter) (int, error) {
	query := "SELECT COUNT(*) FROM daily_quotes WHERE 1=1"
	var args []interface{}
	if filter.InstrumentID != "" {
		query += " AND instrument_id = ?"
		args = append(args, filter.InstrumentID)
	}
	if !filter.Start.IsZero() {
		query += " AND time >= ?"
		args = append(args, formatQuoteTime(domain.Date(filter.Start)))
	}
	if !filter.End.IsZero() {
		query += " AND time < ?"
		args = append(args, formatQuoteTime(domain.Date(filter.End).AddDate(0, 0, 1)))
	}
	var count int
	if err := r.db.Conn().QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count quotes: %w", err)
	}
	return count, nil
}

// GetExistingQuoteDates returns the set of civil dates that already have a
// stored row for the instrument within [start, end]. Used by the gap engine
// and the planner.
func (r *QuoteRepository) GetExistingQuoteDates(instrumentID string, start, end time.Time) (map[string]bool, error) {
	rows, err := r.db.Conn().Query(`
		SELECT time FROM daily_quotes
		WHERE instrument_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC`,
		instrumentID,
		formatQuoteTime(domain.Date(start)),
		formatQuoteTime(domain.Date(end).AddDate(0, 0, 1)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query quote dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan quote time: %w", err)
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse quote time %q: %w", raw, err)
		}
		dates[domain.FormatDate(t)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quote dates: %w", err)
	}
	return dates, nil
}

// GetLatestQuoteTime returns the newest stored session time for an
// instrument, or the zero time when none exists.
func (r *QuoteRepository) GetLatestQuoteTime(instrumentID string) (time.Time, error) {
	var raw sql.NullString
	err := r.db.Conn().QueryRow(
		"SELECT MAX(time) FROM daily_quotes WHERE instrument_id = ?", instrumentID).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest quote time: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse quote time: %w", err)
	}
	return t.In(domain.SessionZone), nil
}

// GetLatest returns the newest stored quote for an instrument, or nil when
// none exists.
func (r *QuoteRepository) GetLatest(instrumentID string) (*domain.DailyQuote, error) {
	rows, err := r.db.Conn().Query(
		"SELECT "+quoteColumns+" FROM daily_quotes WHERE instrument_id = ? ORDER BY time DESC LIMIT 1",
		instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest quote: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	q, err := scanQuote(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan latest quote: %w", err)
	}
	return &q, nil
}

// TrimBefore deletes quote rows whose session date precedes cutoff. Used by
// the maintenance job's retention step. Returns the number of deleted rows.
func (r *QuoteRepository) TrimBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Conn().Exec(
		"DELETE FROM daily_quotes WHERE time < ?",
		formatQuoteTime(domain.Date(cutoff)))
	if err != nil {
		return 0, fmt.Errorf("failed to trim quotes: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		r.log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Trimmed quote rows past retention")
	}
	return deleted, nil
}

func scanQuote(rows *sql.Rows) (domain.DailyQuote, error) {
	var (
		q                    domain.DailyQuote
		rawTime              string
		turnover             sql.NullFloat64
		tradeStatus          int
		adjustment           string
		isComplete           int
		createdAt, updatedAt string
	)
	err := rows.Scan(
		&rawTime, &q.InstrumentID,
		&q.Open, &q.High, &q.Low, &q.Close,
		&q.PreClose, &q.Change, &q.PctChange,
		&q.Volume, &q.Amount, &turnover,
		&tradeStatus, &q.Factor, &adjustment,
		&isComplete, &q.QualityScore,
		&q.Source, &q.BatchID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return domain.DailyQuote{}, err
	}

	if t, err := time.Parse(time.RFC3339, rawTime); err == nil {
		q.Time = t.In(domain.SessionZone)
	}
	if turnover.Valid {
		v := turnover.Float64
		q.Turnover = &v
	}
	q.TradeStatus = domain.TradeStatus(tradeStatus)
	q.Adjustment = domain.AdjustmentType(adjustment)
	q.IsComplete = isComplete == 1
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		q.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		q.UpdatedAt = t
	}
	return q, nil
}

// formatQuoteTime renders a session instant in the fixed session zone so
// lexicographic string comparison in SQL matches chronological order.
func formatQuoteTime(t time.Time) string {
	return t.In(domain.SessionZone).Format(time.RFC3339)
}
