package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
)

// UpdateRecordRepository handles the batch audit trail.
type UpdateRecordRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewUpdateRecordRepository creates a new update record repository.
func NewUpdateRecordRepository(db *database.DB, log zerolog.Logger) *UpdateRecordRepository {
	return &UpdateRecordRepository{
		db:  db,
		log: log.With().Str("repo", "update_records").Logger(),
	}
}

// Save inserts or replaces a batch audit record keyed on batch_id.
func (r *UpdateRecordRepository) Save(rec *domain.DataUpdateRecord) error {
	exchanges := make([]string, len(rec.Exchanges))
	for i, ex := range rec.Exchanges {
		exchanges[i] = string(ex)
	}

	var finishedAt interface{}
	if rec.FinishedAt != nil {
		finishedAt = rec.FinishedAt.In(domain.SessionZone).Format(time.RFC3339)
	}

	_, err := r.db.Conn().Exec(`
		INSERT INTO data_update_records
			(batch_id, start_date, end_date, exchanges, total_instruments,
			 processed, successful, failed, total_quotes, quality_issues,
			 status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			total_instruments = excluded.total_instruments,
			processed = excluded.processed,
			successful = excluded.successful,
			failed = excluded.failed,
			total_quotes = excluded.total_quotes,
			quality_issues = excluded.quality_issues,
			status = excluded.status,
			finished_at = excluded.finished_at`,
		rec.BatchID,
		domain.FormatDate(rec.StartDate),
		domain.FormatDate(rec.EndDate),
		strings.Join(exchanges, ","),
		rec.TotalInstruments,
		rec.Processed,
		rec.Successful,
		rec.Failed,
		rec.TotalQuotes,
		rec.QualityIssues,
		string(rec.Status),
		rec.StartedAt.In(domain.SessionZone).Format(time.RFC3339),
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save update record %s: %w", rec.BatchID, err)
	}
	return nil
}

// GetByBatchID returns one audit record, or nil when absent.
func (r *UpdateRecordRepository) GetByBatchID(batchID string) (*domain.DataUpdateRecord, error) {
	rows, err := r.db.Conn().Query(
		selectUpdateRecord+" WHERE batch_id = ?", batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query update record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	rec, err := scanUpdateRecord(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan update record: %w", err)
	}
	return rec, nil
}

// ListRecent returns the newest audit records, most recent first.
func (r *UpdateRecordRepository) ListRecent(limit int) ([]domain.DataUpdateRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Conn().Query(
		selectUpdateRecord+" ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update records: %w", err)
	}
	defer rows.Close()

	var out []domain.DataUpdateRecord
	for rows.Next() {
		rec, err := scanUpdateRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating update records: %w", err)
	}
	return out, nil
}

const selectUpdateRecord = `
	SELECT batch_id, start_date, end_date, exchanges, total_instruments,
	       processed, successful, failed, total_quotes, quality_issues,
	       status, started_at, finished_at
	FROM data_update_records`

func scanUpdateRecord(rows *sql.Rows) (*domain.DataUpdateRecord, error) {
	var (
		rec                          domain.DataUpdateRecord
		startDate, endDate           string
		exchanges, status, startedAt string
		finishedAt                   sql.NullString
	)
	err := rows.Scan(
		&rec.BatchID, &startDate, &endDate, &exchanges, &rec.TotalInstruments,
		&rec.Processed, &rec.Successful, &rec.Failed, &rec.TotalQuotes,
		&rec.QualityIssues, &status, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if t, err := domain.ParseDate(startDate); err == nil {
		rec.StartDate = t
	}
	if t, err := domain.ParseDate(endDate); err == nil {
		rec.EndDate = t
	}
	for _, code := range strings.Split(exchanges, ",") {
		if code == "" {
			continue
		}
		rec.Exchanges = append(rec.Exchanges, domain.Exchange(code))
	}
	rec.Status = domain.UpdateStatus(status)
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		rec.StartedAt = t.In(domain.SessionZone)
	}
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
			t = t.In(domain.SessionZone)
			rec.FinishedAt = &t
		}
	}
	return &rec, nil
}
