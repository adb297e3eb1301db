// Package store contains the repositories that own all persisted rows:
// instruments, daily quotes, the trading calendar and batch audit records.
// Everything outside this package holds short-lived value copies.
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

// instrumentColumns avoids SELECT * so schema changes cannot silently break
// scans. Order must match scanInstrument.
const instrumentColumns = `instrument_id, symbol, name, exchange, type, currency,
listed_date, delisted_date, issue_date, industry, sector, market,
status, is_active, is_st, trading_status, source, source_symbol,
created_at, updated_at, data_version`

// InstrumentRepository handles instrument table operations.
type InstrumentRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewInstrumentRepository creates a new instrument repository.
func NewInstrumentRepository(db *database.DB, log zerolog.Logger) *InstrumentRepository {
	return &InstrumentRepository{
		db:  db,
		log: log.With().Str("repo", "instruments").Logger(),
	}
}

// InstrumentFilter narrows instrument listings.
type InstrumentFilter struct {
	Exchange     domain.Exchange
	Type         domain.InstrumentType
	Industry     string
	Sector       string
	Market       string
	Status       domain.InstrumentStatus
	OnlyActive   bool
	OnlyST       bool
	ListedAfter  *time.Time
	ListedBefore *time.Time
}

// Page describes offset pagination. Zero values mean "no limit".
type Page struct {
	Limit  int
	Offset int
}

// Upsert inserts or updates a batch of instruments in one transaction.
// Existing rows are overwritten field-wise (last-writer-wins) with
// data_version incremented and updated_at advanced. Returns the number of
// rows written.
func (r *InstrumentRepository) Upsert(instruments []domain.Instrument) (int, error) {
	if len(instruments) == 0 {
		return 0, nil
	}

	count := 0
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO instruments (` + instrumentColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(instrument_id) DO UPDATE SET
				symbol = excluded.symbol,
				name = excluded.name,
				exchange = excluded.exchange,
				type = excluded.type,
				currency = excluded.currency,
				listed_date = excluded.listed_date,
				delisted_date = excluded.delisted_date,
				issue_date = excluded.issue_date,
				industry = excluded.industry,
				sector = excluded.sector,
				market = excluded.market,
				status = excluded.status,
				is_active = excluded.is_active,
				is_st = excluded.is_st,
				trading_status = excluded.trading_status,
				source = excluded.source,
				source_symbol = excluded.source_symbol,
				updated_at = excluded.updated_at,
				data_version = instruments.data_version + 1`)
		if err != nil {
			return fmt.Errorf("failed to prepare instrument upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().In(domain.SessionZone).Format(time.RFC3339)
		for i := range instruments {
			inst := &instruments[i]
			if inst.InstrumentID == "" {
				inst.InstrumentID = domain.InstrumentID{Symbol: inst.Symbol, Exchange: inst.Exchange}.String()
			}
			_, err := stmt.Exec(
				inst.InstrumentID,
				strings.ToUpper(inst.Symbol),
				inst.Name,
				string(inst.Exchange),
				string(inst.Type),
				inst.Currency,
				optionalDate(inst.ListedDate),
				optionalDate(inst.DelistedDate),
				optionalDate(inst.IssueDate),
				inst.Industry,
				inst.Sector,
				inst.Market,
				string(inst.Status),
				boolToInt(inst.IsActive),
				boolToInt(inst.IsST),
				inst.TradingStatus,
				inst.Source,
				inst.SourceSymbol,
				now,
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert instrument %s: %w", inst.InstrumentID, err)
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

// GetByExchange returns instruments for an exchange, with optional filters,
// sorting and pagination. sortBy is restricted to a column allow-list.
func (r *InstrumentRepository) GetByExchange(ex domain.Exchange, filter InstrumentFilter, sortBy string, page Page) ([]domain.Instrument, error) {
	filter.Exchange = ex
	return r.List(filter, sortBy, page)
}

// List returns instruments matching the filter.
func (r *InstrumentRepository) List(filter InstrumentFilter, sortBy string, page Page) ([]domain.Instrument, error) {
	query := "SELECT " + instrumentColumns + " FROM instruments WHERE 1=1"
	var args []interface{}

	if filter.Exchange != "" {
		query += " AND exchange = ?"
		args = append(args, string(filter.Exchange))
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Industry != "" {
		query += " AND industry = ?"
		args = append(args, filter.Industry)
	}
	if filter.Sector != "" {
		query += " AND sector = ?"
		args = append(args, filter.Sector)
	}
	if filter.Market != "" {
		query += " AND market = ?"
		args = append(args, filter.Market)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.OnlyActive {
		query += " AND is_active = 1"
	}
	if filter.OnlyST {
		query += " AND is_st = 1"
	}
	if filter.ListedAfter != nil {
		query += " AND listed_date >= ?"
		args = append(args, domain.FormatDate(*filter.ListedAfter))
	}
	if filter.ListedBefore != nil {
		query += " AND listed_date <= ?"
		args = append(args, domain.FormatDate(*filter.ListedBefore))
	}

	query += " ORDER BY " + sortColumn(sortBy)
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset)
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}
	return out, nil
}

// GetByID returns an instrument by canonical id, or nil when absent.
func (r *InstrumentRepository) GetByID(instrumentID string) (*domain.Instrument, error) {
	return r.getOne("instrument_id = ?", strings.ToUpper(strings.TrimSpace(instrumentID)))
}

// GetBySymbol returns an instrument by bare symbol, or nil when absent.
// Symbols are only unique per exchange; the first match in exchange order
// is returned, matching the behaviour of the query façade.
func (r *InstrumentRepository) GetBySymbol(symbol string) (*domain.Instrument, error) {
	return r.getOne("symbol = ?", strings.ToUpper(strings.TrimSpace(symbol)))
}

// GetByIdentifier resolves either a canonical/native instrument id or a
// bare symbol.
func (r *InstrumentRepository) GetByIdentifier(identifier string) (*domain.Instrument, error) {
	identifier = strings.ToUpper(strings.TrimSpace(identifier))
	if iid, err := domain.ParseAnyInstrumentID(identifier); err == nil {
		inst, err := r.GetByID(iid.String())
		if err != nil || inst != nil {
			return inst, err
		}
	}
	return r.GetBySymbol(identifier)
}

func (r *InstrumentRepository) getOne(where string, arg interface{}) (*domain.Instrument, error) {
	query := "SELECT " + instrumentColumns + " FROM instruments WHERE " + where + " ORDER BY exchange LIMIT 1"
	rows, err := r.db.Conn().Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil // not found
	}
	inst, err := scanInstrument(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan instrument: %w", err)
	}
	return &inst, nil
}

// CountByExchange returns the number of instruments stored for an exchange.
func (r *InstrumentRepository) CountByExchange(ex domain.Exchange) (int, error) {
	var count int
	err := r.db.Conn().QueryRow(
		"SELECT COUNT(*) FROM instruments WHERE exchange = ?", string(ex)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count instruments: %w", err)
	}
	return count, nil
}

// LastUpdatedAt returns the most recent updated_at for an exchange, or the
// zero time when no rows exist. Used by the router's instrument-list cache.
func (r *InstrumentRepository) LastUpdatedAt(ex domain.Exchange) (time.Time, error) {
	var raw sql.NullString
	err := r.db.Conn().QueryRow(
		"SELECT MAX(updated_at) FROM instruments WHERE exchange = ?", string(ex)).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last instrument update: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return t, nil
}

func scanInstrument(rows *sql.Rows) (domain.Instrument, error) {
	var (
		inst                     domain.Instrument
		exchange, typ, status    string
		listed, delisted, issued sql.NullString
		isActive, isST           int
		createdAt, updatedAt     string
	)
	err := rows.Scan(
		&inst.InstrumentID, &inst.Symbol, &inst.Name, &exchange, &typ, &inst.Currency,
		&listed, &delisted, &issued, &inst.Industry, &inst.Sector, &inst.Market,
		&status, &isActive, &isST, &inst.TradingStatus, &inst.Source, &inst.SourceSymbol,
		&createdAt, &updatedAt, &inst.DataVersion,
	)
	if err != nil {
		return domain.Instrument{}, err
	}

	inst.Exchange = domain.Exchange(exchange)
	inst.Type = domain.InstrumentType(typ)
	inst.Status = domain.InstrumentStatus(status)
	inst.IsActive = isActive == 1
	inst.IsST = isST == 1
	inst.ListedDate = parseOptionalDate(listed)
	inst.DelistedDate = parseOptionalDate(delisted)
	inst.IssueDate = parseOptionalDate(issued)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		inst.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		inst.UpdatedAt = t
	}
	return inst, nil
}

// sortColumn maps a requested sort key to a safe ORDER BY clause.
func sortColumn(sortBy string) string {
	switch sortBy {
	case "symbol":
		return "symbol"
	case "name":
		return "name"
	case "listed_date":
		return "listed_date"
	case "updated_at":
		return "updated_at DESC"
	default:
		return "instrument_id"
	}
}

func optionalDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return domain.FormatDate(*t)
}

func parseOptionalDate(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := domain.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
