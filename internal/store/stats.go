package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/dyhe/quotevault/internal/domain"
)

// StoreStats summarizes the persisted dataset for the stats endpoint and
// reports.
type StoreStats struct {
	Instruments    int                  `json:"instruments"`
	Quotes         int64                `json:"quotes"`
	ByExchange     map[string]int       `json:"instruments_by_exchange"`
	QuotesByStatus map[string]int64     `json:"quotes_by_tradestatus"`
	EarliestQuote  string               `json:"earliest_quote,omitempty"`
	LatestQuote    string               `json:"latest_quote,omitempty"`
	Quality        QualityStats         `json:"quality"`
	CalendarRanges map[string]DateRange `json:"calendar_ranges"`
	GeneratedAt    time.Time            `json:"generated_at"`
}

// DateRange is an inclusive civil date span.
type DateRange struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

// QualityStats describes the distribution of stored quality scores.
type QualityStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	P10    float64 `json:"p10"`
	Below  int64   `json:"below_threshold"`
}

// StatsReader aggregates statistics across the store's tables.
type StatsReader struct {
	conn     *sql.DB
	calendar *CalendarRepository
}

// NewStatsReader creates a stats reader over the same connection the
// repositories use.
func NewStatsReader(conn *sql.DB, calendar *CalendarRepository) *StatsReader {
	return &StatsReader{conn: conn, calendar: calendar}
}

// Snapshot computes a full statistics snapshot. qualityThreshold feeds the
// below-threshold counter (rows flagged incomplete use the same dial).
func (s *StatsReader) Snapshot(qualityThreshold float64) (*StoreStats, error) {
	out := &StoreStats{
		ByExchange:     make(map[string]int),
		QuotesByStatus: make(map[string]int64),
		CalendarRanges: make(map[string]DateRange),
		GeneratedAt:    time.Now().In(domain.SessionZone),
	}

	if err := s.conn.QueryRow("SELECT COUNT(*) FROM instruments").Scan(&out.Instruments); err != nil {
		return nil, fmt.Errorf("failed to count instruments: %w", err)
	}
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM daily_quotes").Scan(&out.Quotes); err != nil {
		return nil, fmt.Errorf("failed to count quotes: %w", err)
	}

	rows, err := s.conn.Query("SELECT exchange, COUNT(*) FROM instruments GROUP BY exchange")
	if err != nil {
		return nil, fmt.Errorf("failed to group instruments by exchange: %w", err)
	}
	for rows.Next() {
		var ex string
		var n int
		if err := rows.Scan(&ex, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan exchange count: %w", err)
		}
		out.ByExchange[ex] = n
	}
	rows.Close()

	rows, err = s.conn.Query("SELECT tradestatus, COUNT(*) FROM daily_quotes GROUP BY tradestatus")
	if err != nil {
		return nil, fmt.Errorf("failed to group quotes by tradestatus: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tradestatus count: %w", err)
		}
		out.QuotesByStatus[status] = n
	}
	rows.Close()

	var minT, maxT sql.NullString
	if err := s.conn.QueryRow("SELECT MIN(time), MAX(time) FROM daily_quotes").Scan(&minT, &maxT); err != nil {
		return nil, fmt.Errorf("failed to get quote time span: %w", err)
	}
	if minT.Valid {
		if t, err := time.Parse(time.RFC3339, minT.String); err == nil {
			out.EarliestQuote = domain.FormatDate(t)
		}
	}
	if maxT.Valid {
		if t, err := time.Parse(time.RFC3339, maxT.String); err == nil {
			out.LatestQuote = domain.FormatDate(t)
		}
	}

	quality, err := s.qualityStats(qualityThreshold)
	if err != nil {
		return nil, err
	}
	out.Quality = quality

	if s.calendar != nil {
		for _, ex := range domain.AllExchanges() {
			first, last, ok, err := s.calendar.Coverage(ex)
			if err != nil {
				return nil, err
			}
			if ok {
				out.CalendarRanges[string(ex)] = DateRange{
					First: domain.FormatDate(first),
					Last:  domain.FormatDate(last),
				}
			}
		}
	}

	return out, nil
}

// qualityStats pulls every stored quality score and summarizes the
// distribution. Gonum's quantile requires a sorted sample.
func (s *StatsReader) qualityStats(threshold float64) (QualityStats, error) {
	rows, err := s.conn.Query("SELECT quality_score FROM daily_quotes")
	if err != nil {
		return QualityStats{}, fmt.Errorf("failed to query quality scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	var below int64
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return QualityStats{}, fmt.Errorf("failed to scan quality score: %w", err)
		}
		scores = append(scores, score)
		if score < threshold {
			below++
		}
	}
	if err := rows.Err(); err != nil {
		return QualityStats{}, fmt.Errorf("error iterating quality scores: %w", err)
	}

	if len(scores) == 0 {
		return QualityStats{Below: 0}, nil
	}

	sort.Float64s(scores)
	mean, std := stat.MeanStdDev(scores, nil)
	qs := QualityStats{
		Mean:   mean,
		Min:    scores[0],
		Median: stat.Quantile(0.5, stat.Empirical, scores, nil),
		P10:    stat.Quantile(0.1, stat.Empirical, scores, nil),
		Below:  below,
	}
	// MeanStdDev returns NaN stddev for a single sample.
	if len(scores) > 1 {
		qs.StdDev = std
	}
	return qs, nil
}

// SummarizeScores computes the quality summary for an in-memory result set,
// used by the quote query envelope.
func SummarizeScores(quotes []domain.DailyQuote, threshold float64) QualityStats {
	if len(quotes) == 0 {
		return QualityStats{}
	}
	scores := make([]float64, 0, len(quotes))
	var below int64
	for i := range quotes {
		scores = append(scores, quotes[i].QualityScore)
		if quotes[i].QualityScore < threshold {
			below++
		}
	}
	sort.Float64s(scores)
	mean, std := stat.MeanStdDev(scores, nil)
	qs := QualityStats{
		Mean:   mean,
		Min:    scores[0],
		Median: stat.Quantile(0.5, stat.Empirical, scores, nil),
		P10:    stat.Quantile(0.1, stat.Empirical, scores, nil),
		Below:  below,
	}
	if len(scores) > 1 {
		qs.StdDev = std
	}
	return qs
}
