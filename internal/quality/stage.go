// Package quality normalizes raw provider rows and scores each one before
// storage. Row-level rejects never escape this package; they only count.
package quality

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
)

// Result carries the accepted rows and the rejection count for one batch.
type Result struct {
	Quotes   []domain.DailyQuote
	Rejected int
}

// MeanScore returns the average quality score of the accepted rows, or 0
// when none were accepted.
func (r Result) MeanScore() float64 {
	if len(r.Quotes) == 0 {
		return 0
	}
	sum := 0.0
	for i := range r.Quotes {
		sum += r.Quotes[i].QualityScore
	}
	return sum / float64(len(r.Quotes))
}

// Stage scores and normalizes provider rows.
type Stage struct {
	log zerolog.Logger
}

// NewStage creates a quality stage.
func NewStage(log zerolog.Logger) *Stage {
	return &Stage{log: log.With().Str("component", "quality").Logger()}
}

// Process runs the per-row pipeline over one instrument's rows in
// chronological order. tradingDays is the planned trading-day set for the
// instrument's exchange over the window of interest (keyed by YYYY-MM-DD);
// batchID and source stamp provenance on every accepted row.
func (s *Stage) Process(rows []domain.DailyQuote, tradingDays map[string]bool, instrumentID, batchID, source string) Result {
	sorted := make([]domain.DailyQuote, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var out Result
	prevClose := 0.0
	for i := range sorted {
		q := sorted[i]

		// Step 1: basic validation.
		if q.Time.IsZero() || q.Open <= 0 || q.High <= 0 || q.Low <= 0 || q.Close <= 0 || q.High < q.Low {
			out.Rejected++
			s.log.Debug().Str("instrument", instrumentID).Time("time", q.Time).Msg("Rejected malformed row")
			continue
		}

		// Step 2: pre_close from the previous accepted row; the first row
		// defaults to its own close (zero change).
		if q.PreClose <= 0 {
			if prevClose > 0 {
				q.PreClose = prevClose
			} else {
				q.PreClose = q.Close
			}
		}

		// Step 3: change and pct_change.
		if q.PreClose > 0 {
			q.Change = round(q.Close-q.PreClose, 4)
			q.PctChange = round(100*(q.Close-q.PreClose)/q.PreClose, 2)
		} else {
			q.Change = 0
			q.PctChange = 0
		}

		// Step 4: adjustment tag from the factor.
		q.Adjustment = domain.AdjustmentFor(q.Factor)

		// Step 5: completeness.
		maxOC := math.Max(q.Open, q.Close)
		minOC := math.Min(q.Open, q.Close)
		q.IsComplete = q.High >= maxOC && minOC >= q.Low && q.Volume >= 0 && q.Amount >= 0

		// Step 6: score.
		score := 1.0
		if q.High < maxOC {
			score -= 0.1
		}
		if q.Low > minOC {
			score -= 0.1
		}
		if q.Volume <= 0 {
			score -= 0.2
		}
		if q.TradeStatus != domain.TradeStatusNormal {
			score -= 0.3
		}
		if !q.IsComplete {
			score -= 0.1
		}
		if !tradingDays[domain.FormatDate(q.Time)] && q.TradeStatus == domain.TradeStatusNormal {
			score -= 0.3
		}
		q.QualityScore = clamp01(score)

		// Step 7: provenance.
		q.InstrumentID = instrumentID
		q.BatchID = batchID
		if source != "" {
			q.Source = source
		}

		prevClose = q.Close
		out.Quotes = append(out.Quotes, q)
	}
	return out
}

func round(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
