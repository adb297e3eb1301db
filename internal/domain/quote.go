package domain

import "time"

// TradeStatus marks whether the session traded normally.
type TradeStatus int

const (
	TradeStatusSuspended TradeStatus = 0
	TradeStatusNormal    TradeStatus = 1
)

// AdjustmentType describes how a quote relates to corporate-action-adjusted
// pricing.
type AdjustmentType string

const (
	AdjustNone     AdjustmentType = "none"
	AdjustForward  AdjustmentType = "forward"
	AdjustBackward AdjustmentType = "backward"
)

// AdjustmentFor derives the adjustment tag from the quote factor.
func AdjustmentFor(factor float64) AdjustmentType {
	switch {
	case factor > 1:
		return AdjustForward
	case factor > 0 && factor < 1:
		return AdjustBackward
	default:
		return AdjustNone
	}
}

// DailyQuote is a single day's OHLCV row for one instrument, identified by
// (Time, InstrumentID).
type DailyQuote struct {
	Time         time.Time      `json:"time"`
	InstrumentID string         `json:"instrument_id"`
	Open         float64        `json:"open"`
	High         float64        `json:"high"`
	Low          float64        `json:"low"`
	Close        float64        `json:"close"`
	PreClose     float64        `json:"pre_close"`
	Change       float64        `json:"change"`
	PctChange    float64        `json:"pct_change"`
	Volume       int64          `json:"volume"`
	Amount       float64        `json:"amount"`
	Turnover     *float64       `json:"turnover,omitempty"`
	TradeStatus  TradeStatus    `json:"tradestatus"`
	Factor       float64        `json:"factor"`
	Adjustment   AdjustmentType `json:"adjustment_type"`
	IsComplete   bool           `json:"is_complete"`
	QualityScore float64        `json:"quality_score"`
	Source       string         `json:"source"`
	BatchID      string         `json:"batch_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StructurallyValid reports whether the OHLC shape holds:
// high >= max(open, close) >= min(open, close) >= low >= 0, with
// non-negative volume and amount. Suspended sessions with all-zero prices
// do not pass; QualityStage rejects those rows before storage.
func (q *DailyQuote) StructurallyValid() bool {
	if q.Open <= 0 || q.High <= 0 || q.Low <= 0 || q.Close <= 0 {
		return false
	}
	maxOC := q.Open
	if q.Close > maxOC {
		maxOC = q.Close
	}
	minOC := q.Open
	if q.Close < minOC {
		minOC = q.Close
	}
	if q.High < maxOC || minOC < q.Low {
		return false
	}
	return q.Volume >= 0 && q.Amount >= 0
}
