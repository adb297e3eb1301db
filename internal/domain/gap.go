package domain

import "time"

// GapSeverity classifies a missing-data run by its length in trading days.
type GapSeverity string

const (
	SeverityLow      GapSeverity = "low"
	SeverityMedium   GapSeverity = "medium"
	SeverityHigh     GapSeverity = "high"
	SeverityCritical GapSeverity = "critical"
)

// SeverityForDays maps a run length to its severity. Monotone
// non-decreasing in days.
func SeverityForDays(days int) GapSeverity {
	switch {
	case days <= 1:
		return SeverityLow
	case days <= 5:
		return SeverityMedium
	case days <= 20:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// severityRank orders severities for filter comparisons.
var severityRank = map[GapSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s GapSeverity) AtLeast(other GapSeverity) bool {
	return severityRank[s] >= severityRank[other]
}

// Gap is a maximal run of consecutive missing trading days for one
// instrument within a detection window.
type Gap struct {
	InstrumentID   string      `json:"instrument_id"`
	Symbol         string      `json:"symbol"`
	Exchange       Exchange    `json:"exchange"`
	First          time.Time   `json:"first"`
	Last           time.Time   `json:"last"`
	Days           int         `json:"days"`
	Type           string      `json:"type"` // always "missing_data"
	Severity       GapSeverity `json:"severity"`
	Recommendation string      `json:"recommendation"`
	MissingDates   []time.Time `json:"missing_dates"`
}
