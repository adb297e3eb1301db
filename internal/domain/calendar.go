package domain

import "time"

// SessionZone is the fixed zone in which all session instants and civil
// dates are interpreted (UTC+8 for the default A-share configuration).
var SessionZone = time.FixedZone("CST", 8*60*60)

// CalendarEntry records whether one exchange traded on one civil date.
// At most one entry exists per (Exchange, Date).
type CalendarEntry struct {
	Exchange     Exchange  `json:"exchange"`
	Date         time.Time `json:"date"` // midnight in SessionZone
	IsTradingDay bool      `json:"is_trading_day"`
	Reason       string    `json:"reason,omitempty"`
	SessionType  string    `json:"session_type,omitempty"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Date normalizes t to midnight of its civil date in SessionZone.
func Date(t time.Time) time.Time {
	t = t.In(SessionZone)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, SessionZone)
}

// NewDate builds a civil date in SessionZone.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, SessionZone)
}

// ParseDate parses a YYYY-MM-DD civil date in SessionZone.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, SessionZone)
}

// FormatDate renders a civil date as YYYY-MM-DD in SessionZone.
func FormatDate(t time.Time) string {
	return t.In(SessionZone).Format("2006-01-02")
}
