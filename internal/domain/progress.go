package domain

import "time"

// UpdateStatus is the lifecycle status of one batch run.
type UpdateStatus string

const (
	UpdatePending   UpdateStatus = "pending"
	UpdateRunning   UpdateStatus = "running"
	UpdateCompleted UpdateStatus = "completed"
	UpdateFailed    UpdateStatus = "failed"
)

// DataUpdateRecord is one audit row per orchestrator batch run.
type DataUpdateRecord struct {
	BatchID          string       `json:"batch_id"`
	StartDate        time.Time    `json:"start_date"`
	EndDate          time.Time    `json:"end_date"`
	Exchanges        []Exchange   `json:"exchanges"`
	TotalInstruments int          `json:"total_instruments"`
	Processed        int          `json:"processed"`
	Successful       int          `json:"successful"`
	Failed           int          `json:"failed"`
	TotalQuotes      int64        `json:"total_quotes"`
	QualityIssues    int64        `json:"quality_issues"`
	Status           UpdateStatus `json:"status"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
}

// MaxSnapshotErrors caps the rolling error buffer carried in a snapshot.
const MaxSnapshotErrors = 50

// ProgressSnapshot is the durable form of orchestrator state, persisted to
// the journal after every batch so an interrupted run can resume.
type ProgressSnapshot struct {
	BatchID             string     `json:"batch_id" msgpack:"batch_id"`
	StartDate           string     `json:"start_date" msgpack:"start_date"`
	EndDate             string     `json:"end_date" msgpack:"end_date"`
	Exchanges           []Exchange `json:"exchanges" msgpack:"exchanges"`
	TotalInstruments    int        `json:"total_instruments" msgpack:"total_instruments"`
	Processed           int        `json:"processed_instruments" msgpack:"processed_instruments"`
	SuccessfulDownloads int        `json:"successful_downloads" msgpack:"successful_downloads"`
	FailedDownloads     int        `json:"failed_downloads" msgpack:"failed_downloads"`
	TotalQuotes         int64      `json:"total_quotes" msgpack:"total_quotes"`
	QualityIssues       int64      `json:"quality_issues" msgpack:"quality_issues"`
	CurrentExchange     Exchange   `json:"current_exchange" msgpack:"current_exchange"`
	// ProcessedByExchange marks exchanges whose full instrument list has
	// been processed; resume skips them outright.
	ProcessedByExchange map[Exchange]int `json:"processed_by_exchange" msgpack:"processed_by_exchange"`
	RecentErrors        []string         `json:"recent_errors" msgpack:"recent_errors"`
	StartedAt           time.Time        `json:"started_at" msgpack:"started_at"`
	UpdatedAt           time.Time        `json:"updated_at" msgpack:"updated_at"`
}

// AppendError pushes an error string into the rolling buffer, keeping only
// the last MaxSnapshotErrors entries.
func (s *ProgressSnapshot) AppendError(msg string) {
	s.RecentErrors = append(s.RecentErrors, msg)
	if n := len(s.RecentErrors); n > MaxSnapshotErrors {
		s.RecentErrors = s.RecentErrors[n-MaxSnapshotErrors:]
	}
}

// Resumable reports whether the snapshot represents an interrupted run
// worth continuing.
func (s *ProgressSnapshot) Resumable() bool {
	return s != nil && s.TotalInstruments > 0 && s.Processed > 0 &&
		s.Processed < s.TotalInstruments
}
