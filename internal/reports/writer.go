// Package reports writes the JSON run artifacts operators consume after
// downloads, gap scans and scheduled updates.
package reports

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
)

// Writer persists report documents under one directory.
type Writer struct {
	dir string
	log zerolog.Logger
}

// NewWriter creates a report writer rooted at dir.
func NewWriter(dir string, log zerolog.Logger) *Writer {
	return &Writer{
		dir: dir,
		log: log.With().Str("component", "reports").Logger(),
	}
}

// Dir returns the report directory.
func (w *Writer) Dir() string { return w.dir }

// DownloadReport is the per-batch run summary.
type DownloadReport struct {
	GeneratedAt      string            `json:"generated_at"`
	BatchID          string            `json:"batch_id"`
	StartDate        string            `json:"start_date"`
	EndDate          string            `json:"end_date"`
	Exchanges        []domain.Exchange `json:"exchanges"`
	TotalInstruments int               `json:"total_instruments"`
	Processed        int               `json:"processed"`
	Successful       int               `json:"successful"`
	Failed           int               `json:"failed"`
	TotalQuotes      int64             `json:"total_quotes"`
	QualityIssues    int64             `json:"quality_issues"`
	ElapsedSeconds   float64           `json:"elapsed_seconds"`
	RecentErrors     []string          `json:"recent_errors,omitempty"`
}

// AnalysisReport is the post-run gap analysis keyed by the same batch.
type AnalysisReport struct {
	GeneratedAt string         `json:"generated_at"`
	BatchID     string         `json:"batch_id"`
	StartDate   string         `json:"start_date"`
	EndDate     string         `json:"end_date"`
	GapCount    int            `json:"gap_count"`
	BySeverity  map[string]int `json:"gaps_by_severity"`
	Gaps        []domain.Gap   `json:"gaps"`
}

// DailyUpdateReport summarizes one scheduled daily update.
type DailyUpdateReport struct {
	GeneratedAt string            `json:"generated_at"`
	Date        string            `json:"date"`
	BatchID     string            `json:"batch_id"`
	Exchanges   []domain.Exchange `json:"exchanges"`
	Successful  int               `json:"successful"`
	Failed      int               `json:"failed"`
	TotalQuotes int64             `json:"total_quotes"`
	GapsFilled  int               `json:"gaps_filled"`
	Notes       []string          `json:"notes,omitempty"`
}

// WriteDownloadReport writes download_report_<batch_id>.json.
func (w *Writer) WriteDownloadReport(report *DownloadReport) (string, error) {
	report.GeneratedAt = now()
	return w.write(fmt.Sprintf("download_report_%s.json", report.BatchID), report)
}

// WriteAnalysisReport writes data_analysis_<batch_id>.json.
func (w *Writer) WriteAnalysisReport(report *AnalysisReport) (string, error) {
	report.GeneratedAt = now()
	if report.BySeverity == nil {
		report.BySeverity = make(map[string]int)
		for _, g := range report.Gaps {
			report.BySeverity[string(g.Severity)]++
		}
	}
	report.GapCount = len(report.Gaps)
	return w.write(fmt.Sprintf("data_analysis_%s.json", report.BatchID), report)
}

// WriteDailyUpdateReport writes daily_update_report_<YYYY-MM-DD>.json.
func (w *Writer) WriteDailyUpdateReport(report *DailyUpdateReport) (string, error) {
	report.GeneratedAt = now()
	if report.Date == "" {
		report.Date = domain.FormatDate(time.Now())
	}
	return w.write(fmt.Sprintf("daily_update_report_%s.json", report.Date), report)
}

func (w *Writer) write(name string, body interface{}) (string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report %s: %w", name, err)
	}

	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report %s: %w", name, err)
	}
	w.log.Info().Str("report", path).Msg("Wrote report")
	return path, nil
}

func now() string {
	return time.Now().In(domain.SessionZone).Format(time.RFC3339)
}
