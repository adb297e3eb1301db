package reports

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyhe/quotevault/internal/domain"
)

func TestWriteDownloadReport(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())

	path, err := w.WriteDownloadReport(&DownloadReport{
		BatchID:     "20240304_090000",
		StartDate:   "2024-01-01",
		EndDate:     "2024-01-05",
		Exchanges:   []domain.Exchange{domain.ExchangeSSE},
		Processed:   100,
		Successful:  98,
		Failed:      2,
		TotalQuotes: 400,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "download_report_20240304_090000.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "20240304_090000", got["batch_id"])

	// generated_at is a parseable ISO-8601 instant.
	_, err = time.Parse(time.RFC3339, got["generated_at"].(string))
	assert.NoError(t, err)
}

func TestWriteAnalysisReport_SeverityRollup(t *testing.T) {
	w := NewWriter(t.TempDir(), zerolog.Nop())

	path, err := w.WriteAnalysisReport(&AnalysisReport{
		BatchID: "b1",
		Gaps: []domain.Gap{
			{InstrumentID: "600000.SSE", Severity: domain.SeverityMedium},
			{InstrumentID: "600036.SSE", Severity: domain.SeverityMedium},
			{InstrumentID: "000001.SZSE", Severity: domain.SeverityCritical},
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got AnalysisReport
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 3, got.GapCount)
	assert.Equal(t, 2, got.BySeverity["medium"])
	assert.Equal(t, 1, got.BySeverity["critical"])
}

func TestWriteDailyUpdateReport_DefaultsDate(t *testing.T) {
	w := NewWriter(t.TempDir(), zerolog.Nop())

	path, err := w.WriteDailyUpdateReport(&DailyUpdateReport{BatchID: "b2", Successful: 5})
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "daily_update_report_"+domain.FormatDate(time.Now()))
}
