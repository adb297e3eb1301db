package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/gaps"
	"github.com/dyhe/quotevault/internal/reports"
)

// handleListGaps detects quote gaps over the requested window.
// Query: exchange (optional, all when absent), start_date, end_date.
func (s *Server) handleListGaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	exchanges := domain.AllExchanges()
	if raw := q.Get("exchange"); raw != "" {
		ex, err := domain.ParseExchange(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown exchange %q", raw))
			return
		}
		exchanges = []domain.Exchange{ex}
	}

	start, end, err := windowParams(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	found, err := s.gapEngine.Detect(r.Context(), exchanges, start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if found == nil {
		found = []domain.Gap{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"start_date": domain.FormatDate(start),
		"end_date":   domain.FormatDate(end),
		"gap_count":  len(found),
		"gaps":       found,
	})
}

// fillRequest is the body of POST /gaps/fill.
type fillRequest struct {
	Exchange      string   `json:"exchange"`
	InstrumentIDs []string `json:"instrument_ids"`
	MinSeverity   string   `json:"min_severity"`
	MaxDays       int      `json:"max_days"`
	DryRun        bool     `json:"dry_run"`
	StartDate     string   `json:"start_date"`
	EndDate       string   `json:"end_date"`
}

// handleFillGaps repairs detected gaps through the provider chain. Dry-run
// reports what would be fetched without touching the store.
func (s *Server) handleFillGaps(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch domain.GapSeverity(req.MinSeverity) {
	case "", domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown severity %q", req.MinSeverity))
		return
	}

	filter := gaps.FillFilter{
		InstrumentIDs: req.InstrumentIDs,
		MinSeverity:   domain.GapSeverity(req.MinSeverity),
		MaxDays:       req.MaxDays,
		DryRun:        req.DryRun,
	}
	if req.Exchange != "" {
		ex, err := domain.ParseExchange(req.Exchange)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown exchange %q", req.Exchange))
			return
		}
		filter.Exchange = ex
	}

	start, end, err := windowParams(req.StartDate, req.EndDate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.gapEngine.Fill(r.Context(), filter, start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleGapReport runs a detection pass and persists the analysis report,
// returning the report body and its path.
func (s *Server) handleGapReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, end, err := windowParams(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	found, err := s.gapEngine.Detect(r.Context(), domain.AllExchanges(), start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	bySeverity := make(map[string]int)
	for _, g := range found {
		bySeverity[string(g.Severity)]++
	}
	report := &reports.AnalysisReport{
		BatchID:    fmt.Sprintf("gap_report_%s", time.Now().In(domain.SessionZone).Format("20060102_150405")),
		StartDate:  domain.FormatDate(start),
		EndDate:    domain.FormatDate(end),
		GapCount:   len(found),
		BySeverity: bySeverity,
		Gaps:       found,
	}

	var path string
	if s.reports != nil {
		path, err = s.reports.WriteAnalysisReport(report)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"report": report,
		"path":   path,
	})
}
