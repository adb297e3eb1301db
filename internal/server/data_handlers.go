package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/pipeline"
	"github.com/dyhe/quotevault/internal/store"
)

// downloadRequest is the body of POST /data/download/historical and
// POST /data/update.
type downloadRequest struct {
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Exchanges []string `json:"exchanges"`
	Resume    bool     `json:"resume"`
}

// taskAck is the 202 acknowledgement for submitted background work.
type taskAck struct {
	Success    bool        `json:"success"`
	TaskID     string      `json:"task_id"`
	TaskType   string      `json:"task_type"`
	Parameters interface{} `json:"parameters"`
	Timestamp  string      `json:"timestamp"`
}

// handleDownloadHistorical submits a historical download run. The run
// executes in the background; progress is polled via /data/download/progress.
func (s *Server) handleDownloadHistorical(w http.ResponseWriter, r *http.Request) {
	s.submitRun(w, r, "download_historical", false)
}

// handleDataUpdate submits an incremental update run for the recent window.
func (s *Server) handleDataUpdate(w http.ResponseWriter, r *http.Request) {
	s.submitRun(w, r, "data_update", true)
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request, taskType string, incremental bool) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	spec, err := s.buildSpec(req, incremental)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.orchestrator.Progress().Running {
		s.writeError(w, http.StatusConflict, pipeline.ErrAlreadyRunning.Error())
		return
	}

	taskID := uuid.NewString()
	go func() {
		if err := s.orchestrator.Run(context.Background(), spec); err != nil {
			if errors.Is(err, pipeline.ErrAlreadyRunning) {
				s.log.Warn().Str("task_id", taskID).Msg("Run rejected, another already active")
				return
			}
			s.log.Error().Err(err).Str("task_id", taskID).Msg("Background run failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, taskAck{
		Success:  true,
		TaskID:   taskID,
		TaskType: taskType,
		Parameters: map[string]interface{}{
			"start_date": domain.FormatDate(spec.Start),
			"end_date":   domain.FormatDate(spec.End),
			"exchanges":  spec.Exchanges,
			"resume":     spec.Resume,
		},
		Timestamp: time.Now().In(domain.SessionZone).Format(time.RFC3339),
	})
}

func (s *Server) buildSpec(req downloadRequest, incremental bool) (pipeline.Spec, error) {
	start, end, err := windowParams(req.StartDate, req.EndDate)
	if err != nil {
		return pipeline.Spec{}, err
	}

	exchanges := make([]domain.Exchange, 0, len(req.Exchanges))
	for _, raw := range req.Exchanges {
		ex, err := domain.ParseExchange(raw)
		if err != nil {
			return pipeline.Spec{}, fmt.Errorf("unknown exchange %q", raw)
		}
		exchanges = append(exchanges, ex)
	}
	if len(exchanges) == 0 {
		exchanges = domain.AllExchanges()
	}

	return pipeline.Spec{
		Exchanges:           exchanges,
		Start:               start,
		End:                 end,
		Resume:              req.Resume,
		Incremental:         incremental,
		ForceUpdateCalendar: !req.Resume,
	}, nil
}

// handleDownloadProgress returns the orchestrator's current progress.
func (s *Server) handleDownloadProgress(w http.ResponseWriter, r *http.Request) {
	progress := s.orchestrator.Progress()
	if len(progress.RecentErrors) > 10 {
		progress.RecentErrors = progress.RecentErrors[len(progress.RecentErrors)-10:]
	}
	s.writeJSON(w, http.StatusOK, progress)
}

// validateRequest is the body of POST /data/validate.
type validateRequest struct {
	InstrumentID string `json:"instrument_id"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
}

// validateResponse summarizes stored-data consistency for one instrument.
type validateResponse struct {
	InstrumentID     string             `json:"instrument_id"`
	StartDate        string             `json:"start_date"`
	EndDate          string             `json:"end_date"`
	TotalRecords     int                `json:"total_records"`
	StructuralErrors int                `json:"structural_errors"`
	Incomplete       int                `json:"incomplete"`
	QualitySummary   store.QualityStats `json:"quality_summary"`
	Valid            bool               `json:"valid"`
}

// handleValidate re-checks stored rows for one instrument against the
// structural price invariants and completeness flags.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InstrumentID == "" {
		s.writeError(w, http.StatusBadRequest, "instrument_id is required")
		return
	}

	inst, err := s.instruments.GetByIdentifier(req.InstrumentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if inst == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("instrument %q not found", req.InstrumentID))
		return
	}

	start, end, err := windowParams(req.StartDate, req.EndDate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	quotes, err := s.quotes.GetQuotes(store.QuoteFilter{
		InstrumentID: inst.InstrumentID,
		Start:        start,
		End:          end,
	}, store.Page{})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := validateResponse{
		InstrumentID:   inst.InstrumentID,
		StartDate:      domain.FormatDate(start),
		EndDate:        domain.FormatDate(end),
		TotalRecords:   len(quotes),
		QualitySummary: store.SummarizeScores(quotes, s.qualityThreshold),
	}
	for i := range quotes {
		if !quotes[i].StructurallyValid() {
			resp.StructuralErrors++
		}
		if !quotes[i].IsComplete {
			resp.Incomplete++
		}
	}
	resp.Valid = resp.StructuralErrors == 0
	s.writeJSON(w, http.StatusOK, resp)
}
