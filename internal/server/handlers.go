package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/store"
)

// handleListInstruments returns instruments matching the query filters.
// Filters: exchange, type, industry, sector, market, status, only_active,
// only_st, sort, limit, offset.
func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.InstrumentFilter{
		Industry: q.Get("industry"),
		Sector:   q.Get("sector"),
		Market:   q.Get("market"),
		Status:   domain.InstrumentStatus(q.Get("status")),
		Type:     domain.InstrumentType(q.Get("type")),
	}
	if ex := q.Get("exchange"); ex != "" {
		parsed, err := domain.ParseExchange(ex)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown exchange %q", ex))
			return
		}
		filter.Exchange = parsed
	}
	filter.OnlyActive = boolParam(q.Get("only_active"))
	filter.OnlyST = boolParam(q.Get("only_st"))

	page := store.Page{
		Limit:  intParam(q.Get("limit"), 0),
		Offset: intParam(q.Get("offset"), 0),
	}

	instruments, err := s.instruments.List(filter, q.Get("sort"), page)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if instruments == nil {
		instruments = []domain.Instrument{}
	}
	s.writeJSON(w, http.StatusOK, instruments)
}

// handleGetInstrument returns one instrument by canonical or native id.
func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := s.instruments.GetByIdentifier(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if inst == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("instrument %q not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

// handleGetInstrumentBySymbol returns one instrument by bare symbol.
func (s *Server) handleGetInstrumentBySymbol(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	inst, err := s.instruments.GetBySymbol(symbol)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if inst == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("symbol %q not found", symbol))
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

// dailyQuotesEnvelope is the JSON response shape for /quotes/daily.
type dailyQuotesEnvelope struct {
	InstrumentID   string              `json:"instrument_id"`
	Symbol         string              `json:"symbol"`
	Exchange       domain.Exchange     `json:"exchange"`
	Data           []domain.DailyQuote `json:"data"`
	TotalRecords   int                 `json:"total_records"`
	StartDate      string              `json:"start_date"`
	EndDate        string              `json:"end_date"`
	Stats          quoteWindowStats    `json:"stats"`
	QualitySummary store.QualityStats  `json:"quality_summary"`
}

type quoteWindowStats struct {
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	TotalVolume int64   `json:"total_volume"`
	TotalAmount float64 `json:"total_amount"`
}

// handleDailyQuotes returns a window of daily quotes for one instrument,
// as a JSON envelope or CSV per return_format. Filters: source, tradestatus,
// min_volume, min_quality_score, only_complete, include_suspended.
func (s *Server) handleDailyQuotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	identifier := q.Get("instrument_id")
	if identifier == "" {
		identifier = q.Get("symbol")
	}
	if identifier == "" {
		s.writeError(w, http.StatusBadRequest, "instrument_id or symbol is required")
		return
	}

	inst, err := s.instruments.GetByIdentifier(identifier)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if inst == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("instrument %q not found", identifier))
		return
	}

	start, end, err := windowParams(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.QuoteFilter{
		InstrumentID: inst.InstrumentID,
		Start:        start,
		End:          end,
		Source:       q.Get("source"),
		MinVolume:    int64(intParam(q.Get("min_volume"), 0)),
		OnlyComplete: boolParam(q.Get("only_complete")),
	}
	if ts := q.Get("tradestatus"); ts != "" {
		n, err := strconv.Atoi(ts)
		if err != nil || (n != int(domain.TradeStatusSuspended) && n != int(domain.TradeStatusNormal)) {
			s.writeError(w, http.StatusBadRequest, "tradestatus must be 0 or 1")
			return
		}
		status := domain.TradeStatus(n)
		filter.TradeStatus = &status
	}
	// Suspended sessions are included unless explicitly opted out.
	if v := q.Get("include_suspended"); v != "" && !boolParam(v) {
		filter.ExcludeSuspended = true
	}
	if mq := q.Get("min_quality_score"); mq != "" {
		v, err := strconv.ParseFloat(mq, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "min_quality_score must be numeric")
			return
		}
		filter.MinQuality = v
	}

	page := store.Page{
		Limit:  intParam(q.Get("limit"), 0),
		Offset: intParam(q.Get("offset"), 0),
	}

	quotes, err := s.quotes.GetQuotes(filter, page)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if q.Get("return_format") == "csv" {
		s.writeQuotesCSV(w, quotes)
		return
	}

	envelope := dailyQuotesEnvelope{
		InstrumentID:   inst.InstrumentID,
		Symbol:         inst.Symbol,
		Exchange:       inst.Exchange,
		Data:           quotes,
		TotalRecords:   len(quotes),
		StartDate:      domain.FormatDate(start),
		EndDate:        domain.FormatDate(end),
		Stats:          summarizeWindow(quotes),
		QualitySummary: store.SummarizeScores(quotes, s.qualityThreshold),
	}
	if envelope.Data == nil {
		envelope.Data = []domain.DailyQuote{}
	}
	s.writeJSON(w, http.StatusOK, envelope)
}

func summarizeWindow(quotes []domain.DailyQuote) quoteWindowStats {
	var stats quoteWindowStats
	for i, q := range quotes {
		if i == 0 || q.High > stats.High {
			stats.High = q.High
		}
		if i == 0 || q.Low < stats.Low {
			stats.Low = q.Low
		}
		stats.TotalVolume += q.Volume
		stats.TotalAmount += q.Amount
	}
	return stats
}

func (s *Server) writeQuotesCSV(w http.ResponseWriter, quotes []domain.DailyQuote) {
	w.Header().Set("Content-Type", "text/csv")
	var b strings.Builder
	b.WriteString("date,instrument_id,open,high,low,close,pre_close,change,pct_change,volume,amount,tradestatus,quality_score\n")
	for _, q := range quotes {
		b.WriteString(fmt.Sprintf("%s,%s,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f,%.2f,%d,%.2f,%d,%.2f\n",
			domain.FormatDate(q.Time), q.InstrumentID,
			q.Open, q.High, q.Low, q.Close, q.PreClose, q.Change, q.PctChange,
			q.Volume, q.Amount, int(q.TradeStatus), q.QualityScore))
	}
	if _, err := w.Write([]byte(b.String())); err != nil {
		s.log.Error().Err(err).Msg("Failed to write CSV response")
	}
}

// latestQuote pairs a quote with its staleness relative to the lookback.
type latestQuote struct {
	InstrumentID string             `json:"instrument_id"`
	Quote        *domain.DailyQuote `json:"quote,omitempty"`
	Stale        bool               `json:"stale"`
	Error        string             `json:"error,omitempty"`
}

// handleLatestQuotes returns the newest stored quote per requested id.
// Quotes older than lookback_days (default 5) are flagged stale.
func (s *Server) handleLatestQuotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	idsParam := q.Get("ids")
	if idsParam == "" {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	lookback := intParam(q.Get("lookback_days"), 5)
	cutoff := time.Now().In(domain.SessionZone).AddDate(0, 0, -lookback)

	var out []latestQuote
	for _, raw := range strings.Split(idsParam, ",") {
		identifier := strings.TrimSpace(raw)
		if identifier == "" {
			continue
		}
		entry := latestQuote{InstrumentID: identifier}

		inst, err := s.instruments.GetByIdentifier(identifier)
		switch {
		case err != nil:
			entry.Error = err.Error()
		case inst == nil:
			entry.Error = "not found"
		default:
			entry.InstrumentID = inst.InstrumentID
			quote, err := s.quotes.GetLatest(inst.InstrumentID)
			if err != nil {
				entry.Error = err.Error()
			} else if quote == nil {
				entry.Error = "no quotes stored"
			} else {
				entry.Quote = quote
				entry.Stale = quote.Time.Before(cutoff)
			}
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleTradingDays lists trading days for an exchange window.
func (s *Server) handleTradingDays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ex, err := exchangeParam(q.Get("exchange"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := windowParams(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	days, err := s.calendar.TradingDaysIn(ex, start, end)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	out := make([]string, len(days))
	for i, d := range days {
		out[i] = domain.FormatDate(d)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"exchange":     ex,
		"start_date":   domain.FormatDate(start),
		"end_date":     domain.FormatDate(end),
		"trading_days": out,
		"count":        len(out),
	})
}

func (s *Server) handleNextTradingDay(w http.ResponseWriter, r *http.Request) {
	s.handleAdjacentTradingDay(w, r, true)
}

func (s *Server) handlePreviousTradingDay(w http.ResponseWriter, r *http.Request) {
	s.handleAdjacentTradingDay(w, r, false)
}

func (s *Server) handleAdjacentTradingDay(w http.ResponseWriter, r *http.Request, next bool) {
	q := r.URL.Query()
	ex, err := exchangeParam(q.Get("exchange"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref := time.Now().In(domain.SessionZone)
	if d := q.Get("date"); d != "" {
		ref, err = domain.ParseDate(d)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("bad date %q", d))
			return
		}
	}

	var day time.Time
	if next {
		day, err = s.calendar.NextTradingDay(ex, ref)
	} else {
		day, err = s.calendar.PreviousTradingDay(ex, ref)
	}
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"exchange": string(ex),
		"date":     domain.FormatDate(ref),
		"result":   domain.FormatDate(day),
	})
}

// handleStats returns the store-wide aggregate snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.stats.Snapshot(s.qualityThreshold)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func boolParam(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func intParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func exchangeParam(v string) (domain.Exchange, error) {
	if v == "" {
		return "", fmt.Errorf("exchange is required")
	}
	ex, err := domain.ParseExchange(v)
	if err != nil {
		return "", fmt.Errorf("unknown exchange %q", v)
	}
	return ex, nil
}

// windowParams parses start/end civil dates; the defaults cover the
// trailing 30 days.
func windowParams(startStr, endStr string) (time.Time, time.Time, error) {
	now := time.Now().In(domain.SessionZone)
	start := now.AddDate(0, 0, -30)
	end := now

	var err error
	if startStr != "" {
		start, err = domain.ParseDate(startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad start_date %q", startStr)
		}
	}
	if endStr != "" {
		end, err = domain.ParseDate(endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad end_date %q", endStr)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date precedes start_date")
	}
	return start, end, nil
}
