package quality

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyhe/quotevault/internal/domain"
)

func tradingDays(dates ...string) map[string]bool {
	m := make(map[string]bool, len(dates))
	for _, d := range dates {
		m[d] = true
	}
	return m
}

func row(date time.Time, o, h, l, c float64) domain.DailyQuote {
	return domain.DailyQuote{
		Time:        date, Open: o, High: h, Low: l, Close: c,
		Volume:      1000000, Amount: 10800000, Factor: 1,
		TradeStatus: domain.TradeStatusNormal,
	}
}

// Happy path: four identical sessions score 1.0, with pre_close derived
// chronologically and the first row carrying zero change.
func TestProcess_HappyPath(t *testing.T) {
	stage := NewStage(zerolog.Nop())
	days := tradingDays("2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")

	var rows []domain.DailyQuote
	for i := 0; i < 4; i++ {
		rows = append(rows, row(domain.NewDate(2024, 1, 2+i), 10.0, 11.0, 9.5, 10.8))
	}

	res := stage.Process(rows, days, "600000.SSE", "batch-1", "eastmoney")
	require.Len(t, res.Quotes, 4)
	assert.Zero(t, res.Rejected)

	for i, q := range res.Quotes {
		assert.InDelta(t, 10.8, q.PreClose, 1e-9, "row %d", i)
		assert.Zero(t, q.Change, "row %d", i)
		assert.Zero(t, q.PctChange, "row %d", i)
		assert.InDelta(t, 1.0, q.QualityScore, 1e-9, "row %d", i)
		assert.True(t, q.IsComplete, "row %d", i)
		assert.Equal(t, domain.AdjustNone, q.Adjustment, "row %d", i)
		assert.Equal(t, "600000.SSE", q.InstrumentID)
		assert.Equal(t, "batch-1", q.BatchID)
		assert.Equal(t, "eastmoney", q.Source)
	}
}

func TestProcess_PreCloseChain(t *testing.T) {
	stage := NewStage(zerolog.Nop())
	days := tradingDays("2024-01-02", "2024-01-03")

	rows := []domain.DailyQuote{
		// Supplied out of order: the stage sorts chronologically first.
		row(domain.NewDate(2024, 1, 3), 10.8, 11.5, 10.7, 11.34),
		row(domain.NewDate(2024, 1, 2), 10.0, 11.0, 9.5, 10.8),
	}
	res := stage.Process(rows, days, "600000.SSE", "b", "")
	require.Len(t, res.Quotes, 2)

	first, second := res.Quotes[0], res.Quotes[1]
	assert.Equal(t, "2024-01-02", domain.FormatDate(first.Time))
	assert.InDelta(t, 10.8, first.PreClose, 1e-9)

	assert.InDelta(t, 10.8, second.PreClose, 1e-9)
	assert.InDelta(t, 0.54, second.Change, 1e-9)   // rounded to 4dp
	assert.InDelta(t, 5.0, second.PctChange, 1e-9) // 100*0.54/10.8, 2dp
}

func TestProcess_RejectsMalformedRows(t *testing.T) {
	stage := NewStage(zerolog.Nop())
	days := tradingDays("2024-01-02", "2024-01-03")

	bad := row(domain.NewDate(2024, 1, 2), 10, 9, 10.5, 10) // high < low
	zero := row(domain.NewDate(2024, 1, 3), 0, 11, 9.5, 10.8)
	good := row(domain.NewDate(2024, 1, 3), 10, 11, 9.5, 10.8)

	res := stage.Process([]domain.DailyQuote{bad, zero, good}, days, "600000.SSE", "b", "")
	assert.Equal(t, 2, res.Rejected)
	require.Len(t, res.Quotes, 1)
	assert.InDelta(t, 1.0, res.Quotes[0].QualityScore, 1e-9)
}

func TestProcess_ScoreDeductions(t *testing.T) {
	stage := NewStage(zerolog.Nop())
	days := tradingDays("2024-01-02")
	date := domain.NewDate(2024, 1, 2)

	t.Run("high below body", func(t *testing.T) {
		q := row(date, 10.0, 10.5, 9.5, 10.8) // high < close, still >= low
		res := stage.Process([]domain.DailyQuote{q}, days, "X.SSE", "b", "")
		require.Len(t, res.Quotes, 1)
		// -0.1 for high below body, -0.1 for incomplete.
		assert.InDelta(t, 0.8, res.Quotes[0].QualityScore, 1e-9)
		assert.False(t, res.Quotes[0].IsComplete)
	})

	t.Run("zero volume", func(t *testing.T) {
		q := row(date, 10.0, 11.0, 9.5, 10.8)
		q.Volume = 0
		res := stage.Process([]domain.DailyQuote{q}, days, "X.SSE", "b", "")
		require.Len(t, res.Quotes, 1)
		assert.InDelta(t, 0.8, res.Quotes[0].QualityScore, 1e-9)
		assert.True(t, res.Quotes[0].IsComplete)
	})

	t.Run("suspended session", func(t *testing.T) {
		q := row(date, 10.0, 11.0, 9.5, 10.8)
		q.TradeStatus = domain.TradeStatusSuspended
		res := stage.Process([]domain.DailyQuote{q}, days, "X.SSE", "b", "")
		require.Len(t, res.Quotes, 1)
		assert.InDelta(t, 0.7, res.Quotes[0].QualityScore, 1e-9)
	})

	t.Run("normal trade on a non-trading day", func(t *testing.T) {
		q := row(domain.NewDate(2024, 1, 6), 10.0, 11.0, 9.5, 10.8)
		res := stage.Process([]domain.DailyQuote{q}, days, "X.SSE", "b", "")
		require.Len(t, res.Quotes, 1)
		assert.InDelta(t, 0.7, res.Quotes[0].QualityScore, 1e-9)
	})

	t.Run("score clamps at zero", func(t *testing.T) {
		q := row(domain.NewDate(2024, 1, 6), 10.0, 9.8, 9.9, 9.7)
		// high >= low holds, but high < body and low > body.
		q.High, q.Low = 9.9, 9.8
		q.Open, q.Close = 10.0, 9.7
		q.Volume = 0
		q.TradeStatus = domain.TradeStatusSuspended
		res := stage.Process([]domain.DailyQuote{q}, days, "X.SSE", "b", "")
		require.Len(t, res.Quotes, 1)
		score := res.Quotes[0].QualityScore
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	})
}

func TestProcess_AdjustmentTags(t *testing.T) {
	stage := NewStage(zerolog.Nop())
	days := tradingDays("2024-01-02")
	date := domain.NewDate(2024, 1, 2)

	forward := row(date, 10, 11, 9.5, 10.8)
	forward.Factor = 1.5
	backward := row(date, 10, 11, 9.5, 10.8)
	backward.Factor = 0.8

	res := stage.Process([]domain.DailyQuote{forward}, days, "X.SSE", "b", "")
	require.Len(t, res.Quotes, 1)
	assert.Equal(t, domain.AdjustForward, res.Quotes[0].Adjustment)

	res = stage.Process([]domain.DailyQuote{backward}, days, "X.SSE", "b", "")
	require.Len(t, res.Quotes, 1)
	assert.Equal(t, domain.AdjustBackward, res.Quotes[0].Adjustment)
}

func TestResult_MeanScore(t *testing.T) {
	assert.Zero(t, Result{}.MeanScore())
	r := Result{Quotes: []domain.DailyQuote{{QualityScore: 1.0}, {QualityScore: 0.5}}}
	assert.InDelta(t, 0.75, r.MeanScore(), 1e-9)
}
