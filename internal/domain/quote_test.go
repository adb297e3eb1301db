package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructurallyValid(t *testing.T) {
	base := DailyQuote{Open: 10, High: 11, Low: 9.5, Close: 10.8, Volume: 1000, Amount: 10800}

	t.Run("valid row", func(t *testing.T) {
		q := base
		assert.True(t, q.StructurallyValid())
	})

	t.Run("high below close", func(t *testing.T) {
		q := base
		q.High = 10.5
		assert.False(t, q.StructurallyValid())
	})

	t.Run("low above open", func(t *testing.T) {
		q := base
		q.Low = 10.5
		assert.False(t, q.StructurallyValid())
	})

	t.Run("zero prices", func(t *testing.T) {
		q := base
		q.Open = 0
		assert.False(t, q.StructurallyValid())
	})

	t.Run("negative volume", func(t *testing.T) {
		q := base
		q.Volume = -1
		assert.False(t, q.StructurallyValid())
	})
}

func TestAdjustmentFor(t *testing.T) {
	assert.Equal(t, AdjustNone, AdjustmentFor(1))
	assert.Equal(t, AdjustForward, AdjustmentFor(1.5))
	assert.Equal(t, AdjustBackward, AdjustmentFor(0.8))
	assert.Equal(t, AdjustNone, AdjustmentFor(0))
}

func TestSeverityForDays_Monotone(t *testing.T) {
	// Severity never decreases as the run grows.
	prev := SeverityForDays(0)
	for days := 1; days <= 40; days++ {
		cur := SeverityForDays(days)
		assert.True(t, cur.AtLeast(prev), "severity regressed at %d days", days)
		prev = cur
	}

	assert.Equal(t, SeverityLow, SeverityForDays(1))
	assert.Equal(t, SeverityMedium, SeverityForDays(2))
	assert.Equal(t, SeverityMedium, SeverityForDays(5))
	assert.Equal(t, SeverityHigh, SeverityForDays(6))
	assert.Equal(t, SeverityHigh, SeverityForDays(20))
	assert.Equal(t, SeverityCritical, SeverityForDays(21))
}

func TestProgressSnapshot_AppendError(t *testing.T) {
	var s ProgressSnapshot
	for i := 0; i < MaxSnapshotErrors+20; i++ {
		s.AppendError("boom")
	}
	assert.Len(t, s.RecentErrors, MaxSnapshotErrors)
}

func TestProgressSnapshot_Resumable(t *testing.T) {
	assert.False(t, (&ProgressSnapshot{}).Resumable())
	assert.False(t, (&ProgressSnapshot{TotalInstruments: 10}).Resumable())
	assert.True(t, (&ProgressSnapshot{TotalInstruments: 10, Processed: 4}).Resumable())
	assert.False(t, (&ProgressSnapshot{TotalInstruments: 10, Processed: 10}).Resumable())
}
