// Package planner turns an instrument and a requested window into the chunked
// work items the orchestrator's workers fetch.
package planner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/calendar"
	"github.com/dyhe/quotevault/internal/domain"
)

// WorkItem is one provider fetch: an instrument and an inclusive date range,
// with the trading days expected inside it.
type WorkItem struct {
	InstrumentID domain.InstrumentID
	First        time.Time
	Last         time.Time
	ExpectedDays []time.Time
}

// Planner computes per-instrument work plans against the trading calendar.
type Planner struct {
	calendar  *calendar.Service
	chunkDays int
	log       zerolog.Logger
}

// New creates a planner. chunkDays 0 means one chunk per instrument.
func New(cal *calendar.Service, chunkDays int, log zerolog.Logger) *Planner {
	return &Planner{
		calendar:  cal,
		chunkDays: chunkDays,
		log:       log.With().Str("component", "planner").Logger(),
	}
}

// CheckWindow reports whether the stored calendar covers [start, end] for an
// exchange. An ErrCalendarUnknown return is the caller's cue to refresh the
// calendar before planning instruments on it.
func (p *Planner) CheckWindow(ex domain.Exchange, start, end time.Time) error {
	_, err := p.calendar.TradingDaysIn(ex, start, end)
	return err
}

// Plan emits the work items for one instrument over [start, end]. The window
// is clamped to the instrument's listed/delisted dates; an empty effective
// window or a window with no trading days produces no work. The planner does
// not subtract already-stored dates; incremental pruning is the caller's
// policy.
func (p *Planner) Plan(inst *domain.Instrument, start, end time.Time) ([]WorkItem, error) {
	id, err := inst.ID()
	if err != nil {
		return nil, err
	}

	effStart, effEnd := domain.Date(start), domain.Date(end)
	if inst.ListedDate != nil && domain.Date(*inst.ListedDate).After(effStart) {
		effStart = domain.Date(*inst.ListedDate)
	}
	if inst.DelistedDate != nil && domain.Date(*inst.DelistedDate).Before(effEnd) {
		effEnd = domain.Date(*inst.DelistedDate)
	}
	if effStart.After(effEnd) {
		return nil, nil
	}

	// ErrCalendarUnknown propagates untouched; it is the caller's cue to
	// refresh the calendar rather than plan over guessed days.
	days, err := p.calendar.TradingDaysIn(inst.Exchange, effStart, effEnd)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}

	return p.chunk(id, days), nil
}

// chunk groups trading days into date ranges. A new chunk starts whenever
// the next day is chunkDays or more past the current chunk's first day.
func (p *Planner) chunk(id domain.InstrumentID, days []time.Time) []WorkItem {
	if p.chunkDays <= 0 {
		return []WorkItem{{
			InstrumentID: id,
			First:        days[0],
			Last:         days[len(days)-1],
			ExpectedDays: days,
		}}
	}

	var items []WorkItem
	chunkStart := 0
	for i := 1; i <= len(days); i++ {
		if i == len(days) || int(days[i].Sub(days[chunkStart]).Hours()/24) >= p.chunkDays {
			items = append(items, WorkItem{
				InstrumentID: id,
				First:        days[chunkStart],
				Last:         days[i-1],
				ExpectedDays: days[chunkStart:i],
			})
			chunkStart = i
		}
	}
	return items
}
