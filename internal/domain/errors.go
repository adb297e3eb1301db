package domain

import "errors"

// Error kinds shared across the acquisition pipeline. Policies per kind:
//
//	ErrInvalidInstrumentID / ErrInvalidInput: rejected at the boundary.
//	ErrNotFound: reported to caller; gap fill skips with a log.
//	ErrProviderTransient: retried per adapter policy, then failover.
//	ErrProviderUnavailable: all providers exhausted; instrument marked failed.
//	ErrPayloadInvalid: whole provider batch rejected; failover.
//	ErrCalendarUnknown: planner refuses the window until refreshed.
//	ErrStoreFatal: aborts the current batch and surfaces.
var (
	ErrInvalidInstrumentID = errors.New("invalid instrument id")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrProviderTransient   = errors.New("provider transient failure")
	ErrProviderUnavailable = errors.New("no provider available")
	ErrPayloadInvalid      = errors.New("provider payload invalid")
	ErrCalendarUnknown     = errors.New("trading calendar unknown for window")
	ErrStoreFatal          = errors.New("store fatal error")
)
