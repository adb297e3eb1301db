package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
)

// withRetry runs fn up to retries+1 times with exponential backoff between
// attempts. Only transient provider faults are retried; invalid payloads and
// 4xx-class errors fail immediately. Context cancellation wins over the
// backoff sleep.
func withRetry(ctx context.Context, log zerolog.Logger, retries int, interval time.Duration, fn func() error) error {
	if retries < 0 {
		retries = 0
	}
	if interval <= 0 {
		interval = time.Second
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := interval << (attempt - 1)
			log.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying provider call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrProviderTransient) {
			return err
		}
	}
	return err
}
