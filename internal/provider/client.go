package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/dyhe/quotevault/internal/domain"
)

// httpClient is the request plumbing shared by the concrete adapters: one
// rate limiter, one retry policy and one circuit breaker per upstream.
type httpClient struct {
	name    string
	client  *http.Client
	limiter *RateLimiter
	breaker *gobreaker.CircuitBreaker
	cfg     RateLimitConfig
	log     zerolog.Logger
}

func newHTTPClient(name string, cfg RateLimitConfig, timeout time.Duration, log zerolog.Logger) *httpClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg = cfg.Defaults()
	clog := log.With().Str("client", name).Logger()
	return &httpClient{
		name:    name,
		client:  &http.Client{Timeout: timeout},
		limiter: NewRateLimiter(cfg),
		breaker: newBreaker(name, clog),
		cfg:     cfg,
		log:     clog,
	}
}

// get fetches one URL with pacing, retry and breaker applied. The response
// body is returned for statuses in the 2xx range; 5xx and network faults
// classify as transient, other statuses as permanent.
func (c *httpClient) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := withRetry(ctx, c.log, c.cfg.Retries, c.cfg.RetryInterval, func() error {
		return throughBreaker(c.breaker, func() error {
			if err := c.limiter.Acquire(ctx); err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("%w: build request: %v", domain.ErrInvalidInput, err)
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; quotevault/1.0)")

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					return fmt.Errorf("%w: request timeout: %v", domain.ErrProviderTransient, err)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: request failed: %v", domain.ErrProviderTransient, err)
			}
			defer resp.Body.Close()

			c.log.Debug().
				Str("url", url).
				Int("status", resp.StatusCode).
				Dur("elapsed", time.Since(start)).
				Msg("Provider request")

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return fmt.Errorf("%w: upstream status %d", domain.ErrProviderTransient, resp.StatusCode)
			default:
				return fmt.Errorf("%w: upstream status %d", domain.ErrProviderUnavailable, resp.StatusCode)
			}

			body, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
			if err != nil {
				return fmt.Errorf("%w: read response: %v", domain.ErrProviderTransient, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
