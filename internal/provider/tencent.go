package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
)

// tencentPrefixes maps exchanges to the gtimg symbol prefix.
var tencentPrefixes = map[domain.Exchange]string{
	domain.ExchangeSSE:  "sh",
	domain.ExchangeSZSE: "sz",
	domain.ExchangeHKEX: "hk",
}

// TencentConfig configures the tencent adapter.
type TencentConfig struct {
	BaseURL   string // default https://web.ifzq.gtimg.cn
	Timeout   time.Duration
	RateLimit RateLimitConfig
}

// Tencent is a daily-bars backup source for A-share and HK exchanges.
type Tencent struct {
	cfg  TencentConfig
	http *httpClient
	log  zerolog.Logger
}

// NewTencent creates the tencent adapter.
func NewTencent(cfg TencentConfig, log zerolog.Logger) *Tencent {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://web.ifzq.gtimg.cn"
	}
	return &Tencent{
		cfg:  cfg,
		http: newHTTPClient("tencent", cfg.RateLimit, cfg.Timeout, log),
		log:  log.With().Str("component", "provider_tencent").Logger(),
	}
}

func (t *Tencent) Name() string { return "tencent" }

func (t *Tencent) Capabilities() Capability { return CapDaily }

func (t *Tencent) Supports(ex domain.Exchange) bool {
	_, ok := tencentPrefixes[ex]
	return ok
}

// FetchDaily pulls daily bars from the fqkline endpoint. Bars arrive as
// [date, open, close, high, low, volume] arrays under "day" or "qfqday".
func (t *Tencent) FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error) {
	prefix, ok := tencentPrefixes[id.Exchange]
	if !ok {
		return nil, fmt.Errorf("%w: tencent does not serve %s", domain.ErrProviderUnavailable, id.Exchange)
	}
	code := prefix + strings.ToLower(id.Symbol)

	days := int(domain.Date(end).Sub(domain.Date(start)).Hours()/24) + 1
	u := fmt.Sprintf("%s/appstock/app/fqkline/get?param=%s,day,%s,%s,%d,",
		t.cfg.BaseURL, code,
		domain.FormatDate(start), domain.FormatDate(end), days)

	body, err := t.http.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data map[string]map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: tencent kline decode: %v", domain.ErrPayloadInvalid, err)
	}

	series, ok := resp.Data[code]
	if !ok {
		return nil, nil
	}
	var raw json.RawMessage
	for _, key := range []string{"day", "qfqday"} {
		if v, ok := series[key]; ok {
			raw = v
			break
		}
	}
	if raw == nil {
		return nil, nil
	}

	var bars [][]interface{}
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("%w: tencent bars decode: %v", domain.ErrPayloadInvalid, err)
	}

	quotes := make([]domain.DailyQuote, 0, len(bars))
	for _, bar := range bars {
		q, err := parseTencentBar(bar, id)
		if err != nil {
			return nil, err
		}
		// The endpoint ignores sub-day windows; clamp here.
		if q.Time.Before(domain.Date(start)) || q.Time.After(domain.Date(end)) {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func parseTencentBar(bar []interface{}, id domain.InstrumentID) (domain.DailyQuote, error) {
	if len(bar) < 6 {
		return domain.DailyQuote{}, fmt.Errorf("%w: tencent bar has %d fields", domain.ErrPayloadInvalid, len(bar))
	}

	fields := make([]string, 6)
	for i := 0; i < 6; i++ {
		s, ok := bar[i].(string)
		if !ok {
			return domain.DailyQuote{}, fmt.Errorf("%w: tencent bar field %d is not a string", domain.ErrPayloadInvalid, i)
		}
		fields[i] = s
	}

	date, err := domain.ParseDate(fields[0])
	if err != nil {
		return domain.DailyQuote{}, fmt.Errorf("%w: tencent bar date %q", domain.ErrPayloadInvalid, fields[0])
	}
	nums := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		nums[i-1], err = strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return domain.DailyQuote{}, fmt.Errorf("%w: tencent bar field %q", domain.ErrPayloadInvalid, fields[i])
		}
	}

	// Tencent reports volume in lots of 100 shares.
	volume := int64(nums[4] * 100)
	return domain.DailyQuote{
		Time:         date,
		InstrumentID: id.String(),
		Open:         nums[0],
		Close:        nums[1],
		High:         nums[2],
		Low:          nums[3],
		Volume:       volume,
		Amount:       nums[1] * float64(volume),
		TradeStatus:  domain.TradeStatusNormal,
		Factor:       1,
		Source:       "tencent",
	}, nil
}

// ListInstruments is unsupported; tencent is a daily-bars backup only.
func (t *Tencent) ListInstruments(ctx context.Context, ex domain.Exchange) ([]domain.Instrument, error) {
	return nil, fmt.Errorf("%w: tencent does not list instruments", domain.ErrProviderUnavailable)
}

// FetchCalendar is unsupported.
func (t *Tencent) FetchCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) ([]domain.CalendarEntry, error) {
	return nil, fmt.Errorf("%w: tencent does not serve calendars", domain.ErrProviderUnavailable)
}

// HealthCheck probes with a one-week window on the SSE index proxy.
func (t *Tencent) HealthCheck(ctx context.Context) error {
	today := time.Now().In(domain.SessionZone)
	_, err := t.FetchDaily(ctx,
		domain.InstrumentID{Symbol: "600000", Exchange: domain.ExchangeSSE},
		today.AddDate(0, 0, -7), today)
	return err
}
