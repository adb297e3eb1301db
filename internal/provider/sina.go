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

var sinaPrefixes = map[domain.Exchange]string{
	domain.ExchangeSSE:  "sh",
	domain.ExchangeSZSE: "sz",
}

// SinaConfig configures the sina adapter.
type SinaConfig struct {
	BaseURL   string // default https://quotes.sina.cn
	Timeout   time.Duration
	RateLimit RateLimitConfig
}

// Sina is a last-resort daily-bars backup for the A-share exchanges.
type Sina struct {
	cfg  SinaConfig
	http *httpClient
	log  zerolog.Logger
}

// NewSina creates the sina adapter.
func NewSina(cfg SinaConfig, log zerolog.Logger) *Sina {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://quotes.sina.cn"
	}
	return &Sina{
		cfg:  cfg,
		http: newHTTPClient("sina", cfg.RateLimit, cfg.Timeout, log),
		log:  log.With().Str("component", "provider_sina").Logger(),
	}
}

func (s *Sina) Name() string { return "sina" }

func (s *Sina) Capabilities() Capability { return CapDaily }

func (s *Sina) Supports(ex domain.Exchange) bool {
	_, ok := sinaPrefixes[ex]
	return ok
}

type sinaBar struct {
	Day    string `json:"day"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// FetchDaily pulls the daily kline series and clamps it to the requested
// window; the endpoint only supports "last N bars", not date ranges.
func (s *Sina) FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error) {
	prefix, ok := sinaPrefixes[id.Exchange]
	if !ok {
		return nil, fmt.Errorf("%w: sina does not serve %s", domain.ErrProviderUnavailable, id.Exchange)
	}
	code := prefix + strings.ToLower(id.Symbol)

	// Oversample the window by half to survive holidays, capped upstream.
	days := int(domain.Date(end).Sub(domain.Date(start)).Hours()/24) + 1
	datalen := days + days/2 + 5
	if datalen > 1023 {
		datalen = 1023
	}

	u := fmt.Sprintf("%s/cn/api/json_v2.php/CN_MarketDataService.getKLineData?symbol=%s&scale=240&ma=no&datalen=%d",
		s.cfg.BaseURL, code, datalen)
	body, err := s.http.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var bars []sinaBar
	if err := json.Unmarshal(body, &bars); err != nil {
		return nil, fmt.Errorf("%w: sina kline decode: %v", domain.ErrPayloadInvalid, err)
	}

	var quotes []domain.DailyQuote
	for _, bar := range bars {
		q, err := parseSinaBar(bar, id)
		if err != nil {
			return nil, err
		}
		if q.Time.Before(domain.Date(start)) || q.Time.After(domain.Date(end)) {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func parseSinaBar(bar sinaBar, id domain.InstrumentID) (domain.DailyQuote, error) {
	date, err := domain.ParseDate(bar.Day)
	if err != nil {
		return domain.DailyQuote{}, fmt.Errorf("%w: sina bar date %q", domain.ErrPayloadInvalid, bar.Day)
	}

	parse := func(s string) (float64, error) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: sina bar field %q", domain.ErrPayloadInvalid, s)
		}
		return v, nil
	}

	open, err := parse(bar.Open)
	if err != nil {
		return domain.DailyQuote{}, err
	}
	high, err := parse(bar.High)
	if err != nil {
		return domain.DailyQuote{}, err
	}
	low, err := parse(bar.Low)
	if err != nil {
		return domain.DailyQuote{}, err
	}
	closePx, err := parse(bar.Close)
	if err != nil {
		return domain.DailyQuote{}, err
	}
	volume, err := parse(bar.Volume)
	if err != nil {
		return domain.DailyQuote{}, err
	}

	return domain.DailyQuote{
		Time:         date,
		InstrumentID: id.String(),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePx,
		Volume:       int64(volume),
		Amount:       closePx * volume,
		TradeStatus:  domain.TradeStatusNormal,
		Factor:       1,
		Source:       "sina",
	}, nil
}

// ListInstruments is unsupported; sina is a daily-bars backup only.
func (s *Sina) ListInstruments(ctx context.Context, ex domain.Exchange) ([]domain.Instrument, error) {
	return nil, fmt.Errorf("%w: sina does not list instruments", domain.ErrProviderUnavailable)
}

// FetchCalendar is unsupported.
func (s *Sina) FetchCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) ([]domain.CalendarEntry, error) {
	return nil, fmt.Errorf("%w: sina does not serve calendars", domain.ErrProviderUnavailable)
}

// HealthCheck probes with a short window on a liquid SSE symbol.
func (s *Sina) HealthCheck(ctx context.Context) error {
	today := time.Now().In(domain.SessionZone)
	_, err := s.FetchDaily(ctx,
		domain.InstrumentID{Symbol: "600000", Exchange: domain.ExchangeSSE},
		today.AddDate(0, 0, -7), today)
	return err
}
