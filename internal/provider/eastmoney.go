package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
)

// secid market prefixes for the eastmoney push2 API.
var eastmoneyMarkets = map[domain.Exchange]string{
	domain.ExchangeSSE:    "1",
	domain.ExchangeSZSE:   "0",
	domain.ExchangeBSE:    "0",
	domain.ExchangeHKEX:   "116",
	domain.ExchangeNASDAQ: "105",
	domain.ExchangeNYSE:   "106",
}

// push2 clist market filter expressions per exchange.
var eastmoneyListFilters = map[domain.Exchange]string{
	domain.ExchangeSSE:  "m:1+t:2,m:1+t:23",
	domain.ExchangeSZSE: "m:0+t:6,m:0+t:80",
	domain.ExchangeBSE:  "m:0+t:81+s:2048",
	domain.ExchangeHKEX: "m:116+t:3",
}

// calendarProbes maps each exchange to the index whose daily bars mark its
// trading days. A day with a bar traded; a day without one did not.
var eastmoneyCalendarProbes = map[domain.Exchange]string{
	domain.ExchangeSSE:    "1.000001",   // SSE composite
	domain.ExchangeSZSE:   "0.399001",   // SZSE component
	domain.ExchangeBSE:    "0.899050",   // BSE 50
	domain.ExchangeHKEX:   "100.HSI",    // Hang Seng
	domain.ExchangeNASDAQ: "100.NDX",
	domain.ExchangeNYSE:   "100.DJIA",
}

// EastmoneyConfig configures the eastmoney adapter.
type EastmoneyConfig struct {
	BaseURL     string // kline host, default https://push2his.eastmoney.com
	ListBaseURL string // clist host, default https://push2.eastmoney.com
	Timeout     time.Duration
	RateLimit   RateLimitConfig
}

// Eastmoney is the full-capability primary data source.
type Eastmoney struct {
	cfg  EastmoneyConfig
	http *httpClient
	log  zerolog.Logger
}

// NewEastmoney creates the eastmoney adapter.
func NewEastmoney(cfg EastmoneyConfig, log zerolog.Logger) *Eastmoney {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://push2his.eastmoney.com"
	}
	if cfg.ListBaseURL == "" {
		cfg.ListBaseURL = cfg.BaseURL
	}
	return &Eastmoney{
		cfg:  cfg,
		http: newHTTPClient("eastmoney", cfg.RateLimit, cfg.Timeout, log),
		log:  log.With().Str("component", "provider_eastmoney").Logger(),
	}
}

func (e *Eastmoney) Name() string { return "eastmoney" }

func (e *Eastmoney) Capabilities() Capability { return CapList | CapDaily | CapCalendar }

func (e *Eastmoney) Supports(ex domain.Exchange) bool {
	_, ok := eastmoneyMarkets[ex]
	return ok
}

type eastmoneyKlineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// FetchDaily pulls unadjusted daily klines.
// Kline fields: date,open,close,high,low,volume,amount,amplitude,pct,chg,turnover.
func (e *Eastmoney) FetchDaily(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.DailyQuote, error) {
	secid, err := e.secid(id)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/api/qt/stock/kline/get?secid=%s&klt=101&fqt=0&beg=%s&end=%s&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61",
		e.cfg.BaseURL, url.QueryEscape(secid),
		start.In(domain.SessionZone).Format("20060102"),
		end.In(domain.SessionZone).Format("20060102"))

	body, err := e.http.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp eastmoneyKlineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: eastmoney kline decode: %v", domain.ErrPayloadInvalid, err)
	}
	if resp.Data == nil {
		return nil, nil
	}

	quotes := make([]domain.DailyQuote, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		q, err := parseEastmoneyKline(line, id)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func parseEastmoneyKline(line string, id domain.InstrumentID) (domain.DailyQuote, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 7 {
		return domain.DailyQuote{}, fmt.Errorf("%w: eastmoney kline %q has %d fields", domain.ErrPayloadInvalid, line, len(parts))
	}

	date, err := domain.ParseDate(parts[0])
	if err != nil {
		return domain.DailyQuote{}, fmt.Errorf("%w: eastmoney kline date %q", domain.ErrPayloadInvalid, parts[0])
	}

	nums := make([]float64, 6)
	for i := 1; i <= 6; i++ {
		nums[i-1], err = strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return domain.DailyQuote{}, fmt.Errorf("%w: eastmoney kline field %q", domain.ErrPayloadInvalid, parts[i])
		}
	}

	q := domain.DailyQuote{
		Time:         date,
		InstrumentID: id.String(),
		Open:         nums[0],
		Close:        nums[1],
		High:         nums[2],
		Low:          nums[3],
		Volume:       int64(nums[4]),
		Amount:       nums[5],
		TradeStatus:  domain.TradeStatusNormal,
		Factor:       1,
		Source:       "eastmoney",
	}
	if len(parts) > 10 {
		if turnover, err := strconv.ParseFloat(parts[10], 64); err == nil {
			q.Turnover = &turnover
		}
	}
	return q, nil
}

type eastmoneyListResponse struct {
	Data *struct {
		Total int `json:"total"`
		Diff  []struct {
			Code string `json:"f12"`
			Name string `json:"f14"`
		} `json:"diff"`
	} `json:"data"`
}

// ListInstruments pulls the full instrument universe for an exchange.
func (e *Eastmoney) ListInstruments(ctx context.Context, ex domain.Exchange) ([]domain.Instrument, error) {
	fs, ok := eastmoneyListFilters[ex]
	if !ok {
		return nil, fmt.Errorf("%w: eastmoney has no list filter for %s", domain.ErrProviderUnavailable, ex)
	}

	u := fmt.Sprintf("%s/api/qt/clist/get?pn=1&pz=10000&fs=%s&fields=f12,f14",
		e.cfg.ListBaseURL, url.QueryEscape(fs))
	body, err := e.http.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp eastmoneyListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: eastmoney list decode: %v", domain.ErrPayloadInvalid, err)
	}
	if resp.Data == nil {
		return nil, nil
	}

	instruments := make([]domain.Instrument, 0, len(resp.Data.Diff))
	for _, row := range resp.Data.Diff {
		symbol := strings.ToUpper(strings.TrimSpace(row.Code))
		if symbol == "" {
			continue
		}
		iid := domain.InstrumentID{Symbol: symbol, Exchange: ex}
		instruments = append(instruments, domain.Instrument{
			InstrumentID:  iid.String(),
			Symbol:        symbol,
			Name:          row.Name,
			Exchange:      ex,
			Type:          domain.InstrumentTypeStock,
			Currency:      currencyFor(ex),
			Status:        domain.StatusActive,
			IsActive:      true,
			IsST:          strings.Contains(row.Name, "ST"),
			TradingStatus: 1,
			Source:        "eastmoney",
			SourceSymbol:  iid.Native(),
		})
	}
	return instruments, nil
}

// FetchCalendar derives the trading calendar from the exchange's index
// bars: every date in the window with a bar is a trading day, every date
// without one is closed.
func (e *Eastmoney) FetchCalendar(ctx context.Context, ex domain.Exchange, start, end time.Time) ([]domain.CalendarEntry, error) {
	probe, ok := eastmoneyCalendarProbes[ex]
	if !ok {
		return nil, fmt.Errorf("%w: eastmoney has no calendar probe for %s", domain.ErrProviderUnavailable, ex)
	}

	u := fmt.Sprintf("%s/api/qt/stock/kline/get?secid=%s&klt=101&fqt=0&beg=%s&end=%s&fields1=f1&fields2=f51,f52,f53,f54,f55,f56,f57",
		e.cfg.BaseURL, url.QueryEscape(probe),
		start.In(domain.SessionZone).Format("20060102"),
		end.In(domain.SessionZone).Format("20060102"))
	body, err := e.http.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp eastmoneyKlineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: eastmoney calendar decode: %v", domain.ErrPayloadInvalid, err)
	}

	traded := make(map[string]bool)
	if resp.Data != nil {
		for _, line := range resp.Data.Klines {
			if idx := strings.Index(line, ","); idx > 0 {
				traded[line[:idx]] = true
			}
		}
	}

	var entries []domain.CalendarEntry
	for day := domain.Date(start); !day.After(domain.Date(end)); day = day.AddDate(0, 0, 1) {
		isTrading := traded[domain.FormatDate(day)]
		reason := ""
		if !isTrading {
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				reason = "weekend"
			} else {
				reason = "holiday"
			}
		}
		entries = append(entries, domain.CalendarEntry{
			Exchange:     ex,
			Date:         day,
			IsTradingDay: isTrading,
			Reason:       reason,
			SessionType:  "full",
			Source:       "eastmoney",
		})
	}
	return entries, nil
}

// HealthCheck probes the kline endpoint with the SSE index.
func (e *Eastmoney) HealthCheck(ctx context.Context) error {
	today := time.Now().In(domain.SessionZone)
	_, err := e.FetchCalendar(ctx, domain.ExchangeSSE, today.AddDate(0, 0, -7), today)
	return err
}

func (e *Eastmoney) secid(id domain.InstrumentID) (string, error) {
	market, ok := eastmoneyMarkets[id.Exchange]
	if !ok {
		return "", fmt.Errorf("%w: eastmoney does not serve %s", domain.ErrProviderUnavailable, id.Exchange)
	}
	return market + "." + id.Symbol, nil
}

func currencyFor(ex domain.Exchange) string {
	switch ex {
	case domain.ExchangeHKEX:
		return "HKD"
	case domain.ExchangeNASDAQ, domain.ExchangeNYSE:
		return "USD"
	default:
		return "CNY"
	}
}
