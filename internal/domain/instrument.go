// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Exchange identifies a trading venue. The canonical code is used everywhere
// outside provider adapters; adapters convert to their native spelling at
// their own boundary.
type Exchange string

const (
	ExchangeSSE    Exchange = "SSE"
	ExchangeSZSE   Exchange = "SZSE"
	ExchangeBSE    Exchange = "BSE"
	ExchangeHKEX   Exchange = "HKEX"
	ExchangeNASDAQ Exchange = "NASDAQ"
	ExchangeNYSE   Exchange = "NYSE"
)

// AllExchanges returns every known venue in a stable order.
func AllExchanges() []Exchange {
	return []Exchange{ExchangeSSE, ExchangeSZSE, ExchangeBSE, ExchangeHKEX, ExchangeNASDAQ, ExchangeNYSE}
}

// nativeCodes maps canonical exchange codes to the storage-native spelling.
var nativeCodes = map[Exchange]string{
	ExchangeSSE:    "SH",
	ExchangeSZSE:   "SZ",
	ExchangeBSE:    "BSE",
	ExchangeHKEX:   "HKEX",
	ExchangeNASDAQ: "NASDAQ",
	ExchangeNYSE:   "NYSE",
}

// canonicalCodes is the reverse of nativeCodes.
var canonicalCodes = func() map[string]Exchange {
	m := make(map[string]Exchange, len(nativeCodes))
	for ex, native := range nativeCodes {
		m[native] = ex
	}
	return m
}()

// ParseExchange validates a canonical exchange code.
func ParseExchange(s string) (Exchange, error) {
	ex := Exchange(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := nativeCodes[ex]; !ok {
		return "", fmt.Errorf("%w: unknown exchange %q", ErrInvalidInstrumentID, s)
	}
	return ex, nil
}

// NativeCode returns the storage-native spelling of the exchange code.
func (e Exchange) NativeCode() string {
	return nativeCodes[e]
}

// Valid reports whether the exchange code is one of the known venues.
func (e Exchange) Valid() bool {
	_, ok := nativeCodes[e]
	return ok
}

// InstrumentID is a value type identifying one instrument. The canonical
// projection is "SYMBOL.EXCHANGE" (600000.SSE); the storage-native
// projection uses the short venue code (600000.SH). Conversion between the
// two is total and bidirectional.
type InstrumentID struct {
	Symbol   string
	Exchange Exchange
}

// ParseInstrumentID parses a canonical instrument id ("600000.SSE").
func ParseInstrumentID(s string) (InstrumentID, error) {
	symbol, code, err := splitID(s)
	if err != nil {
		return InstrumentID{}, err
	}
	ex := Exchange(code)
	if !ex.Valid() {
		return InstrumentID{}, fmt.Errorf("%w: unknown exchange code %q in %q", ErrInvalidInstrumentID, code, s)
	}
	return InstrumentID{Symbol: symbol, Exchange: ex}, nil
}

// ParseNativeInstrumentID parses a storage-native instrument id ("600000.SH").
func ParseNativeInstrumentID(s string) (InstrumentID, error) {
	symbol, code, err := splitID(s)
	if err != nil {
		return InstrumentID{}, err
	}
	ex, ok := canonicalCodes[code]
	if !ok {
		return InstrumentID{}, fmt.Errorf("%w: unknown native code %q in %q", ErrInvalidInstrumentID, code, s)
	}
	return InstrumentID{Symbol: symbol, Exchange: ex}, nil
}

// ParseAnyInstrumentID accepts either the canonical or the native form.
func ParseAnyInstrumentID(s string) (InstrumentID, error) {
	iid, err := ParseInstrumentID(s)
	if err == nil {
		return iid, nil
	}
	return ParseNativeInstrumentID(s)
}

func splitID(s string) (symbol, code string, err error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("%w: %q is not SYMBOL.EXCHANGE", ErrInvalidInstrumentID, s)
	}
	symbol = s[:idx]
	code = s[idx+1:]
	if strings.ContainsAny(symbol, " .") {
		return "", "", fmt.Errorf("%w: malformed symbol in %q", ErrInvalidInstrumentID, s)
	}
	return symbol, code, nil
}

// String returns the canonical projection ("600000.SSE").
func (id InstrumentID) String() string {
	return id.Symbol + "." + string(id.Exchange)
}

// Native returns the storage-native projection ("600000.SH").
func (id InstrumentID) Native() string {
	return id.Symbol + "." + id.Exchange.NativeCode()
}

// IsZero reports whether the id is unset.
func (id InstrumentID) IsZero() bool {
	return id.Symbol == "" && id.Exchange == ""
}

// InstrumentType classifies an instrument.
type InstrumentType string

const (
	InstrumentTypeStock InstrumentType = "STOCK"
	InstrumentTypeETF   InstrumentType = "ETF"
	InstrumentTypeIndex InstrumentType = "INDEX"
	InstrumentTypeBond  InstrumentType = "BOND"
	InstrumentTypeFund  InstrumentType = "FUND"
)

// InstrumentStatus is the lifecycle status of an instrument.
type InstrumentStatus string

const (
	StatusActive    InstrumentStatus = "active"
	StatusInactive  InstrumentStatus = "inactive"
	StatusSuspended InstrumentStatus = "suspended"
)

// Instrument is a tradable identified by (symbol, exchange).
type Instrument struct {
	InstrumentID  string           `json:"instrument_id"` // canonical SYMBOL.EXCHANGE
	Symbol        string           `json:"symbol"`
	Name          string           `json:"name"`
	Exchange      Exchange         `json:"exchange"`
	Type          InstrumentType   `json:"type"`
	Currency      string           `json:"currency"`
	ListedDate    *time.Time       `json:"listed_date,omitempty"`
	DelistedDate  *time.Time       `json:"delisted_date,omitempty"`
	IssueDate     *time.Time       `json:"issue_date,omitempty"`
	Industry      string           `json:"industry,omitempty"`
	Sector        string           `json:"sector,omitempty"`
	Market        string           `json:"market,omitempty"`
	Status        InstrumentStatus `json:"status"`
	IsActive      bool             `json:"is_active"`
	IsST          bool             `json:"is_st"`
	TradingStatus int              `json:"trading_status"`
	Source        string           `json:"source"`
	SourceSymbol  string           `json:"source_symbol,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DataVersion   int              `json:"data_version"`
}

// ID returns the typed instrument id of the record.
func (i *Instrument) ID() (InstrumentID, error) {
	return ParseInstrumentID(i.InstrumentID)
}
