package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstrumentID(t *testing.T) {
	tests := []struct {
		input    string
		symbol   string
		exchange Exchange
		native   string
	}{
		{"600000.SSE", "600000", ExchangeSSE, "600000.SH"},
		{"000001.SZSE", "000001", ExchangeSZSE, "000001.SZ"},
		{"830799.BSE", "830799", ExchangeBSE, "830799.BSE"},
		{"0700.HKEX", "0700", ExchangeHKEX, "0700.HKEX"},
		{"AAPL.NASDAQ", "AAPL", ExchangeNASDAQ, "AAPL.NASDAQ"},
		{"ge.nyse", "GE", ExchangeNYSE, "GE.NYSE"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			iid, err := ParseInstrumentID(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.symbol, iid.Symbol)
			assert.Equal(t, tt.exchange, iid.Exchange)
			assert.Equal(t, tt.native, iid.Native())
		})
	}
}

func TestParseInstrumentID_Invalid(t *testing.T) {
	for _, input := range []string{"", "600000", ".SSE", "600000.", "600000.XXX", "60.00.00.SSE"} {
		_, err := ParseInstrumentID(input)
		assert.True(t, errors.Is(err, ErrInvalidInstrumentID), "input %q should be rejected", input)
	}
}

func TestInstrumentID_RoundTrip(t *testing.T) {
	// Canonical -> native -> canonical is identity for every valid id.
	canonical := []string{"600000.SSE", "000001.SZSE", "430047.BSE", "0005.HKEX", "MSFT.NASDAQ", "IBM.NYSE"}
	for _, c := range canonical {
		iid, err := ParseInstrumentID(c)
		require.NoError(t, err)

		back, err := ParseNativeInstrumentID(iid.Native())
		require.NoError(t, err)
		assert.Equal(t, c, back.String())
	}
}

func TestParseAnyInstrumentID(t *testing.T) {
	a, err := ParseAnyInstrumentID("600000.SH")
	require.NoError(t, err)
	b, err := ParseAnyInstrumentID("600000.SSE")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParseExchange(t *testing.T) {
	ex, err := ParseExchange(" sse ")
	require.NoError(t, err)
	assert.Equal(t, ExchangeSSE, ex)

	_, err = ParseExchange("LSE")
	assert.Error(t, err)
}
