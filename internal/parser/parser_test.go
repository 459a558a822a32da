package parser

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func tpPrices(t models.Trade) []string {
	out := make([]string, len(t.TakeProfits))
	for i, tp := range t.TakeProfits {
		out[i] = tp.Price.String()
	}
	return out
}

func parseErr(t *testing.T, err error) *apperr.ParseError {
	t.Helper()
	var pe *apperr.ParseError
	require.True(t, errors.As(err, &pe), "expected *ParseError, got %v", err)
	return pe
}

func TestParse_ClassicLong(t *testing.T) {
	msg := `🐰 LONG BTC/USDT
Entry: 95000
SL: 93500
TP1: 97000
TP2: 98000
TP3: 99000`

	tr, err := Parse(msg)
	require.NoError(t, err)

	assert.Equal(t, "BTC/USDT", tr.Symbol)
	assert.Equal(t, models.Long, tr.Direction)
	assert.True(t, tr.Entry.Low.Equal(d("95000")))
	assert.False(t, tr.Entry.IsRange())
	assert.True(t, tr.StopLoss.Equal(d("93500")))
	assert.Equal(t, []string{"97000", "98000", "99000"}, tpPrices(tr))
}

func TestParse_SymbolFirstShortWithEntryZone(t *testing.T) {
	msg := `XRP SHORT
PE: 2,451 2,520
SL: 2,75
TP: 2,30 - 2,10 - 1,95`

	tr, err := Parse(msg)
	require.NoError(t, err)

	assert.Equal(t, "XRP/USDT", tr.Symbol)
	assert.Equal(t, models.Short, tr.Direction)
	assert.True(t, tr.Entry.Low.Equal(d("2.451")))
	assert.True(t, tr.Entry.High.Equal(d("2.52")))
	assert.True(t, tr.StopLoss.Equal(d("2.75")))
	assert.Equal(t, []string{"2.3", "2.1", "1.95"}, tpPrices(tr))
}

func TestParse_FreeFormNumbers(t *testing.T) {
	cases := map[string]string{
		"95000":      "95000",
		"95,000.50":  "95000.5",
		"95.000,50":  "95000.5",
		"1,250,000":  "1250000",
		"0.00001234": "0.00001234",
		"2,451":      "2.451",
		"1_000":      "1000",
		"1'000.25":   "1000.25",
		"1.234.567":  "1234567",
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			got, err := decimal.NewFromString(normalizeNumber(raw))
			require.NoError(t, err)
			assert.True(t, got.Equal(d(want)), "got %s", got)
		})
	}
}

func TestParse_GroupedThousandsWhenDecimalCommaContradicts(t *testing.T) {
	tr, err := Parse("LONG BTC\nEntry: 95,000\nSL: 93500\nTP1: 97000\nTP2: 98000")
	require.NoError(t, err)
	assert.True(t, tr.Entry.Low.Equal(d("95000")))
	assert.True(t, tr.StopLoss.Equal(d("93500")))

	// every level agrees as decimal commas, so they stay decimals
	tr, err = Parse("LONG BTC\nEntry: 95,000\nSL: 93,500\nTP1: 97,000")
	require.NoError(t, err)
	assert.True(t, tr.Entry.Low.Equal(d("95")))
	assert.True(t, tr.StopLoss.Equal(d("93.5")))
	assert.Equal(t, []string{"97"}, tpPrices(tr))

	_, err = Parse("LONG BTC\nEntry: 95,000\nSL: 96000\nTP1: 97000")
	assert.Equal(t, apperr.ParseInconsistentLevels, parseErr(t, err).Code)
}

func TestParse_CurrencyAndRemarksIgnored(t *testing.T) {
	msg := `#SOL BUY x10
Entry: $142.5
Stop Loss: $135
TP1: $150 (+5%)
Target 2: 160`

	tr, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "SOL/USDT", tr.Symbol)
	assert.Equal(t, models.Long, tr.Direction)
	assert.True(t, tr.StopLoss.Equal(d("135")))
	assert.Equal(t, []string{"150", "160"}, tpPrices(tr))
}

func TestParse_OrdinalInLabelIsNotAPrice(t *testing.T) {
	msg := `LONG ETHUSDT
PE 3000
SL 2900
TP1 3100
TP2 3200`

	tr, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDT", tr.Symbol)
	assert.Equal(t, []string{"3100", "3200"}, tpPrices(tr))
}

func TestParse_DirectionInferredFromLevels(t *testing.T) {
	msg := `DOGE/USDT
Entry: 0.10
SL: 0.12
TP: 0.09`

	tr, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, models.Short, tr.Direction)
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name     string
		msg      string
		code     apperr.ParseCode
		callLike bool
	}{
		{"empty", "   \n  ", apperr.ParseEmpty, false},
		{"commentary", "🧠 LONG BTC\nEntry: 1\nSL: 0.5\nTP: 2", apperr.ParseIgnored, false},
		{"chatter", "gm everyone\nhave a nice day", apperr.ParseNoEntry, false},
		{"no symbol", "🐰 LONG !!!\nEntry: 100\nSL: 90\nTP: 110", apperr.ParseNoSymbol, true},
		{"no sl", "LONG BTC\nEntry: 100\nTP: 110", apperr.ParseNoStopLoss, true},
		{"no tp", "LONG BTC\nEntry: 100\nSL: 90", apperr.ParseNoTakeProfit, true},
		{"no entry", "LONG BTC\nSL: 90\nTP: 110", apperr.ParseNoEntry, true},
		{"long sl above entry", "LONG BTC\nEntry: 100\nSL: 105\nTP: 110", apperr.ParseInconsistentLevels, true},
		{"long tps descending", "LONG BTC\nEntry: 100\nSL: 90\nTP1: 120\nTP2: 110", apperr.ParseInconsistentLevels, true},
		{"short tp above entry", "SHORT BTC\nEntry: 100\nSL: 110\nTP: 105", apperr.ParseInconsistentLevels, true},
		{"no direction", "BTC/USDT\nEntry: 100\nSL: 90\nTP: 95", apperr.ParseNoDirection, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrParse)
			pe := parseErr(t, err)
			assert.Equal(t, tc.code, pe.Code)
			assert.Equal(t, tc.callLike, pe.CallLike())
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	p := New("USDT")
	cases := map[string]string{
		"btc/usdt": "BTC/USDT",
		"#BTCUSDT": "BTC/USDT",
		"$sol":     "SOL/USDT",
		"ETH-USDC": "ETH/USDC",
		"PEPE":     "PEPE/USDT",
		"12345":    "",
		"!!":       "",
	}
	for in, want := range cases {
		assert.Equal(t, want, p.NormalizeSymbol(in), in)
	}

	assert.Equal(t, "XRP/EUR", New("eur").NormalizeSymbol("XRP"))
}

func TestParseNumber(t *testing.T) {
	v, err := ParseNumber(" $102,458.5 ")
	require.NoError(t, err)
	assert.True(t, v.Equal(d("102458.5")))

	v, err = ParseNumber("2,45")
	require.NoError(t, err)
	assert.True(t, v.Equal(d("2.45")))

	_, err = ParseNumber("abc")
	assert.Error(t, err)
}
