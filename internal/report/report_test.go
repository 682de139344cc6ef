package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capwater/waterfall-engine/internal/model"
)

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     string
	}{
		{"123456", "USD", "$1,234.56"},
		{"0", "USD", "$0.00"},
		{"-2550", "USD", "-$25.50"},
		{"3333.5", "USD", "$33.34"},
		{"5000", "JPY", "¥5,000"},
		{"100", "XYZ", "100 XYZ"},
	}
	for _, tt := range tests {
		t.Run(tt.amount+" "+tt.currency, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMoney(decimal.RequireFromString(tt.amount), tt.currency))
		})
	}
}

func TestCompactMoney(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{250_000_000_000, "$2.5B"},
		{120_000_000, "$1.2M"},
		{1_500_000, "$15K"},
		{1_549_900, "$15K"},
		{150_000, "$1.5K"},
		{95_000, "$950"},
		{0, "$0"},
		{-120_000_000, "-$1.2M"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, CompactMoney(decimal.NewFromInt(tt.cents), "USD"))
		})
	}
}

func TestCompactMoney_ZeroFractionCurrency(t *testing.T) {
	assert.Equal(t, "¥1.5K", CompactMoney(decimal.NewFromInt(1500), "JPY"))
}

func TestPerShare(t *testing.T) {
	assert.Equal(t, "0.1250 USD", PerShare(decimal.RequireFromString("12.5"), "USD"))
	assert.Equal(t, "3.0000 JPY", PerShare(decimal.NewFromInt(3), "JPY"))
}

func samplePayouts() []model.Payout {
	return []model.Payout{
		{
			InvestorID:       "inv-a",
			ShareClassID:     "pref",
			ShareClassName:   "Series A",
			SecurityType:     model.SecurityEquity,
			Shares:           100,
			PreferenceAmount: decimal.NewFromInt(10_000),
			CommonAmount:     decimal.NewFromInt(5_000),
			TotalAmount:      decimal.NewFromInt(15_000),
		},
		{
			InvestorID:    "inv-b",
			ConvertibleID: "safe-1",
			SecurityType:  model.SecurityConvertible,
			Shares:        50,
			Converted:     true,
			TotalAmount:   decimal.NewFromInt(5_000),
		},
	}
}

func TestSummarize(t *testing.T) {
	sc := model.Scenario{ExitAmount: decimal.NewFromInt(25_000), Currency: "USD"}
	s := Summarize(sc, samplePayouts())

	assert.True(t, s.PreferenceTotal.Equal(decimal.NewFromInt(10_000)))
	assert.True(t, s.CommonTotal.Equal(decimal.NewFromInt(5_000)))
	assert.True(t, s.EquityTotal.Equal(decimal.NewFromInt(15_000)))
	assert.True(t, s.ConvertibleTotal.Equal(decimal.NewFromInt(5_000)))
	assert.True(t, s.Unallocated.Equal(decimal.NewFromInt(5_000)))
}

func TestSummarize_NeverNegativeUnallocated(t *testing.T) {
	sc := model.Scenario{ExitAmount: decimal.NewFromInt(1_000)}
	s := Summarize(sc, samplePayouts())
	assert.True(t, s.Unallocated.IsZero())
}

func TestMarkdown(t *testing.T) {
	calculated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sc := model.Scenario{
		ID:           "s1",
		Name:         "Acquisition at $250",
		ExitAmount:   decimal.NewFromInt(25_000),
		Currency:     "USD",
		CalculatedAt: &calculated,
	}
	r := Report{Scenario: sc, Payouts: samplePayouts(), Summary: Summarize(sc, samplePayouts())}

	var buf bytes.Buffer
	require.NoError(t, Markdown(&buf, r))
	out := buf.String()

	assert.Contains(t, out, "# Acquisition at $250\n")
	assert.Contains(t, out, "Exit amount: **$250.00** (USD)\nCalculated at: 2025-03-01T12:00:00Z\n")
	assert.Contains(t, out, "| inv-a | Series A | 100 | $100.00 | $0.00 | $50.00 | $150.00 |")
	assert.Contains(t, out, "| inv-b | safe-1 (converted) | 50 |")
	assert.Contains(t, out, "| Unallocated | $50.00 |")
	assert.NotContains(t, out, "Per common share")
}

func TestMarkdown_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Markdown(&buf, Report{}))
	out := buf.String()

	assert.Contains(t, out, "# Exit scenario\n")
	assert.Contains(t, out, "| _no payouts_ |")
	assert.NotContains(t, out, "Calculated at")
}
