// Package report renders payout sets for people: currency-aware money
// formatting and a markdown payout report.
package report

import (
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// Report is everything the markdown report shows for one scenario.
type Report struct {
	Scenario model.Scenario
	Payouts  []model.Payout
	Summary  model.Summary
}

// FormatMoney renders an amount in minor units using the currency's symbol,
// grouping and fraction, e.g. 123456 USD is "$1,234.56". Fractions of a
// minor unit are rounded. Unknown currencies fall back to "<amount> <code>".
func FormatMoney(amount decimal.Decimal, currency string) string {
	amount = amount.Round(0)
	if money.GetCurrency(currency) == nil {
		return amount.String() + " " + currency
	}
	return money.New(amount.IntPart(), currency).Display()
}

// CompactMoney renders an amount in minor units in a short form suited to
// charts and tables: $1.2B, $3.4M, $15K, $1.5K, $950.
func CompactMoney(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return FormatMoney(amount, currency)
	}

	sign := ""
	if amount.IsNegative() {
		sign = "-"
	}
	major := amount.Abs().Shift(-int32(cur.Fraction))
	symbol := cur.Grapheme

	thousand := decimal.NewFromInt(1_000)
	million := decimal.NewFromInt(1_000_000)
	billion := decimal.NewFromInt(1_000_000_000)

	switch {
	case major.GreaterThanOrEqual(billion):
		return sign + symbol + major.Div(billion).StringFixed(1) + "B"
	case major.GreaterThanOrEqual(million):
		return sign + symbol + major.Div(million).StringFixed(1) + "M"
	case major.GreaterThanOrEqual(decimal.NewFromInt(10_000)):
		return sign + symbol + major.Div(thousand).Round(0).String() + "K"
	case major.GreaterThanOrEqual(thousand):
		return sign + symbol + major.Div(thousand).StringFixed(1) + "K"
	}
	return sign + symbol + major.Round(0).String()
}

// PerShare renders a per-share rate given in minor units as major units
// with four decimals, e.g. 12.5 USD cents is "0.1250 USD".
func PerShare(rate decimal.Decimal, currency string) string {
	fraction := 2
	if cur := money.GetCurrency(currency); cur != nil {
		fraction = cur.Fraction
	}
	return rate.Shift(-int32(fraction)).StringFixed(4) + " " + currency
}

// Summarize rebuilds the reportable totals of a stored payout set. Engine
// internals that are not persisted (per-share rate, conversion price) are
// left zero.
func Summarize(sc model.Scenario, payouts []model.Payout) model.Summary {
	s := model.Summary{
		ExitAmount:         sc.ExitAmount,
		PreferenceTotal:    decimal.Zero,
		ParticipationTotal: decimal.Zero,
		CommonTotal:        decimal.Zero,
		EquityTotal:        decimal.Zero,
		ConvertibleTotal:   decimal.Zero,
	}
	for _, p := range payouts {
		if p.SecurityType == model.SecurityConvertible {
			s.ConvertibleTotal = s.ConvertibleTotal.Add(p.TotalAmount)
			continue
		}
		s.PreferenceTotal = s.PreferenceTotal.Add(p.PreferenceAmount)
		s.ParticipationTotal = s.ParticipationTotal.Add(p.ParticipationAmount)
		s.CommonTotal = s.CommonTotal.Add(p.CommonAmount)
		s.EquityTotal = s.EquityTotal.Add(p.TotalAmount)
	}
	s.EquityProceeds = s.EquityTotal
	s.Unallocated = decimal.Max(decimal.Zero, sc.ExitAmount.Sub(s.EquityTotal).Sub(s.ConvertibleTotal))
	return s
}

const markdownTemplate = `# {{ title .Scenario }}

Exit amount: **{{ money .Summary.ExitAmount }}** ({{ currency }})
{{- with .Scenario.CalculatedAt }}
Calculated at: {{ timestamp . }}
{{- end }}

## Payouts

| Investor | Security | Shares | Preference | Participation | Common | Total |
|---|---|---:|---:|---:|---:|---:|
{{- range .Payouts }}
| {{ .InvestorID }} | {{ security . }} | {{ .Shares }} | {{ money .PreferenceAmount }} | {{ money .ParticipationAmount }} | {{ money .CommonAmount }} | {{ money .TotalAmount }} |
{{- else }}
| _no payouts_ | | | | | | |
{{- end }}

## Summary

| | Amount |
|---|---:|
| Preferences | {{ money .Summary.PreferenceTotal }} |
| Participation | {{ money .Summary.ParticipationTotal }} |
| Common | {{ money .Summary.CommonTotal }} |
| Equity total | {{ money .Summary.EquityTotal }} |
| Convertibles | {{ money .Summary.ConvertibleTotal }} |
| Unallocated | {{ money .Summary.Unallocated }} |
{{- if .Summary.PerShareCommon.IsPositive }}
| Per common share | {{ perShare .Summary.PerShareCommon }} |
{{- end }}
`

// Markdown writes r as a markdown document.
func Markdown(w io.Writer, r Report) error {
	cur := r.Scenario.Currency
	if cur == "" {
		cur = "USD"
	}

	funcs := template.FuncMap{
		"money":     func(d decimal.Decimal) string { return FormatMoney(d, cur) },
		"currency":  func() string { return cur },
		"title":     title,
		"security":  security,
		"perShare":  func(d decimal.Decimal) string { return PerShare(d, cur) },
		"timestamp": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	}

	tmpl, err := template.New("report").Funcs(funcs).Parse(markdownTemplate)
	if err != nil {
		return fmt.Errorf("report: parse template: %w", err)
	}
	if err := tmpl.Execute(w, r); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}
	return nil
}

func title(sc model.Scenario) string {
	if sc.Name != "" {
		return sc.Name
	}
	if sc.ID != "" {
		return "Scenario " + sc.ID
	}
	return "Exit scenario"
}

func security(p model.Payout) string {
	if p.SecurityType != model.SecurityConvertible {
		if p.ShareClassName != "" {
			return p.ShareClassName
		}
		return p.ShareClassID
	}
	outcome := "redeemed"
	if p.Converted {
		outcome = "converted"
	}
	return fmt.Sprintf("%s (%s)", p.ConvertibleID, outcome)
}
