package waterfall

import (
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// conversion is the resolved outcome for one convertible security.
type conversion struct {
	security model.ConvertibleSecurity
	value    decimal.Decimal // as-converted value
	amount   decimal.Decimal // max(principal, value)
}

func (c conversion) converted() bool {
	return c.value.GreaterThan(c.security.PrincipalValue)
}

// resolveConvertibles values each convertible at the fully-diluted exit
// price and keeps the better of conversion and principal. It does not look at
// the equity waterfall.
func resolveConvertibles(convertibles []model.ConvertibleSecurity, equityShares int64, exitAmount decimal.Decimal) ([]conversion, decimal.Decimal) {
	totalShares := equityShares
	for _, c := range convertibles {
		totalShares += c.ImpliedShareCount()
	}

	sharePrice := decimal.Zero
	if totalShares > 0 {
		sharePrice = exitAmount.Div(decimal.NewFromInt(totalShares))
	}

	out := make([]conversion, 0, len(convertibles))
	for _, c := range convertibles {
		// exit × implied / total rather than price × implied, to avoid carrying
		// the rounded price into the product.
		value := decimal.Zero
		if totalShares > 0 {
			value = exitAmount.Mul(decimal.NewFromInt(c.ImpliedShareCount())).Div(decimal.NewFromInt(totalShares))
		}
		out = append(out, conversion{
			security: c,
			value:    value,
			amount:   decimal.Max(c.PrincipalValue, value),
		})
	}
	return out, sharePrice
}
