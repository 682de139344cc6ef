package waterfall

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// Rounding selects how unrounded payout totals become whole minor units.
type Rounding int

const (
	// RoundLargestRemainder floors every total, then hands the cents left
	// over to the records with the largest fractional parts, so the rounded
	// totals sum to the rounded sum of the unrounded totals.
	RoundLargestRemainder Rounding = iota

	// RoundHalfUp rounds each record independently.
	RoundHalfUp
)

func (r Rounding) String() string {
	if r == RoundHalfUp {
		return "half_up"
	}
	return "largest_remainder"
}

// roundTotals rounds raw to whole units. Ties in the largest-remainder pass
// go to the earlier record.
func roundTotals(raw []decimal.Decimal, mode Rounding) []decimal.Decimal {
	out := make([]decimal.Decimal, len(raw))
	if mode == RoundHalfUp {
		for i, v := range raw {
			out[i] = v.Round(0)
		}
		return out
	}

	sum := decimal.Zero
	floored := decimal.Zero
	for i, v := range raw {
		sum = sum.Add(v)
		out[i] = v.Floor()
		floored = floored.Add(out[i])
	}
	deficit := sum.Round(0).Sub(floored).IntPart()
	if deficit <= 0 {
		return out
	}

	idx := make([]int, len(raw))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		fa := raw[idx[a]].Sub(out[idx[a]])
		fb := raw[idx[b]].Sub(out[idx[b]])
		return fa.GreaterThan(fb)
	})
	one := decimal.NewFromInt(1)
	for i := int64(0); i < deficit && int(i) < len(idx); i++ {
		out[idx[i]] = out[idx[i]].Add(one)
	}
	return out
}

// equityPayouts turns the ledger into one payout per (investor, share class),
// ordered by seniority and then investor ID.
func equityPayouts(ordered []model.ShareClass, snap *Snapshot, l *ledger, mode Rounding) []model.Payout {
	var payouts []model.Payout
	var raw []decimal.Decimal
	for _, sc := range ordered {
		for _, k := range snap.Holders(sc.ID) {
			a := l.at(k)
			payouts = append(payouts, model.Payout{
				InvestorID:          k.InvestorID,
				ShareClassID:        sc.ID,
				ShareClassName:      sc.Name,
				SecurityType:        model.SecurityEquity,
				Shares:              a.shares,
				PreferenceAmount:    a.preference,
				ParticipationAmount: a.participation,
				CommonAmount:        a.common,
				PrincipalAmount:     decimal.Zero,
				ConversionValue:     decimal.Zero,
			})
			raw = append(raw, a.total())
		}
	}
	for i, total := range roundTotals(raw, mode) {
		payouts[i].TotalAmount = total
	}
	return payouts
}

// convertiblePayouts emits one payout per convertible, in input order.
// Shares is the implied share count when the holder converts, else 0.
// Instruments do not share a pool, so each total is rounded on its own.
func convertiblePayouts(conversions []conversion) []model.Payout {
	payouts := make([]model.Payout, 0, len(conversions))
	for _, c := range conversions {
		var shares int64
		if c.converted() {
			shares = c.security.ImpliedShareCount()
		}
		payouts = append(payouts, model.Payout{
			InvestorID:          c.security.InvestorID,
			ConvertibleID:       c.security.ID,
			SecurityType:        model.SecurityConvertible,
			Shares:              shares,
			PreferenceAmount:    decimal.Zero,
			ParticipationAmount: decimal.Zero,
			CommonAmount:        decimal.Zero,
			PrincipalAmount:     c.security.PrincipalValue,
			ConversionValue:     c.value,
			Converted:           c.converted(),
			TotalAmount:         c.amount.Round(0),
		})
	}
	return payouts
}
