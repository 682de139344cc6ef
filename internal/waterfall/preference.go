package waterfall

import (
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// allocation accumulates the unrounded amounts owed to one holding key.
type allocation struct {
	shares        int64
	preference    decimal.Decimal
	participation decimal.Decimal
	common        decimal.Decimal
}

func (a *allocation) total() decimal.Decimal {
	return a.preference.Add(a.participation).Add(a.common)
}

// ledger holds one allocation per snapshot key. Every key is inserted with a
// zero record by newLedger; later stages only ever update existing entries.
type ledger struct {
	entries map[HoldingKey]*allocation
}

func newLedger(snap *Snapshot) *ledger {
	l := &ledger{entries: make(map[HoldingKey]*allocation, snap.Len())}
	for k, shares := range snap.shares {
		l.entries[k] = &allocation{
			shares:        shares,
			preference:    decimal.Zero,
			participation: decimal.Zero,
			common:        decimal.Zero,
		}
	}
	return l
}

func (l *ledger) at(k HoldingKey) *allocation {
	return l.entries[k]
}

// preferencePerShare is issue price (converted to minor units) times the
// liquidation preference multiple.
func preferencePerShare(sc model.ShareClass, unit decimal.Decimal) decimal.Decimal {
	return sc.OriginalIssuePrice.Mul(unit).Mul(sc.LiquidationPreferenceMultiple)
}

// allocatePreferences pays each tier in seniority order from proceeds and
// returns what is left. A tier that cannot be paid in full is split pro rata
// by share count. The loop stops as soon as nothing remains.
func allocatePreferences(ordered []model.ShareClass, snap *Snapshot, l *ledger, proceeds, unit decimal.Decimal) decimal.Decimal {
	remaining := proceeds
	for _, sc := range ordered {
		holders := snap.Holders(sc.ID)
		if len(holders) == 0 {
			continue
		}

		perShare := preferencePerShare(sc, unit)
		tierClaim := perShare.Mul(decimal.NewFromInt(snap.ClassShares(sc.ID)))
		amountToPay := decimal.Min(tierClaim, remaining)

		if tierClaim.IsPositive() {
			for _, k := range holders {
				claim := perShare.Mul(decimal.NewFromInt(snap.Shares(k)))
				paid := claim
				if amountToPay.LessThan(tierClaim) {
					// claim × (amountToPay / tierClaim), multiplied first to keep precision.
					paid = claim.Mul(amountToPay).Div(tierClaim)
				}
				a := l.at(k)
				a.preference = a.preference.Add(paid)
			}
		}

		remaining = remaining.Sub(amountToPay)
		if remaining.IsZero() {
			break
		}
	}
	return remaining
}
