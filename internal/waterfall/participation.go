package waterfall

import (
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// participant is one eligible holding in the residual distribution.
type participant struct {
	key    HoldingKey
	shares decimal.Decimal
	class  model.ShareClass
	// headroom is what a capped holder may still receive; unused otherwise.
	headroom decimal.Decimal
}

// eligibleForResidual reports whether a class shares in the residual:
// common stock, or preferred that participates.
func eligibleForResidual(sc model.ShareClass) bool {
	return !sc.Preferred || sc.Participating
}

// allocateParticipation distributes remaining across common and
// participating-preferred holders at one per-share rate, then clamps capped
// holders. Every eligible holder is collected before any amount is assigned
// so that all see the same rate. With redistribute set, the amount clamped
// away is offered again to holders still under their cap until nothing more
// can be placed.
//
// It returns the first-round per-share rate and the amount left unallocated.
func allocateParticipation(ordered []model.ShareClass, snap *Snapshot, l *ledger, remaining, unit decimal.Decimal, redistribute bool) (decimal.Decimal, decimal.Decimal) {
	var active []*participant
	for _, sc := range ordered {
		if !eligibleForResidual(sc) {
			continue
		}
		for _, k := range snap.Holders(sc.ID) {
			p := &participant{
				key:    k,
				shares: decimal.NewFromInt(snap.Shares(k)),
				class:  sc,
			}
			if sc.Capped() {
				capTotal := sc.OriginalIssuePrice.Mul(unit).
					Mul(sc.ParticipationCapMultiple.Decimal).
					Mul(p.shares)
				p.headroom = capTotal.Sub(l.at(k).preference)
			}
			active = append(active, p)
		}
	}

	pool := remaining
	var firstRate decimal.Decimal
	for round := 0; len(active) > 0 && pool.IsPositive(); round++ {
		activeShares := decimal.Zero
		for _, p := range active {
			activeShares = activeShares.Add(p.shares)
		}
		if activeShares.IsZero() {
			break
		}
		if round == 0 {
			firstRate = pool.Div(activeShares)
		}

		excess := decimal.Zero
		var next []*participant
		for _, p := range active {
			amount := pool.Mul(p.shares).Div(activeShares)
			a := l.at(p.key)

			if !p.class.Capped() {
				if p.class.Preferred {
					a.participation = a.participation.Add(amount)
				} else {
					a.common = a.common.Add(amount)
				}
				next = append(next, p)
				continue
			}

			// A non-positive headroom means preference already met the cap.
			if !p.headroom.IsPositive() {
				excess = excess.Add(amount)
				continue
			}
			if amount.GreaterThanOrEqual(p.headroom) {
				a.participation = a.participation.Add(p.headroom)
				excess = excess.Add(amount.Sub(p.headroom))
				p.headroom = decimal.Zero
				continue
			}
			a.participation = a.participation.Add(amount)
			p.headroom = p.headroom.Sub(amount)
			next = append(next, p)
		}

		pool = excess
		active = next
		if !redistribute {
			break
		}
	}
	return firstRate, pool
}
