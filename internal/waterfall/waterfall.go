// Package waterfall allocates the proceeds of a company exit across a
// capitalization table.
//
// The equity side is a classic liquidation waterfall:
//   - Preference tiers are paid in seniority order (lower rank first,
//     unranked last), pro rata inside a tier that cannot be paid in full
//   - The residual is shared per share by common stock and participating
//     preferred, with capped participation clamped at
//     issue price × cap multiple × shares, preference included
//
// Convertible securities (SAFEs, notes) are resolved on their own: each
// takes the greater of its principal and its as-converted value at the
// fully-diluted exit price.
//
// All arithmetic uses shopspring/decimal. Amounts are in currency minor
// units (cents) and stay unrounded until the payout totals are produced, so
// the same inputs always give identical payouts.
package waterfall

import (
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// DefaultCurrency is assumed when an Input carries no currency code.
const DefaultCurrency = "USD"

// Funding decides where convertible payouts come from.
type Funding int

const (
	// FundFromProceeds pays convertibles first and runs the equity
	// waterfall on what is left of the exit amount.
	FundFromProceeds Funding = iota

	// FundOutsideWaterfall runs the equity waterfall on the full exit
	// amount; convertible payouts are reported on top of it.
	FundOutsideWaterfall
)

func (f Funding) String() string {
	if f == FundOutsideWaterfall {
		return "outside_waterfall"
	}
	return "from_proceeds"
}

// ParseFunding accepts the String forms; anything else is FundFromProceeds.
func ParseFunding(s string) Funding {
	if s == FundOutsideWaterfall.String() {
		return FundOutsideWaterfall
	}
	return FundFromProceeds
}

// Options tune the modelling choices that the waterfall leaves open.
type Options struct {
	Funding Funding

	// RedistributeCapExcess offers participation clamped by a cap back to
	// holders still under theirs. When false the clamped amount is left
	// unallocated.
	RedistributeCapExcess bool

	Rounding Rounding
}

// DefaultOptions are used by Compute.
func DefaultOptions() Options {
	return Options{
		Funding:               FundFromProceeds,
		RedistributeCapExcess: true,
		Rounding:              RoundLargestRemainder,
	}
}

// Input is everything a calculation reads. It is never modified.
type Input struct {
	ExitAmount   decimal.Decimal // minor units
	Currency     string
	ShareClasses []model.ShareClass
	Holdings     []model.Holding
	Convertibles []model.ConvertibleSecurity
}

// InputFor assembles an Input from a scenario and the company's cap table.
func InputFor(sc model.Scenario, ct model.CapTable) Input {
	return Input{
		ExitAmount:   sc.ExitAmount,
		Currency:     sc.Currency,
		ShareClasses: ct.ShareClasses,
		Holdings:     ct.Holdings,
		Convertibles: ct.Convertibles,
	}
}

// Result is a complete payout set: equity payouts first, in seniority then
// investor order, followed by convertible payouts in input order.
type Result struct {
	Payouts []model.Payout
	Summary model.Summary
}

// Engine runs calculations with fixed Options. It holds no other state and
// is safe for concurrent use.
type Engine struct {
	opts Options
}

// New creates an Engine.
func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Options returns the engine's options.
func (e *Engine) Options() Options {
	return e.opts
}

// Compute runs a calculation with DefaultOptions.
func Compute(in Input) (*Result, error) {
	return New(DefaultOptions()).Compute(in)
}

// Compute validates in and allocates the exit amount. Payouts carry no ID,
// scenario or timestamp; persistence assigns those.
func (e *Engine) Compute(in Input) (*Result, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	unit, err := minorUnitFactor(in.Currency)
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(in.Holdings)
	ordered := BySeniority(in.ShareClasses)

	conversions, conversionPrice := resolveConvertibles(in.Convertibles, snap.TotalShares(), in.ExitAmount)
	convertible := convertiblePayouts(conversions)
	convertibleTotal := decimal.Zero
	for _, p := range convertible {
		convertibleTotal = convertibleTotal.Add(p.TotalAmount)
	}

	proceeds := in.ExitAmount
	if e.opts.Funding == FundFromProceeds {
		proceeds = decimal.Max(decimal.Zero, proceeds.Sub(convertibleTotal))
	}

	l := newLedger(snap)
	remaining := allocatePreferences(ordered, snap, l, proceeds, unit)
	perShare, unallocated := allocateParticipation(ordered, snap, l, remaining, unit, e.opts.RedistributeCapExcess)
	equity := equityPayouts(ordered, snap, l, e.opts.Rounding)

	summary := model.Summary{
		ExitAmount:         in.ExitAmount,
		EquityProceeds:     proceeds,
		PreferenceTotal:    decimal.Zero,
		ParticipationTotal: decimal.Zero,
		CommonTotal:        decimal.Zero,
		EquityTotal:        decimal.Zero,
		ConvertibleTotal:   convertibleTotal,
		Unallocated:        unallocated,
		PerShareCommon:     perShare,
		ConversionPrice:    conversionPrice,
	}
	for _, p := range equity {
		summary.PreferenceTotal = summary.PreferenceTotal.Add(p.PreferenceAmount)
		summary.ParticipationTotal = summary.ParticipationTotal.Add(p.ParticipationAmount)
		summary.CommonTotal = summary.CommonTotal.Add(p.CommonAmount)
		summary.EquityTotal = summary.EquityTotal.Add(p.TotalAmount)
	}

	return &Result{
		Payouts: append(equity, convertible...),
		Summary: summary,
	}, nil
}
