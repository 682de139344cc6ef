// Package convertible handles SAFE and convertible note terms and derives
// the share count an instrument converts into at a given exit.
package convertible

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// Supported instrument kinds.
const (
	KindSAFE = "SAFE"
	KindNote = "NOTE"
)

var validKinds = map[string]bool{
	KindSAFE: true,
	KindNote: true,
}

var (
	ErrInvalidKind      = errors.New("convertible: unsupported instrument kind")
	ErrInvalidTerms     = errors.New("convertible: invalid terms")
	ErrZeroValuation    = errors.New("convertible: conversion valuation is zero")
	ErrNoPreMoneyShares = errors.New("convertible: pre-money share count must be positive")
)

var (
	hundred     = decimal.NewFromInt(100)
	daysPerYear = decimal.NewFromInt(365)
	nanosPerDay = decimal.NewFromInt(int64(24 * time.Hour))
)

// ParseKind normalises an instrument kind. Case and surrounding space are
// ignored; "" is a SAFE.
func ParseKind(s string) (string, error) {
	kind := strings.ToUpper(strings.TrimSpace(s))
	if kind == "" {
		return KindSAFE, nil
	}
	if !validKinds[kind] {
		return "", fmt.Errorf("%w: %s", ErrInvalidKind, s)
	}
	return kind, nil
}

// Terms are the conversion terms of one instrument. Principal and
// ValuationCap are in minor units; DiscountPercent and InterestPercent are
// percentages (20 = 20%).
type Terms struct {
	Kind            string              `json:"kind"`
	Principal       decimal.Decimal     `json:"principal"`
	ValuationCap    decimal.NullDecimal `json:"valuation_cap"`
	DiscountPercent decimal.NullDecimal `json:"discount_percent"`
	InterestPercent decimal.NullDecimal `json:"interest_percent"`
	IssuedAt        time.Time           `json:"issued_at"`
	MaturityDate    *time.Time          `json:"maturity_date,omitempty"`
}

// TermsOf extracts the terms of a stored convertible security. A security
// with an interest rate is a note whatever its recorded kind.
func TermsOf(c model.ConvertibleSecurity) Terms {
	kind := c.Kind
	if c.InterestRate.Valid {
		kind = KindNote
	}
	return Terms{
		Kind:            kind,
		Principal:       c.PrincipalValue,
		ValuationCap:    c.ValuationCap,
		DiscountPercent: c.DiscountRate,
		InterestPercent: c.InterestRate,
		IssuedAt:        c.IssuedAt,
		MaturityDate:    c.MaturityDate,
	}
}

// Validate checks that the terms are usable for conversion.
func (t Terms) Validate() error {
	if _, err := ParseKind(t.Kind); err != nil {
		return err
	}
	if t.Principal.IsNegative() {
		return fmt.Errorf("%w: negative principal", ErrInvalidTerms)
	}
	if t.ValuationCap.Valid && !t.ValuationCap.Decimal.IsPositive() {
		return fmt.Errorf("%w: valuation cap must be positive", ErrInvalidTerms)
	}
	if t.DiscountPercent.Valid {
		dp := t.DiscountPercent.Decimal
		if dp.IsNegative() || dp.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("%w: discount must be in [0, 100)", ErrInvalidTerms)
		}
	}
	if t.InterestPercent.Valid && t.InterestPercent.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative interest rate", ErrInvalidTerms)
	}
	return nil
}

// ConversionValuation is the company valuation the instrument converts at:
// the lower of the cap and the discounted exit when both apply, otherwise
// whichever applies, otherwise the exit itself.
func (t Terms) ConversionValuation(exit decimal.Decimal) decimal.Decimal {
	discounted := exit
	if t.DiscountPercent.Valid {
		discounted = exit.Mul(hundred.Sub(t.DiscountPercent.Decimal)).Div(hundred)
	}

	switch {
	case t.ValuationCap.Valid && t.DiscountPercent.Valid:
		return decimal.Min(t.ValuationCap.Decimal, discounted)
	case t.ValuationCap.Valid:
		return t.ValuationCap.Decimal
	default:
		return discounted
	}
}

// AccruedInterest is simple interest on the principal from IssuedAt to asOf,
// stopping at the maturity date when one is set. SAFEs accrue nothing.
func (t Terms) AccruedInterest(asOf time.Time) decimal.Decimal {
	if !t.InterestPercent.Valid || t.IssuedAt.IsZero() {
		return decimal.Zero
	}
	end := asOf
	if t.MaturityDate != nil && t.MaturityDate.Before(end) {
		end = *t.MaturityDate
	}
	if !end.After(t.IssuedAt) {
		return decimal.Zero
	}

	// principal × rate × elapsed / (100 × 365 days), divided once.
	elapsed := decimal.NewFromInt(int64(end.Sub(t.IssuedAt)))
	return t.Principal.Mul(t.InterestPercent.Decimal).Mul(elapsed).
		Div(hundred.Mul(daysPerYear).Mul(nanosPerDay))
}

// AmountToConvert is principal plus accrued interest.
func (t Terms) AmountToConvert(asOf time.Time) decimal.Decimal {
	return t.Principal.Add(t.AccruedInterest(asOf))
}

// Preview is the outcome of deriving implied shares for one instrument.
type Preview struct {
	Kind                string          `json:"kind"`
	ConversionValuation decimal.Decimal `json:"conversion_valuation"`
	Interest            decimal.Decimal `json:"interest"`
	AmountToConvert     decimal.Decimal `json:"amount_to_convert"`
	PricePerShare       decimal.Decimal `json:"price_per_share"`
	ImpliedShares       int64           `json:"implied_shares"`
}

// Derive computes the shares the instrument converts into:
// floor(amountToConvert × preMoneyShares / conversionValuation).
func Derive(t Terms, exit decimal.Decimal, preMoneyShares int64, asOf time.Time) (*Preview, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if preMoneyShares <= 0 {
		return nil, ErrNoPreMoneyShares
	}
	valuation := t.ConversionValuation(exit)
	if !valuation.IsPositive() {
		return nil, ErrZeroValuation
	}

	kind, _ := ParseKind(t.Kind)
	shares := decimal.NewFromInt(preMoneyShares)
	interest := t.AccruedInterest(asOf)
	amount := t.Principal.Add(interest)

	return &Preview{
		Kind:                kind,
		ConversionValuation: valuation,
		Interest:            interest,
		AmountToConvert:     amount,
		PricePerShare:       valuation.Div(shares),
		ImpliedShares:       amount.Mul(shares).Div(valuation).Floor().IntPart(),
	}, nil
}

// FillImpliedShares returns a copy of cs where every security recorded
// without implied shares has them derived from its terms. Securities that
// carry a share count, zero included, are left alone.
func FillImpliedShares(cs []model.ConvertibleSecurity, exit decimal.Decimal, preMoneyShares int64, asOf time.Time) ([]model.ConvertibleSecurity, error) {
	out := make([]model.ConvertibleSecurity, len(cs))
	copy(out, cs)
	for i := range out {
		if out[i].ImpliedShares != nil {
			continue
		}
		p, err := Derive(TermsOf(out[i]), exit, preMoneyShares, asOf)
		if err != nil {
			return nil, fmt.Errorf("convertible %s: %w", out[i].ID, err)
		}
		out[i].Kind = p.Kind
		shares := p.ImpliedShares
		out[i].ImpliedShares = &shares
	}
	return out, nil
}

// ResolveMissing fills in implied shares for the securities recorded
// without them, converting into the pre-money equity given by holdings at
// the given exit. Nothing is derived when every security has a share count,
// when there is no exit or when there is no equity to convert into; such
// securities redeem at principal.
func ResolveMissing(cs []model.ConvertibleSecurity, holdings []model.Holding, exit decimal.Decimal, asOf time.Time) ([]model.ConvertibleSecurity, error) {
	missing := false
	for _, c := range cs {
		if c.ImpliedShares == nil {
			missing = true
			break
		}
	}
	if !missing || !exit.IsPositive() {
		return cs, nil
	}

	var preMoney int64
	for _, h := range holdings {
		preMoney += h.Shares
	}
	if preMoney <= 0 {
		return cs, nil
	}
	return FillImpliedShares(cs, exit, preMoney, asOf)
}
