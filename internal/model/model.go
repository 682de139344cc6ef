// Package model defines the core domain types shared across the waterfall engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SecurityType distinguishes equity payouts from convertible payouts.
type SecurityType string

const (
	SecurityEquity      SecurityType = "equity"
	SecurityConvertible SecurityType = "convertible"
)

// ShareClass carries the liquidation terms of one class of stock.
// OriginalIssuePrice is in currency major units per share (e.g. dollars);
// the engine converts it to minor units using the scenario currency.
type ShareClass struct {
	ID                            string              `json:"id" db:"id"`
	CompanyID                     string              `json:"company_id" db:"company_id"`
	Name                          string              `json:"name" db:"name"`
	OriginalIssuePrice            decimal.Decimal     `json:"original_issue_price" db:"original_issue_price"`
	LiquidationPreferenceMultiple decimal.Decimal     `json:"liquidation_preference_multiple" db:"liquidation_preference_multiple"`
	Preferred                     bool                `json:"preferred" db:"preferred"`
	Participating                 bool                `json:"participating" db:"participating"`
	ParticipationCapMultiple      decimal.NullDecimal `json:"participation_cap_multiple" db:"participation_cap_multiple"` // only meaningful when Participating
	SeniorityRank                 *int                `json:"seniority_rank,omitempty" db:"seniority_rank"`               // nil = least senior
	CreatedAt                     time.Time           `json:"created_at" db:"created_at"`
}

// DefaultPreferenceMultiple applies when a share class is recorded without a
// liquidation preference multiple.
var DefaultPreferenceMultiple = decimal.NewFromInt(1)

// UnmarshalJSON decodes a share class, defaulting an absent or null
// liquidation_preference_multiple to DefaultPreferenceMultiple.
func (sc *ShareClass) UnmarshalJSON(data []byte) error {
	type plain ShareClass
	aux := struct {
		*plain
		Multiple decimal.NullDecimal `json:"liquidation_preference_multiple"`
	}{plain: (*plain)(sc)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	sc.LiquidationPreferenceMultiple = DefaultPreferenceMultiple
	if aux.Multiple.Valid {
		sc.LiquidationPreferenceMultiple = aux.Multiple.Decimal
	}
	return nil
}

// Capped reports whether the class participates up to a cap multiple.
func (sc ShareClass) Capped() bool {
	return sc.Preferred && sc.Participating && sc.ParticipationCapMultiple.Valid
}

// Holding is a single share certificate. Several holdings for the same
// investor and class are summed before allocation.
type Holding struct {
	ID           string    `json:"id" db:"id"`
	CompanyID    string    `json:"company_id" db:"company_id"`
	InvestorID   string    `json:"investor_id" db:"investor_id"`
	ShareClassID string    `json:"share_class_id" db:"share_class_id"`
	Shares       int64     `json:"shares" db:"shares"`
	IssuedAt     time.Time `json:"issued_at" db:"issued_at"`
}

// ConvertibleSecurity is a SAFE or convertible note. PrincipalValue and
// ValuationCap are in minor units; rates are percentages (20 = 20%).
// ImpliedShares is normally supplied by the caller; nil means it was not
// supplied and is derived from the terms fields. Zero is a valid count.
type ConvertibleSecurity struct {
	ID             string              `json:"id" db:"id"`
	CompanyID      string              `json:"company_id" db:"company_id"`
	InvestorID     string              `json:"investor_id" db:"investor_id"`
	Kind           string              `json:"kind" db:"kind"` // "SAFE" or "NOTE"
	PrincipalValue decimal.Decimal     `json:"principal_value" db:"principal_value"`
	ImpliedShares  *int64              `json:"implied_shares" db:"implied_shares"`
	ValuationCap   decimal.NullDecimal `json:"valuation_cap" db:"valuation_cap"`
	DiscountRate   decimal.NullDecimal `json:"discount_rate" db:"discount_rate"`
	InterestRate   decimal.NullDecimal `json:"interest_rate" db:"interest_rate"`
	IssuedAt       time.Time           `json:"issued_at" db:"issued_at"`
	MaturityDate   *time.Time          `json:"maturity_date,omitempty" db:"maturity_date"`
}

// ImpliedShareCount returns the implied share count, 0 when none is known.
func (c ConvertibleSecurity) ImpliedShareCount() int64 {
	if c.ImpliedShares == nil {
		return 0
	}
	return *c.ImpliedShares
}

// CapTable is the read-only snapshot of a company's capitalization that a
// calculation consumes.
type CapTable struct {
	CompanyID    string                `json:"company_id"`
	ShareClasses []ShareClass          `json:"share_classes"`
	Holdings     []Holding             `json:"holdings"`
	Convertibles []ConvertibleSecurity `json:"convertibles"`
}

// Scenario is a hypothetical exit. ExitAmount is in minor units.
type Scenario struct {
	ID           string          `json:"id" db:"id"`
	CompanyID    string          `json:"company_id" db:"company_id"`
	Name         string          `json:"name" db:"name"`
	ExitAmount   decimal.Decimal `json:"exit_amount" db:"exit_amount"`
	Currency     string          `json:"currency" db:"currency"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CalculatedAt *time.Time      `json:"calculated_at,omitempty" db:"calculated_at"`
}

// Payout is one allocation unit of a calculation: an (investor, share class)
// pair for equity, or one convertible security.
// TotalAmount is rounded to whole minor units; the component amounts are not.
// Under largest-remainder rounding an equity TotalAmount may be one minor unit
// away from round(Preference+Participation+Common), so that the rounded
// equity totals still add up to the rounded amount distributed.
type Payout struct {
	ID                  string          `json:"id" db:"id"`
	ScenarioID          string          `json:"scenario_id" db:"scenario_id"`
	InvestorID          string          `json:"investor_id" db:"investor_id"`
	ShareClassID        string          `json:"share_class_id,omitempty" db:"share_class_id"`
	ShareClassName      string          `json:"share_class_name,omitempty" db:"share_class_name"`
	ConvertibleID       string          `json:"convertible_id,omitempty" db:"convertible_id"`
	SecurityType        SecurityType    `json:"security_type" db:"security_type"`
	Shares              int64           `json:"shares" db:"shares"`
	PreferenceAmount    decimal.Decimal `json:"preference_amount" db:"preference_amount"`
	ParticipationAmount decimal.Decimal `json:"participation_amount" db:"participation_amount"`
	CommonAmount        decimal.Decimal `json:"common_amount" db:"common_amount"`
	PrincipalAmount     decimal.Decimal `json:"principal_amount" db:"principal_amount"`
	ConversionValue     decimal.Decimal `json:"conversion_value" db:"conversion_value"`
	Converted           bool            `json:"converted" db:"converted"`
	TotalAmount         decimal.Decimal `json:"total_amount" db:"total_amount"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// Summary aggregates a calculation for reporting.
type Summary struct {
	ExitAmount         decimal.Decimal `json:"exit_amount"`
	EquityProceeds     decimal.Decimal `json:"equity_proceeds"` // amount the equity waterfall distributed from
	PreferenceTotal    decimal.Decimal `json:"preference_total"`
	ParticipationTotal decimal.Decimal `json:"participation_total"`
	CommonTotal        decimal.Decimal `json:"common_total"`
	EquityTotal        decimal.Decimal `json:"equity_total"`      // Σ rounded equity payouts
	ConvertibleTotal   decimal.Decimal `json:"convertible_total"` // Σ rounded convertible payouts
	Unallocated        decimal.Decimal `json:"unallocated"`
	PerShareCommon     decimal.Decimal `json:"per_share_common"`
	ConversionPrice    decimal.Decimal `json:"conversion_price"` // fully-diluted exit price per share
}
