package waterfall

import (
	"errors"
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is the umbrella for every input rejection. All of the
	// more specific errors below match it with errors.Is.
	ErrInvalidInput = errors.New("waterfall: invalid input")

	ErrNegativeExitAmount  = fmt.Errorf("%w: negative exit amount", ErrInvalidInput)
	ErrNegativeShares      = fmt.Errorf("%w: negative share count", ErrInvalidInput)
	ErrNegativePrice       = fmt.Errorf("%w: negative issue price", ErrInvalidInput)
	ErrNegativeMultiple    = fmt.Errorf("%w: negative liquidation preference multiple", ErrInvalidInput)
	ErrInvalidCapMultiple  = fmt.Errorf("%w: participation cap multiple must be positive", ErrInvalidInput)
	ErrUnknownShareClass   = fmt.Errorf("%w: holding references unknown share class", ErrInvalidInput)
	ErrDuplicateShareClass = fmt.Errorf("%w: duplicate share class id", ErrInvalidInput)
	ErrNegativePrincipal   = fmt.Errorf("%w: negative convertible principal", ErrInvalidInput)
	ErrUnknownCurrency     = fmt.Errorf("%w: unknown currency", ErrInvalidInput)
)

// ValidationError names the record that failed validation.
type ValidationError struct {
	Kind string // "share_class", "holding", "convertible", "scenario"
	ID   string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(kind, id string, err error) error {
	return &ValidationError{Kind: kind, ID: id, Err: err}
}

// Validate rejects inputs the waterfall cannot allocate. Nothing is computed
// when it returns an error.
func Validate(in Input) error {
	if in.ExitAmount.IsNegative() {
		return invalid("scenario", "", ErrNegativeExitAmount)
	}
	if _, err := minorUnitFactor(in.Currency); err != nil {
		return invalid("scenario", in.Currency, err)
	}

	classes := make(map[string]bool, len(in.ShareClasses))
	for _, sc := range in.ShareClasses {
		if classes[sc.ID] {
			return invalid("share_class", sc.ID, ErrDuplicateShareClass)
		}
		classes[sc.ID] = true

		if sc.OriginalIssuePrice.IsNegative() {
			return invalid("share_class", sc.ID, ErrNegativePrice)
		}
		if sc.LiquidationPreferenceMultiple.IsNegative() {
			return invalid("share_class", sc.ID, ErrNegativeMultiple)
		}
		if sc.ParticipationCapMultiple.Valid && !sc.ParticipationCapMultiple.Decimal.IsPositive() {
			return invalid("share_class", sc.ID, ErrInvalidCapMultiple)
		}
	}

	for _, h := range in.Holdings {
		if h.Shares < 0 {
			return invalid("holding", h.ID, ErrNegativeShares)
		}
		if !classes[h.ShareClassID] {
			return invalid("holding", h.ID, fmt.Errorf("%w: %s", ErrUnknownShareClass, h.ShareClassID))
		}
	}

	for _, c := range in.Convertibles {
		if c.PrincipalValue.IsNegative() {
			return invalid("convertible", c.ID, ErrNegativePrincipal)
		}
		if c.ImpliedShareCount() < 0 {
			return invalid("convertible", c.ID, ErrNegativeShares)
		}
	}
	return nil
}

// minorUnitFactor returns 10^fraction for the currency, e.g. 100 for USD.
// An empty code means DefaultCurrency.
func minorUnitFactor(code string) (decimal.Decimal, error) {
	if code == "" {
		code = DefaultCurrency
	}
	cur := money.GetCurrency(code)
	if cur == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return decimal.New(1, int32(cur.Fraction)), nil
}
