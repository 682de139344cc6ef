package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/convertible"
	"github.com/capwater/waterfall-engine/internal/report"
)

type convertCmd struct {
	kind      string
	principal string
	cap       string
	discount  string
	interest  string
	issued    string
	maturity  string
	asOf      string
	exit      string
	preMoney  int64
	currency  string
	asJSON    bool
	stdout    io.Writer
	stderr    io.Writer
}

func (*convertCmd) Name() string     { return "convert" }
func (*convertCmd) Synopsis() string { return "preview the shares a SAFE or note converts into" }
func (*convertCmd) Usage() string {
	return `convert -principal <minor units> -exit <minor units> -pre-money-shares <n> [-cap <minor units>] [-discount <percent>] [-interest <percent> -issued <date>]

  Derives the conversion valuation, accrued interest and implied shares of a
  convertible instrument at the given exit:
    valuation = min(cap, exit × (100 − discount)/100)
    shares    = floor((principal + interest) × pre-money shares / valuation)
  Notes accrue simple interest from -issued to -as-of (default today),
  stopping at -maturity.
`
}

func (c *convertCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "", "Instrument kind: SAFE or NOTE (NOTE implied by -interest)")
	f.StringVar(&c.principal, "principal", "", "Principal in minor units (required)")
	f.StringVar(&c.cap, "cap", "", "Valuation cap in minor units")
	f.StringVar(&c.discount, "discount", "", "Discount rate in percent, e.g. 20")
	f.StringVar(&c.interest, "interest", "", "Annual simple interest rate in percent, e.g. 8")
	f.StringVar(&c.issued, "issued", "", "Issue date (YYYY-MM-DD)")
	f.StringVar(&c.maturity, "maturity", "", "Maturity date (YYYY-MM-DD)")
	f.StringVar(&c.asOf, "as-of", "", "Conversion date (YYYY-MM-DD), default today")
	f.StringVar(&c.exit, "exit", "", "Exit amount in minor units (required)")
	f.Int64Var(&c.preMoney, "pre-money-shares", 0, "Pre-money share count (required)")
	f.StringVar(&c.currency, "currency", "USD", "Currency for display")
	f.BoolVar(&c.asJSON, "json", false, "Print the preview as JSON")
}

func (c *convertCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	stdout, stderr := c.stdout, c.stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	terms, exit, asOf, err := c.parse()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return subcommands.ExitUsageError
	}

	p, err := convertible.Derive(terms, exit, c.preMoney, asOf)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return subcommands.ExitFailure
	}

	if c.asJSON {
		err = writeJSON(stdout, p)
	} else {
		err = c.print(stdout, p)
	}
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *convertCmd) parse() (convertible.Terms, decimal.Decimal, time.Time, error) {
	var t convertible.Terms
	if c.principal == "" || c.exit == "" {
		return t, decimal.Zero, time.Time{}, fmt.Errorf("-principal and -exit are required")
	}

	principal, err := decimal.NewFromString(c.principal)
	if err != nil {
		return t, decimal.Zero, time.Time{}, fmt.Errorf("invalid -principal: %w", err)
	}
	exit, err := decimal.NewFromString(c.exit)
	if err != nil {
		return t, decimal.Zero, time.Time{}, fmt.Errorf("invalid -exit: %w", err)
	}

	t.Kind = c.kind
	t.Principal = principal
	for _, opt := range []struct {
		flag string
		val  string
		dst  *decimal.NullDecimal
	}{
		{"-cap", c.cap, &t.ValuationCap},
		{"-discount", c.discount, &t.DiscountPercent},
		{"-interest", c.interest, &t.InterestPercent},
	} {
		if opt.val == "" {
			continue
		}
		v, err := decimal.NewFromString(opt.val)
		if err != nil {
			return t, decimal.Zero, time.Time{}, fmt.Errorf("invalid %s: %w", opt.flag, err)
		}
		*opt.dst = decimal.NewNullDecimal(v)
	}
	if t.InterestPercent.Valid {
		t.Kind = convertible.KindNote
	}

	if t.IssuedAt, err = parseDate(c.issued); err != nil {
		return t, decimal.Zero, time.Time{}, err
	}
	maturity, err := parseDate(c.maturity)
	if err != nil {
		return t, decimal.Zero, time.Time{}, err
	}
	if !maturity.IsZero() {
		t.MaturityDate = &maturity
	}
	asOf, err := parseDate(c.asOf)
	if err != nil {
		return t, decimal.Zero, time.Time{}, err
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC().Truncate(24 * time.Hour)
	}
	return t, exit, asOf, nil
}

func (c *convertCmd) print(w io.Writer, p *convertible.Preview) error {
	_, err := fmt.Fprintf(w,
		"Kind:                 %s\n"+
			"Conversion valuation: %s\n"+
			"Accrued interest:     %s\n"+
			"Amount to convert:    %s\n"+
			"Price per share:      %s\n"+
			"Implied shares:       %d\n",
		p.Kind,
		report.FormatMoney(p.ConversionValuation, c.currency),
		report.FormatMoney(p.Interest, c.currency),
		report.FormatMoney(p.AmountToConvert, c.currency),
		report.PerShare(p.PricePerShare, c.currency),
		p.ImpliedShares,
	)
	return err
}
