package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/subcommands"

	"github.com/capwater/waterfall-engine/internal/convertible"
	"github.com/capwater/waterfall-engine/internal/model"
	"github.com/capwater/waterfall-engine/internal/report"
	"github.com/capwater/waterfall-engine/internal/waterfall"
)

type computeCmd struct {
	file        string
	format      string
	query       string
	funding     string
	rounding    string
	noRedistrib bool
	asOf        string
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
}

func (*computeCmd) Name() string     { return "compute" }
func (*computeCmd) Synopsis() string { return "allocate an exit amount across a cap table" }
func (*computeCmd) Usage() string {
	return `compute [-f <file>] [-format json|markdown] [-query <jsonpath>] [-funding from_proceeds|outside_waterfall]

  Reads a JSON document {"scenario": {...}, "cap_table": {...}} and prints the
  payouts and summary of the liquidation waterfall. Amounts are in currency
  minor units. Convertibles without implied_shares have them derived from
  their terms as of -as-of (default: the scenario's created_at, else today).

  -query applies a JSONPath expression to the JSON output, e.g.
  '$.payouts[?(@.investor_id=="founder")].total_amount'.
`
}

func (c *computeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "f", "-", "Input file, - for stdin")
	f.StringVar(&c.format, "format", "json", "Output format: json or markdown")
	f.StringVar(&c.query, "query", "", "JSONPath expression applied to the JSON output")
	f.StringVar(&c.funding, "funding", waterfall.FundFromProceeds.String(), "Convertible funding: from_proceeds or outside_waterfall")
	f.StringVar(&c.rounding, "rounding", waterfall.RoundLargestRemainder.String(), "Rounding: largest_remainder or half_up")
	f.BoolVar(&c.noRedistrib, "no-redistribute", false, "Do not redistribute the excess of capped participation")
	f.StringVar(&c.asOf, "as-of", "", "Date for note interest accrual (YYYY-MM-DD)")
}

// output is what compute prints in JSON form.
type output struct {
	Scenario model.Scenario `json:"scenario"`
	Payouts  []model.Payout `json:"payouts"`
	Summary  model.Summary  `json:"summary"`
}

func (c *computeCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	stdin, stdout, stderr := c.streams()

	opts, err := c.options()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	if c.format != "json" && c.format != "markdown" {
		fmt.Fprintf(stderr, "Error: unknown format %q\n", c.format)
		return subcommands.ExitUsageError
	}
	if c.query != "" && c.format != "json" {
		fmt.Fprintln(stderr, "Error: -query requires -format json")
		return subcommands.ExitUsageError
	}
	asOf, err := parseDate(c.asOf)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return subcommands.ExitUsageError
	}

	in, err := readInput(c.file, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading input: %v\n", err)
		return subcommands.ExitFailure
	}

	out, err := compute(in, opts, asOf)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	switch {
	case c.format == "markdown":
		err = report.Markdown(stdout, report.Report{Scenario: out.Scenario, Payouts: out.Payouts, Summary: out.Summary})
	case c.query != "":
		err = printQuery(stdout, c.query, out)
	default:
		err = writeJSON(stdout, out)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *computeCmd) streams() (io.Reader, io.Writer, io.Writer) {
	stdin, stdout, stderr := c.stdin, c.stdout, c.stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdin, stdout, stderr
}

func (c *computeCmd) options() (waterfall.Options, error) {
	opts := waterfall.DefaultOptions()
	switch c.funding {
	case waterfall.FundFromProceeds.String(), waterfall.FundOutsideWaterfall.String():
		opts.Funding = waterfall.ParseFunding(c.funding)
	default:
		return opts, fmt.Errorf("unknown funding %q", c.funding)
	}
	switch c.rounding {
	case waterfall.RoundLargestRemainder.String():
		opts.Rounding = waterfall.RoundLargestRemainder
	case waterfall.RoundHalfUp.String():
		opts.Rounding = waterfall.RoundHalfUp
	default:
		return opts, fmt.Errorf("unknown rounding %q", c.rounding)
	}
	opts.RedistributeCapExcess = !c.noRedistrib
	return opts, nil
}

// compute runs the engine over a decoded input file.
func compute(in *Input, opts waterfall.Options, asOf time.Time) (*output, error) {
	sc := in.Scenario
	sc.Currency = strings.ToUpper(sc.Currency)
	if asOf.IsZero() {
		asOf = sc.CreatedAt
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC().Truncate(24 * time.Hour)
	}

	wi := waterfall.InputFor(sc, in.CapTable)
	cs, err := convertible.ResolveMissing(wi.Convertibles, wi.Holdings, wi.ExitAmount, asOf)
	if err != nil {
		return nil, err
	}
	wi.Convertibles = cs

	res, err := waterfall.New(opts).Compute(wi)
	if err != nil {
		return nil, err
	}
	for i := range res.Payouts {
		res.Payouts[i].ScenarioID = sc.ID
	}
	return &output{Scenario: sc, Payouts: res.Payouts, Summary: res.Summary}, nil
}

// printQuery evaluates a JSONPath expression over the JSON form of out.
// String results print bare; everything else prints as JSON.
func printQuery(w io.Writer, query string, out *output) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	val, err := jsonpath.Get(query, doc)
	if err != nil {
		return fmt.Errorf("query %q: %w", query, err)
	}
	// Filters always yield a list; a single match prints as its value.
	if list, ok := val.([]any); ok && len(list) == 1 {
		val = list[0]
	}
	if s, ok := val.(string); ok {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	return writeJSON(w, val)
}
