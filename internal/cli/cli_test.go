package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const preferredAndCommon = `{
  "scenario": {"id": "s1", "name": "Sale", "exit_amount": "15000", "currency": "usd"},
  "cap_table": {
    "company_id": "co",
    "share_classes": [
      {"id": "pref", "name": "Series A", "original_issue_price": "1", "liquidation_preference_multiple": "1",
       "preferred": true, "participation_cap_multiple": null, "seniority_rank": 1},
      {"id": "common", "name": "Common", "original_issue_price": "0", "liquidation_preference_multiple": "0",
       "participation_cap_multiple": null}
    ],
    "holdings": [
      {"id": "h1", "investor_id": "fund", "share_class_id": "pref", "shares": 100},
      {"id": "h2", "investor_id": "founder", "share_class_id": "common", "shares": 100}
    ],
    "convertibles": []
  }
}`

const commonAndSAFE = `{
  "scenario": {"id": "s4", "exit_amount": "400", "currency": "USD"},
  "cap_table": {
    "share_classes": [
      {"id": "common", "name": "Common", "original_issue_price": "0", "liquidation_preference_multiple": "0",
       "participation_cap_multiple": null}
    ],
    "holdings": [{"id": "h1", "investor_id": "founder", "share_class_id": "common", "shares": 100}],
    "convertibles": [
      {"id": "safe", "investor_id": "angel", "kind": "SAFE", "principal_value": "100", "implied_shares": 100,
       "valuation_cap": null, "discount_rate": null, "interest_rate": null}
    ]
  }
}`

const omittedMultiple = `{
  "scenario": {"id": "s2", "exit_amount": "15000", "currency": "USD"},
  "cap_table": {
    "share_classes": [
      {"id": "pref", "name": "Series A", "original_issue_price": "1", "preferred": true, "seniority_rank": 1},
      {"id": "common", "name": "Common", "original_issue_price": "0"}
    ],
    "holdings": [
      {"id": "h1", "investor_id": "fund", "share_class_id": "pref", "shares": 100},
      {"id": "h2", "investor_id": "founder", "share_class_id": "common", "shares": 100}
    ]
  }
}`

const zeroImpliedShares = `{
  "scenario": {"id": "s5", "exit_amount": "400", "currency": "USD"},
  "cap_table": {
    "share_classes": [{"id": "common", "name": "Common", "original_issue_price": "0"}],
    "holdings": [{"id": "h1", "investor_id": "founder", "share_class_id": "common", "shares": 100}],
    "convertibles": [
      {"id": "a", "investor_id": "a", "principal_value": "100", "implied_shares": 100},
      {"id": "b", "investor_id": "b", "principal_value": "100", "implied_shares": 0, "valuation_cap": "200"}
    ]
  }
}`

// run parses args into cmd's flags and executes it.
func run(t *testing.T, cmd subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(f)
	require.NoError(t, f.Parse(args))
	return cmd.Execute(context.Background(), f)
}

func newCompute(input string) (*computeCmd, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return &computeCmd{stdin: strings.NewReader(input), stdout: &stdout, stderr: &stderr}, &stdout, &stderr
}

func TestCompute_JSON(t *testing.T) {
	cmd, stdout, stderr := newCompute(preferredAndCommon)
	require.Equal(t, subcommands.ExitSuccess, run(t, cmd), stderr.String())

	var out struct {
		Scenario struct {
			Currency string `json:"currency"`
		} `json:"scenario"`
		Payouts []struct {
			InvestorID  string `json:"investor_id"`
			ScenarioID  string `json:"scenario_id"`
			TotalAmount string `json:"total_amount"`
		} `json:"payouts"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))

	assert.Equal(t, "USD", out.Scenario.Currency)
	require.Len(t, out.Payouts, 2)
	assert.Equal(t, "fund", out.Payouts[0].InvestorID)
	assert.Equal(t, "10000", out.Payouts[0].TotalAmount)
	assert.Equal(t, "founder", out.Payouts[1].InvestorID)
	assert.Equal(t, "5000", out.Payouts[1].TotalAmount)
	assert.Equal(t, "s1", out.Payouts[1].ScenarioID)
}

func TestCompute_Query(t *testing.T) {
	cmd, stdout, stderr := newCompute(preferredAndCommon)
	status := run(t, cmd, "-query", `$.payouts[?(@.investor_id=="founder")].total_amount`)
	require.Equal(t, subcommands.ExitSuccess, status, stderr.String())
	assert.Equal(t, "5000\n", stdout.String())
}

func TestCompute_Funding(t *testing.T) {
	tests := []struct {
		funding string
		want    string
	}{
		{"from_proceeds", "200\n"},
		{"outside_waterfall", "400\n"},
	}
	for _, tt := range tests {
		t.Run(tt.funding, func(t *testing.T) {
			cmd, stdout, stderr := newCompute(commonAndSAFE)
			status := run(t, cmd, "-funding", tt.funding, "-query", "$.summary.equity_total")
			require.Equal(t, subcommands.ExitSuccess, status, stderr.String())
			assert.Equal(t, tt.want, stdout.String())
		})
	}
}

func TestCompute_OmittedMultipleDefaultsToOne(t *testing.T) {
	cmd, stdout, stderr := newCompute(omittedMultiple)
	status := run(t, cmd, "-query", "$.payouts[*].total_amount")
	require.Equal(t, subcommands.ExitSuccess, status, stderr.String())

	var totals []string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &totals))
	assert.Equal(t, []string{"10000", "5000"}, totals)
}

func TestCompute_KeepsZeroImpliedShares(t *testing.T) {
	cmd, stdout, stderr := newCompute(zeroImpliedShares)
	status := run(t, cmd, "-query", "$.payouts[*].total_amount")
	require.Equal(t, subcommands.ExitSuccess, status, stderr.String())

	var totals []string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &totals))
	// founder, then a converting at 2 per share, then b redeeming at principal.
	assert.Equal(t, []string{"100", "200", "100"}, totals)
}

func TestCompute_Markdown(t *testing.T) {
	cmd, stdout, stderr := newCompute(preferredAndCommon)
	require.Equal(t, subcommands.ExitSuccess, run(t, cmd, "-format", "markdown"), stderr.String())

	assert.Contains(t, stdout.String(), "# Sale\n")
	assert.Contains(t, stdout.String(), "| founder | Common | 100 | $0.00 | $0.00 | $50.00 | $50.00 |")
}

func TestCompute_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(preferredAndCommon), 0o600))

	cmd, stdout, stderr := newCompute("")
	status := run(t, cmd, "-f", path, "-query", "$.summary.equity_total")
	require.Equal(t, subcommands.ExitSuccess, status, stderr.String())
	assert.Equal(t, "15000\n", stdout.String())
}

func TestCompute_UsageErrors(t *testing.T) {
	tests := map[string][]string{
		"unknown format":    {"-format", "xml"},
		"unknown funding":   {"-funding", "sideways"},
		"unknown rounding":  {"-rounding", "banker"},
		"query on markdown": {"-format", "markdown", "-query", "$.summary"},
		"bad date":          {"-as-of", "yesterday"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			cmd, _, stderr := newCompute(preferredAndCommon)
			assert.Equal(t, subcommands.ExitUsageError, run(t, cmd, args...))
			assert.Contains(t, stderr.String(), "Error")
		})
	}
}

func TestCompute_Failures(t *testing.T) {
	tests := map[string]struct {
		input string
		want  string
	}{
		"malformed input": {`{"scenario": `, "Error reading input"},
		"unknown field":   {`{"scenario": {}, "extra": 1}`, "Error reading input"},
		"negative exit":   {`{"scenario": {"exit_amount": "-1"}, "cap_table": {}}`, "negative exit amount"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cmd, _, stderr := newCompute(tt.input)
			assert.Equal(t, subcommands.ExitFailure, run(t, cmd))
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestConvert(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := &convertCmd{stdout: &stdout, stderr: &stderr}
	status := run(t, cmd,
		"-principal", "100000",
		"-cap", "1000000",
		"-exit", "5000000",
		"-pre-money-shares", "1000",
	)
	require.Equal(t, subcommands.ExitSuccess, status, stderr.String())

	assert.Contains(t, stdout.String(), "Kind:                 SAFE\n")
	assert.Contains(t, stdout.String(), "Conversion valuation: $10,000.00\n")
	assert.Contains(t, stdout.String(), "Implied shares:       100\n")
}

func TestConvert_NoteJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := &convertCmd{stdout: &stdout, stderr: &stderr}
	status := run(t, cmd,
		"-principal", "100000",
		"-interest", "10",
		"-issued", "2024-01-01",
		"-as-of", "2024-12-31",
		"-exit", "5000000",
		"-pre-money-shares", "1000",
		"-json",
	)
	require.Equal(t, subcommands.ExitSuccess, status, stderr.String())

	var p struct {
		Kind          string `json:"kind"`
		Interest      string `json:"interest"`
		ImpliedShares int64  `json:"implied_shares"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &p))
	assert.Equal(t, "NOTE", p.Kind)
	// 365 days at 10% on 100000.
	assert.Equal(t, "10000", p.Interest)
	assert.Equal(t, int64(22), p.ImpliedShares)
}

func TestConvert_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want subcommands.ExitStatus
	}{
		{"missing principal", []string{"-exit", "1"}, subcommands.ExitUsageError},
		{"bad cap", []string{"-principal", "1", "-exit", "1", "-cap", "ten"}, subcommands.ExitUsageError},
		{"bad date", []string{"-principal", "1", "-exit", "1", "-issued", "soon"}, subcommands.ExitUsageError},
		{"no shares", []string{"-principal", "1", "-exit", "1"}, subcommands.ExitFailure},
		{"full discount", []string{"-principal", "1", "-exit", "1", "-pre-money-shares", "1", "-discount", "100"}, subcommands.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			cmd := &convertCmd{stdout: &stdout, stderr: &stderr}
			assert.Equal(t, tt.want, run(t, cmd, tt.args...))
			assert.NotEmpty(t, stderr.String())
		})
	}
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2025-02-03")
	require.NoError(t, err)
	assert.Equal(t, "2025-02-03T00:00:00Z", d.Format("2006-01-02T15:04:05Z07:00"))

	d, err = parseDate("2025-02-03T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 8, d.Hour())

	d, err = parseDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}
