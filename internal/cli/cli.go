// Package cli implements the waterfall command line tool: offline
// calculations over a JSON cap table and convertible previews.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/capwater/waterfall-engine/internal/model"
)

// Commands lists every subcommand of the waterfall tool.
var Commands = []subcommands.Command{
	&computeCmd{},
	&convertCmd{},
}

// Input is the document the compute command reads: one scenario and the
// cap table it applies to.
type Input struct {
	Scenario model.Scenario `json:"scenario"`
	CapTable model.CapTable `json:"cap_table"`
}

// readInput decodes an Input from path, or from stdin when path is "-".
func readInput(path string, stdin io.Reader) (*Input, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var in Input
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &in, nil
}

// parseDate accepts 2006-01-02 or RFC 3339. "" is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
