package waterfall

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// --- Snapshot tests ---

func TestNewSnapshot_AggregatesPerInvestorAndClass(t *testing.T) {
	snap := NewSnapshot([]model.Holding{
		holding("b", "common", 10),
		holding("a", "common", 5),
		holding("a", "common", 7),
		holding("a", "A", 3),
	})

	if snap.Len() != 3 {
		t.Fatalf("expected 3 keys, got %d", snap.Len())
	}
	if got := snap.Shares(HoldingKey{InvestorID: "a", ShareClassID: "common"}); got != 12 {
		t.Errorf("expected 12 aggregated shares, got %d", got)
	}
	if got := snap.ClassShares("common"); got != 22 {
		t.Errorf("expected 22 common shares, got %d", got)
	}
	if got := snap.TotalShares(); got != 25 {
		t.Errorf("expected 25 total shares, got %d", got)
	}
	if got := snap.Shares(HoldingKey{InvestorID: "z", ShareClassID: "common"}); got != 0 {
		t.Errorf("expected 0 for unknown key, got %d", got)
	}
}

func TestNewSnapshot_HoldersSortedByInvestor(t *testing.T) {
	snap := NewSnapshot([]model.Holding{
		holding("carol", "common", 1),
		holding("alice", "common", 1),
		holding("bob", "common", 1),
	})

	holders := snap.Holders("common")
	want := []string{"alice", "bob", "carol"}
	for i, k := range holders {
		if k.InvestorID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], k.InvestorID)
		}
	}
	if len(snap.Holders("missing")) != 0 {
		t.Error("expected no holders for an unknown class")
	}
}

func TestNewSnapshot_ZeroShareHoldingStillKeyed(t *testing.T) {
	snap := NewSnapshot([]model.Holding{holding("a", "common", 0)})
	if snap.Len() != 1 {
		t.Errorf("expected zero-share holding to be present, got %d keys", snap.Len())
	}
}

// --- Seniority tests ---

func TestBySeniority_AscendingRankUnrankedLast(t *testing.T) {
	in := []model.ShareClass{
		{ID: "unranked1"},
		{ID: "r3", SeniorityRank: rank(3)},
		{ID: "r1", SeniorityRank: rank(1)},
		{ID: "unranked2"},
		{ID: "r2", SeniorityRank: rank(2)},
	}
	got := BySeniority(in)
	want := []string{"r1", "r2", "r3", "unranked1", "unranked2"}
	for i, sc := range got {
		if sc.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], sc.ID)
		}
	}
	if in[0].ID != "unranked1" {
		t.Error("BySeniority must not reorder its input")
	}
}

func TestBySeniority_TiesKeepInputOrder(t *testing.T) {
	got := BySeniority([]model.ShareClass{
		{ID: "first", SeniorityRank: rank(1)},
		{ID: "second", SeniorityRank: rank(1)},
		{ID: "third", SeniorityRank: rank(1)},
	})
	if got[0].ID != "first" || got[1].ID != "second" || got[2].ID != "third" {
		t.Errorf("expected stable order, got %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestBySeniority_LargeRankStillBeforeUnranked(t *testing.T) {
	got := BySeniority([]model.ShareClass{
		{ID: "unranked"},
		{ID: "huge", SeniorityRank: rank(1_000_000)},
	})
	if got[0].ID != "huge" {
		t.Errorf("ranked class should precede unranked, got %s first", got[0].ID)
	}
}

// --- Rounding tests ---

func TestRoundTotals_LargestRemainder(t *testing.T) {
	raw := []decimal.Decimal{d(10.6), d(20.3), d(30.1)}
	got := roundTotals(raw, RoundLargestRemainder)

	want := []float64{11, 20, 30}
	for i := range want {
		if !got[i].Equal(d(want[i])) {
			t.Errorf("index %d: expected %v, got %s", i, want[i], got[i])
		}
	}
}

func TestRoundTotals_TieGoesToEarlierRecord(t *testing.T) {
	raw := []decimal.Decimal{d(0.5), d(0.5)}
	got := roundTotals(raw, RoundLargestRemainder)
	if !got[0].Equal(d(1)) || !got[1].Equal(d(0)) {
		t.Errorf("expected [1 0], got [%s %s]", got[0], got[1])
	}
}

func TestRoundTotals_HalfUp(t *testing.T) {
	got := roundTotals([]decimal.Decimal{d(0.5), d(1.49), d(2.5)}, RoundHalfUp)
	want := []float64{1, 1, 3}
	for i := range want {
		if !got[i].Equal(d(want[i])) {
			t.Errorf("index %d: expected %v, got %s", i, want[i], got[i])
		}
	}
}

func TestRoundTotals_Empty(t *testing.T) {
	if got := roundTotals(nil, RoundLargestRemainder); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

// --- Funding ---

func TestParseFunding(t *testing.T) {
	if ParseFunding("outside_waterfall") != FundOutsideWaterfall {
		t.Error("expected outside_waterfall to parse")
	}
	if ParseFunding("from_proceeds") != FundFromProceeds {
		t.Error("expected from_proceeds to parse")
	}
	if ParseFunding("garbage") != FundFromProceeds {
		t.Error("expected unknown value to fall back to from_proceeds")
	}
}

func TestRoundingString(t *testing.T) {
	if RoundLargestRemainder.String() != "largest_remainder" {
		t.Errorf("got %q", RoundLargestRemainder.String())
	}
	if RoundHalfUp.String() != "half_up" {
		t.Errorf("got %q", RoundHalfUp.String())
	}
}
