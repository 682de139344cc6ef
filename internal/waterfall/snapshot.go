package waterfall

import (
	"sort"

	"github.com/capwater/waterfall-engine/internal/model"
)

// HoldingKey identifies one allocation unit on the equity side.
type HoldingKey struct {
	InvestorID   string
	ShareClassID string
}

// Snapshot is the capitalization collapsed to one share total per
// (investor, share class). It is immutable once built.
type Snapshot struct {
	shares  map[HoldingKey]int64
	byClass map[string][]HoldingKey // investor-sorted
	total   int64
}

// NewSnapshot sums raw holdings per (investor, share class). The result does
// not depend on the order of the input.
func NewSnapshot(holdings []model.Holding) *Snapshot {
	s := &Snapshot{
		shares:  make(map[HoldingKey]int64),
		byClass: make(map[string][]HoldingKey),
	}
	for _, h := range holdings {
		k := HoldingKey{InvestorID: h.InvestorID, ShareClassID: h.ShareClassID}
		if _, seen := s.shares[k]; !seen {
			s.byClass[k.ShareClassID] = append(s.byClass[k.ShareClassID], k)
		}
		s.shares[k] += h.Shares
		s.total += h.Shares
	}
	for _, keys := range s.byClass {
		sort.Slice(keys, func(i, j int) bool { return keys[i].InvestorID < keys[j].InvestorID })
	}
	return s
}

// Shares returns the aggregate share count for k, or 0.
func (s *Snapshot) Shares(k HoldingKey) int64 {
	return s.shares[k]
}

// Holders returns the keys holding the given class, ordered by investor ID.
func (s *Snapshot) Holders(shareClassID string) []HoldingKey {
	return s.byClass[shareClassID]
}

// ClassShares sums the shares of one class.
func (s *Snapshot) ClassShares(shareClassID string) int64 {
	var n int64
	for _, k := range s.byClass[shareClassID] {
		n += s.shares[k]
	}
	return n
}

// TotalShares is the sum of every equity holding.
func (s *Snapshot) TotalShares() int64 {
	return s.total
}

// Len is the number of (investor, share class) pairs.
func (s *Snapshot) Len() int {
	return len(s.shares)
}
