package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capwater/waterfall-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	shareClasses map[string]model.ShareClass
	holdings     map[string]model.Holding
	convertibles map[string]model.ConvertibleSecurity
	scenarios    map[string]*model.Scenario
	payouts      map[string][]model.Payout // by scenario
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shareClasses: make(map[string]model.ShareClass),
		holdings:     make(map[string]model.Holding),
		convertibles: make(map[string]model.ConvertibleSecurity),
		scenarios:    make(map[string]*model.Scenario),
		payouts:      make(map[string][]model.Payout),
	}
}

func (s *MemoryStore) CreateShareClass(_ context.Context, sc *model.ShareClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shareClasses[sc.ID]; ok {
		return fmt.Errorf("%w: share class %s", ErrConflict, sc.ID)
	}
	s.shareClasses[sc.ID] = *sc
	return nil
}

func (s *MemoryStore) CreateHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.holdings[h.ID]; ok {
		return fmt.Errorf("%w: holding %s", ErrConflict, h.ID)
	}
	s.holdings[h.ID] = *h
	return nil
}

func (s *MemoryStore) CreateConvertible(_ context.Context, c *model.ConvertibleSecurity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convertibles[c.ID]; ok {
		return fmt.Errorf("%w: convertible %s", ErrConflict, c.ID)
	}
	s.convertibles[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetCapTable(_ context.Context, companyID string) (*model.CapTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ct := &model.CapTable{
		CompanyID:    companyID,
		ShareClasses: []model.ShareClass{},
		Holdings:     []model.Holding{},
		Convertibles: []model.ConvertibleSecurity{},
	}
	for _, sc := range s.shareClasses {
		if sc.CompanyID == companyID {
			ct.ShareClasses = append(ct.ShareClasses, sc)
		}
	}
	for _, h := range s.holdings {
		if h.CompanyID == companyID {
			ct.Holdings = append(ct.Holdings, h)
		}
	}
	for _, c := range s.convertibles {
		if c.CompanyID == companyID {
			ct.Convertibles = append(ct.Convertibles, c)
		}
	}

	// Map iteration is random; match the SQL stores' ORDER BY.
	sort.Slice(ct.ShareClasses, func(i, j int) bool {
		return before(ct.ShareClasses[i].CreatedAt, ct.ShareClasses[i].ID, ct.ShareClasses[j].CreatedAt, ct.ShareClasses[j].ID)
	})
	sort.Slice(ct.Holdings, func(i, j int) bool {
		return before(ct.Holdings[i].IssuedAt, ct.Holdings[i].ID, ct.Holdings[j].IssuedAt, ct.Holdings[j].ID)
	})
	sort.Slice(ct.Convertibles, func(i, j int) bool {
		return before(ct.Convertibles[i].IssuedAt, ct.Convertibles[i].ID, ct.Convertibles[j].IssuedAt, ct.Convertibles[j].ID)
	})
	return ct, nil
}

func before(ta time.Time, ida string, tb time.Time, idb string) bool {
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return ida < idb
}

func (s *MemoryStore) CreateScenario(_ context.Context, sc *model.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scenarios[sc.ID]; ok {
		return fmt.Errorf("%w: scenario %s", ErrConflict, sc.ID)
	}
	// Store a copy to avoid external mutation.
	copy := *sc
	s.scenarios[sc.ID] = &copy
	return nil
}

func (s *MemoryStore) GetScenario(_ context.Context, id string) (*model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("%w: scenario %s", ErrNotFound, id)
	}
	copy := *sc
	return &copy, nil
}

// ReplacePayouts swaps the whole payout set under the write lock, so readers
// see either the old set or the new one.
func (s *MemoryStore) ReplacePayouts(_ context.Context, scenarioID string, payouts []model.Payout, calculatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenarios[scenarioID]
	if !ok {
		return fmt.Errorf("%w: scenario %s", ErrNotFound, scenarioID)
	}

	next := make([]model.Payout, len(payouts))
	copy(next, payouts)
	s.payouts[scenarioID] = next

	at := calculatedAt
	sc.CalculatedAt = &at
	return nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, scenarioID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.scenarios[scenarioID]; !ok {
		return nil, fmt.Errorf("%w: scenario %s", ErrNotFound, scenarioID)
	}
	result := make([]model.Payout, len(s.payouts[scenarioID]))
	copy(result, s.payouts[scenarioID])
	return result, nil
}
