package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capwater/waterfall-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateShareClass(ctx context.Context, sc *model.ShareClass) error {
	if err := s.primary.CreateShareClass(ctx, sc); err != nil {
		return err
	}
	s.rdb.Del(ctx, capTableKey(sc.CompanyID))
	return nil
}

func (s *CachedStore) CreateHolding(ctx context.Context, h *model.Holding) error {
	if err := s.primary.CreateHolding(ctx, h); err != nil {
		return err
	}
	s.rdb.Del(ctx, capTableKey(h.CompanyID))
	return nil
}

func (s *CachedStore) CreateConvertible(ctx context.Context, c *model.ConvertibleSecurity) error {
	if err := s.primary.CreateConvertible(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, capTableKey(c.CompanyID))
	return nil
}

func (s *CachedStore) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	if err := s.primary.CreateScenario(ctx, sc); err != nil {
		return err
	}
	if gen, ok := s.generation(ctx, sc.ID); ok {
		s.cache(ctx, scenarioKey(sc.ID, gen), sc)
	}
	return nil
}

// ReplacePayouts bumps the scenario's cache generation once the primary has
// committed. The payout set and the scenario (whose calculated_at changes)
// are cached per generation, so a reader that loaded the old set before the
// commit can only write it under a generation no later reader looks up.
func (s *CachedStore) ReplacePayouts(ctx context.Context, scenarioID string, payouts []model.Payout, calculatedAt time.Time) error {
	if err := s.primary.ReplacePayouts(ctx, scenarioID, payouts, calculatedAt); err != nil {
		return err
	}
	gen, err := s.rdb.Incr(ctx, generationKey(scenarioID)).Result()
	if err != nil {
		slog.Warn("cache generation bump failed", "scenario", scenarioID, "err", err)
		return nil
	}
	s.rdb.Del(ctx, payoutsKey(scenarioID, gen-1), scenarioKey(scenarioID, gen-1))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCapTable(ctx context.Context, companyID string) (*model.CapTable, error) {
	var ct model.CapTable
	if s.lookup(ctx, capTableKey(companyID), &ct) {
		return &ct, nil
	}

	fresh, err := s.primary.GetCapTable(ctx, companyID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, capTableKey(companyID), fresh)
	return fresh, nil
}

// GetScenario and ListPayouts read the generation before the primary, so
// whatever they cache is at least as new as that generation.

func (s *CachedStore) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	gen, ok := s.generation(ctx, id)
	if !ok {
		return s.primary.GetScenario(ctx, id)
	}
	var sc model.Scenario
	if s.lookup(ctx, scenarioKey(id, gen), &sc) {
		return &sc, nil
	}

	fresh, err := s.primary.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, scenarioKey(id, gen), fresh)
	return fresh, nil
}

func (s *CachedStore) ListPayouts(ctx context.Context, scenarioID string) ([]model.Payout, error) {
	gen, ok := s.generation(ctx, scenarioID)
	if !ok {
		return s.primary.ListPayouts(ctx, scenarioID)
	}
	var payouts []model.Payout
	if s.lookup(ctx, payoutsKey(scenarioID, gen), &payouts) {
		return payouts, nil
	}

	fresh, err := s.primary.ListPayouts(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, payoutsKey(scenarioID, gen), fresh)
	return fresh, nil
}

// --- Cache helpers ---

// generation returns the scenario's cache generation, 0 before its first
// replace. ok is false when Redis cannot answer; callers then bypass the
// cache.
func (s *CachedStore) generation(ctx context.Context, scenarioID string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(scenarioID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, true
	case err != nil:
		return 0, false
	}
	return gen, true
}

// lookup reports whether key was cached and decoded into dst. Redis errors
// count as a miss.
func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func capTableKey(companyID string) string    { return fmt.Sprintf("captable:%s", companyID) }
func generationKey(scenarioID string) string { return fmt.Sprintf("payouts-gen:%s", scenarioID) }

func scenarioKey(id string, gen int64) string {
	return fmt.Sprintf("scenario:%s:%d", id, gen)
}

func payoutsKey(scenarioID string, gen int64) string {
	return fmt.Sprintf("payouts:%s:%d", scenarioID, gen)
}
