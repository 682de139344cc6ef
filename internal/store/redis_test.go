package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capwater/waterfall-engine/internal/model"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := NewMemoryStore()
	return NewCachedStore(ms, rdb, time.Minute), ms
}

func TestCachedStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		cs, _ := newCachedStore(t)
		return cs
	})
}

func TestCachedStore_ServesCachedPayouts(t *testing.T) {
	cs, ms := newCachedStore(t)
	ctx := context.Background()
	require.NoError(t, cs.CreateScenario(ctx, &model.Scenario{ID: "s1", ExitAmount: d(100), Currency: "USD", CreatedAt: epoch}))
	require.NoError(t, cs.ReplacePayouts(ctx, "s1", []model.Payout{testPayout("p1", "alice", 100)}, epoch))

	got, err := cs.ListPayouts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Written behind the cache's back: the cached set is still served.
	require.NoError(t, ms.ReplacePayouts(ctx, "s1", []model.Payout{testPayout("p2", "bob", 100)}, epoch))
	got, err = cs.ListPayouts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got[0].ID)
}

func TestCachedStore_LateReaderCannotRestoreOldSet(t *testing.T) {
	cs, ms := newCachedStore(t)
	ctx := context.Background()
	require.NoError(t, cs.CreateScenario(ctx, &model.Scenario{ID: "s1", ExitAmount: d(100), Currency: "USD", CreatedAt: epoch}))
	require.NoError(t, cs.ReplacePayouts(ctx, "s1", []model.Payout{testPayout("old", "alice", 100)}, epoch))

	// A reader misses the cache and loads the current set from the primary...
	gen, ok := cs.generation(ctx, "s1")
	require.True(t, ok)
	loaded, err := ms.ListPayouts(ctx, "s1")
	require.NoError(t, err)

	// ...a recalculation commits...
	recalculated := epoch.Add(time.Hour)
	require.NoError(t, cs.ReplacePayouts(ctx, "s1", []model.Payout{testPayout("new", "bob", 100)}, recalculated))

	// ...and only then does the reader fill the cache.
	cs.cache(ctx, payoutsKey("s1", gen), loaded)

	got, err := cs.ListPayouts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)

	sc, err := cs.GetScenario(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sc.CalculatedAt)
	assert.True(t, sc.CalculatedAt.Equal(recalculated))
}

func TestCachedStore_BypassesUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { rdb.Close() })
	cs := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, cs.CreateScenario(ctx, &model.Scenario{ID: "s1", ExitAmount: d(100), Currency: "USD", CreatedAt: epoch}))
	require.NoError(t, cs.ReplacePayouts(ctx, "s1", []model.Payout{testPayout("p1", "alice", 100)}, epoch))

	got, err := cs.ListPayouts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}
