package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/database/testutil"
	"github.com/charlesng35/otpguard/internal/models"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*DatabaseStore, *fakeClock) {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewDatabaseStore(db, WithClock(clock.Now)), clock
}

func TestIncrementWithTTLFixedWindow(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	count, ttl, err := store.IncrementWithTTL(ctx, "rl:1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, time.Minute, ttl)

	clock.Advance(20 * time.Second)
	count, ttl, err = store.IncrementWithTTL(ctx, "rl:1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
	require.Equal(t, 40*time.Second, ttl)

	clock.Advance(41 * time.Second)
	count, ttl, err = store.IncrementWithTTL(ctx, "rl:1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, time.Minute, ttl)
}

func TestIncrementWithTTLCountsOnCounterCreatedConcurrently(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	// Insert the counter right after the first lookup misses, as a parallel
	// first request would.
	injected := false
	require.NoError(t, store.db.Callback().Query().After("gorm:query").Register("test:insert_counter", func(tx *gorm.DB) {
		if injected || tx.Statement.Table != "cache_entries" || !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return
		}
		injected = true
		entry := models.CacheEntry{Key: "rl:race", Value: []byte("1"), ExpiresAt: clock.Now().Add(time.Minute)}
		require.NoError(t, tx.Session(&gorm.Session{NewDB: true}).Create(&entry).Error)
	}))

	count, ttl, err := store.IncrementWithTTL(ctx, "rl:race", time.Minute)
	require.NoError(t, err)
	require.True(t, injected)
	require.EqualValues(t, 2, count)
	require.Equal(t, time.Minute, ttl)
}

func TestIncrementWithTTLConcurrentFirstRequests(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	counts := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], _, errs[i] = store.IncrementWithTTL(ctx, "rl:burst", time.Minute)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Slice(counts, func(a, b int) bool { return counts[a] < counts[b] })
	for i, c := range counts {
		require.EqualValues(t, i+1, c)
	}
}

func TestSetGetDelete(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, store.Set(ctx, "k", []byte("v2"), time.Minute))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), value)

	clock.Advance(2 * time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "forever", []byte("x"), 0))
	clock.Advance(24 * time.Hour)
	_, ok, err = store.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Delete(ctx, "forever"))
	_, ok, err = store.Get(ctx, "forever")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, store.Delete(ctx))
}

func TestPurgeExpired(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "long", []byte("1"), time.Hour))
	require.NoError(t, store.Set(ctx, "forever", []byte("1"), 0))

	clock.Advance(5 * time.Minute)
	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, ok, err := store.Get(ctx, "long")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNilStore(t *testing.T) {
	require.Nil(t, NewDatabaseStore(nil))

	var store *DatabaseStore
	_, _, err := store.IncrementWithTTL(context.Background(), "k", time.Second)
	require.Error(t, err)
	_, err = store.PurgeExpired(context.Background())
	require.Error(t, err)
}
