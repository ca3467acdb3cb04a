package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetWithinTTL(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	c.Set("vrfs", "value-1", 0)
	got, ok := c.Get("vrfs")
	require.True(t, ok)
	assert.Equal(t, "value-1", got)
}

func TestExpiryIsLazy(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.SetClock(func() time.Time { return now })

	c.Set("segments", []int{1, 2, 3}, 30*time.Second)

	_, ok := c.Get("segments")
	assert.True(t, ok)

	// Advance past the TTL; the entry is treated as a miss on access
	now = now.Add(31 * time.Second)
	_, ok = c.Get("segments")
	assert.False(t, ok)
}

// Regression test: a key never seen before must be cacheable on first Set,
// not silently dropped for lack of pre-registration.
func TestSetUnseenKeyIsObservable(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	c.Set("vlans:site-a:dynamic", 42, 0)
	got, ok := c.Get("vlans:site-a:dynamic")
	require.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestInvalidateForcesMiss(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	c.Set("segments", "stale", 0)
	c.Invalidate("segments")

	_, ok := c.Get("segments")
	assert.False(t, ok)
}

func TestGetOrFetchCoalescesConcurrentMisses(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	var fetches int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&fetches, 1)
		<-release
		return "fetched", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), "vrfs", time.Minute, fetch)
		}(i)
	}

	// Let every caller reach the cache before the fetch resolves
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches), "expected exactly one underlying fetch")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fetched", results[i])
	}
}

func TestGetOrFetchFailureIsSharedAndNotCached(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	boom := errors.New("ipam unavailable")
	var fetches int64
	release := make(chan struct{})
	failing := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&fetches, 1)
		<-release
		return nil, boom
	}

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), "tenants", time.Minute, failing)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], boom)
	}

	// The failure must not have populated the entry
	_, ok := c.Get("tenants")
	assert.False(t, ok)

	// A later fetch runs again and can succeed
	got, err := c.GetOrFetch(context.Background(), "tenants", time.Minute, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestGetOrFetchHitSkipsFetch(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	c.Set("roles", "cached", 0)

	got, err := c.GetOrFetch(context.Background(), "roles", time.Minute, func(ctx context.Context) (interface{}, error) {
		t.Fatal("fetch must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", got)
}

func TestWaiterCancellation(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	release := make(chan struct{})
	go func() {
		_, _ = c.GetOrFetch(context.Background(), "slow", time.Minute, func(ctx context.Context) (interface{}, error) {
			<-release
			return "late", nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrFetch(ctx, "slow", time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	// The in-flight fetch still completes and populates the entry
	close(release)
	time.Sleep(20 * time.Millisecond)
	got, ok := c.Get("slow")
	require.True(t, ok)
	assert.Equal(t, "late", got)
}

func TestKeysSkipsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.SetClock(func() time.Time { return now })

	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)

	now = now.Add(10 * time.Second)
	assert.ElementsMatch(t, []string{"long"}, c.Keys())
}
