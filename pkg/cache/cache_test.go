/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of flowcache.
 *
 * flowcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * flowcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cache

import (
	"context"
	"errors"
	"github.com/Vizaxe/flowcache/pkg/cache_backend"
	"github.com/Vizaxe/flowcache/pkg/cache_backend/memory_cache_backend"
	"github.com/Vizaxe/flowcache/pkg/cache_backend/redis_cache_backend"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type backendFactory func(t *testing.T) cache_backend.Backend[string]

var backends = map[string]backendFactory{
	"memory": func(t *testing.T) cache_backend.Backend[string] {
		return memory_cache_backend.NewMemoryCache[string](memory_cache_backend.MemoryCacheOpts{})
	},
	"redis": func(t *testing.T) cache_backend.Backend[string] {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		b, err := redis_cache_backend.NewRedisCache[string](redis_cache_backend.RedisCacheOpts{
			Client:       client,
			ClientCloser: client,
			HashName:     "ssDocuments",
		})
		require.NoError(t, err)
		return b
	},
}

// forEachBackend runs f once per backend implementation.
func forEachBackend(t *testing.T, f func(t *testing.T, c *Cache[string], clock *fakeClock)) {
	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			c, err := New[string](newBackend(t), Opts{Name: "documents", Clock: clock.Now, DefaultTTL: 4 * time.Minute})
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			f(t, c, clock)
		})
	}
}

func TestNew_InvalidArgs(t *testing.T) {
	_, err := New[string](nil, Opts{Name: "x"})
	require.Error(t, err)
	_, err = New[string](memory_cache_backend.NewMemoryCache[string](memory_cache_backend.MemoryCacheOpts{}), Opts{})
	require.Error(t, err)
}

func TestCache_PutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "A", "doc1", "", time.Second))

		v, ok, err := c.Get(ctx, "A", "")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "doc1", v)
	})
}

func TestCache_OwnerScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "A", "doc1", "u1", 1000*time.Millisecond))

		clock.Advance(500 * time.Millisecond)
		v, ok, err := c.Get(ctx, "A", "u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "doc1", v)

		v, ok, err = c.Get(ctx, "A", "u2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)

		// Owner ids are case sensitive.
		_, ok, _ = c.Get(ctx, "A", "U1")
		assert.False(t, ok)

		clock.Advance(time.Second)
		_, ok, err = c.Get(ctx, "A", "u1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_OwnerRules(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "owned", "v", "u1", time.Minute))
		require.NoError(t, c.Put(ctx, "public", "v", "", time.Minute))

		tests := []struct {
			name  string
			id    string
			owner string
			want  bool
		}{
			{"owned match", "owned", "u1", true},
			{"owned mismatch", "owned", "u2", false},
			{"owned no filter", "owned", "", true},
			{"public any owner", "public", "u2", true},
			{"public no filter", "public", "", true},
			{"missing", "missing", "u1", false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, ok, err := c.Get(ctx, tt.id, tt.owner)
				require.NoError(t, err)
				assert.Equal(t, tt.want, ok)
			})
		}
	})
}

func TestCache_LazyExpiration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "A", "doc1", "", time.Second))
		clock.Advance(time.Second + time.Millisecond)

		_, ok, err := c.Get(ctx, "A", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_DefaultTTLAndNoExpiration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "default", "v", "", 0))
		require.NoError(t, c.Put(ctx, "forever", "v", "", NoExpiration))

		clock.Advance(4*time.Minute - time.Second)
		_, ok, _ := c.Get(ctx, "default", "")
		assert.True(t, ok)

		clock.Advance(2 * time.Second)
		_, ok, _ = c.Get(ctx, "default", "")
		assert.False(t, ok)

		clock.Advance(24 * time.Hour)
		n, err := c.ClearExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		_, ok, _ = c.Get(ctx, "forever", "")
		assert.True(t, ok)
	})
}

func TestCache_ClearExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "short1", "v", "", time.Second))
		require.NoError(t, c.Put(ctx, "short2", "v", "u1", time.Second))
		require.NoError(t, c.Put(ctx, "long", "v", "u1", time.Hour))

		clock.Advance(time.Minute)
		n, err := c.ClearExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		size, err := c.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, size)

		_, ok, _ := c.Get(ctx, "long", "u1")
		assert.True(t, ok)
		_, ok, _ = c.Get(ctx, "short1", "")
		assert.False(t, ok)

		// Idempotent.
		n, err = c.ClearExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		size, _ = c.Len(ctx)
		assert.Equal(t, 1, size)
	})
}

func TestCache_Remove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "A", "v", "", NoExpiration))
		require.NoError(t, c.Remove(ctx, "A"))
		require.NoError(t, c.Remove(ctx, "A"))
		require.NoError(t, c.Remove(ctx, ""))

		_, ok, err := c.Get(ctx, "A", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_Overwrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "A", "old", "u1", time.Second))
		require.NoError(t, c.Put(ctx, "A", "new", "u2", time.Hour))

		clock.Advance(time.Minute)
		n, err := c.ClearExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		v, ok, _ := c.Get(ctx, "A", "u2")
		assert.True(t, ok)
		assert.Equal(t, "new", v)
		_, ok, _ = c.Get(ctx, "A", "u1")
		assert.False(t, ok)
	})
}

func TestCache_Take(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "A", "state", "u1", time.Minute))

		_, ok, err := c.Take(ctx, "A", "u2")
		require.NoError(t, err)
		assert.False(t, ok)

		v, ok, err := c.Take(ctx, "A", "u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "state", v)

		_, ok, _ = c.Take(ctx, "A", "u1")
		assert.False(t, ok)
	})
}

func TestCache_ConcurrentTake(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "A", "state", "u1", time.Minute))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			hits int
		)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := c.Take(ctx, "A", "u1")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					hits++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, hits)
		assert.Equal(t, float64(1), testutil.ToFloat64(c.m.hitTotal))
		assert.Equal(t, float64(1), testutil.ToFloat64(c.m.removedTotal))
	})
}

func TestCache_InvalidID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache[string], clock *fakeClock) {
		ctx := context.Background()
		assert.ErrorIs(t, c.Put(ctx, "", "v", "", time.Minute), ErrInvalidID)
		_, ok, err := c.Get(ctx, "", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_BackendUnavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	b, err := redis_cache_backend.NewRedisCache[string](redis_cache_backend.RedisCacheOpts{
		Client:        client,
		ClientCloser:  client,
		ClientTimeout: 200 * time.Millisecond,
		HashName:      "ssSignatureState",
	})
	require.NoError(t, err)
	c, err := New[string](b, Opts{Name: "state"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(ctx, "A", "v", "", time.Minute))
	mr.Close()

	_, ok, err := c.Get(ctx, "A", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, cache_backend.ErrBackendUnavailable)
	assert.ErrorIs(t, c.Put(ctx, "A", "v", "", time.Minute), cache_backend.ErrBackendUnavailable)
	assert.ErrorIs(t, c.Remove(ctx, "A"), cache_backend.ErrBackendUnavailable)
	_, err = c.ClearExpired(ctx)
	assert.ErrorIs(t, err, cache_backend.ErrBackendUnavailable)
	assert.ErrorIs(t, c.Ping(ctx), cache_backend.ErrBackendUnavailable)
	assert.Equal(t, float64(4), testutil.ToFloat64(c.m.backendErrorsTotal))
}

type failingBackend struct {
	cache_backend.Backend[string]
}

func (failingBackend) ClearExpired(context.Context, time.Time) (int, error) {
	return 0, errors.New("boom")
}

func TestCache_ClearExpired_Error(t *testing.T) {
	c, err := New[string](failingBackend{memory_cache_backend.NewMemoryCache[string](memory_cache_backend.MemoryCacheOpts{})}, Opts{Name: "documents"})
	require.NoError(t, err)
	_, err = c.ClearExpired(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "documents")
}

func TestCache_Metrics(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, err := New[string](memory_cache_backend.NewMemoryCache[string](memory_cache_backend.MemoryCacheOpts{}), Opts{Name: "documents", Clock: clock.Now})
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "A", "v", "u1", time.Second))
	require.NoError(t, c.Put(ctx, "B", "v", "", time.Second))
	_, _, _ = c.Get(ctx, "A", "u1")
	_, _, _ = c.Get(ctx, "A", "u2")
	_, _, _ = c.Get(ctx, "missing", "")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.m.putTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.m.getTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.m.hitTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.m.ownerMismatchTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.m.size))

	clock.Advance(time.Minute)
	_, err = c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(c.m.expiredTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.m.size))

	reg := prometheus.NewRegistry()
	require.NoError(t, c.RegMetricsTo(reg))
	other, err := New[string](memory_cache_backend.NewMemoryCache[string](memory_cache_backend.MemoryCacheOpts{}), Opts{Name: "state"})
	require.NoError(t, err)
	require.NoError(t, other.RegMetricsTo(reg))
	require.Error(t, c.RegMetricsTo(reg))
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
