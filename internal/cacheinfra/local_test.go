package cacheinfra

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/goliatone/go-tiered-cache/pkg/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLocal(t *testing.T, capacity int, opts ...LocalOption) *Local {
	t.Helper()
	l, err := NewLocal(capacity, opts...)
	require.NoError(t, err)
	return l
}

func sorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

func TestNewLocal_InvalidCapacity(t *testing.T) {
	_, err := NewLocal(0)
	require.Error(t, err)
}

func TestLocal_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 3)

	l.Set(ctx, "k1", 1, 0)
	l.Set(ctx, "k2", 2, 0)
	l.Set(ctx, "k3", 3, 0)
	l.Set(ctx, "k4", 4, 0)

	_, ok := l.Get(ctx, "k1")
	assert.False(t, ok, "first inserted key must be evicted")
	for _, k := range []string{"k2", "k3", "k4"} {
		_, ok := l.Get(ctx, k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), l.Stats(ctx).Evictions)
}

func TestLocal_ReadProtectsFromEviction(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 3)

	l.Set(ctx, "k1", "v1", 0)
	l.Set(ctx, "k2", "v2", 0)
	l.Set(ctx, "k3", "v3", 0)

	_, ok := l.Get(ctx, "k1")
	require.True(t, ok)

	l.Set(ctx, "k4", "v4", 0)

	_, ok = l.Get(ctx, "k2")
	assert.False(t, ok, "k2 is the least recently used and must be evicted")

	_, ok = l.Get(ctx, "k1")
	assert.True(t, ok)
	_, ok = l.Get(ctx, "k3")
	assert.True(t, ok)
}

func TestLocal_OverwriteAtCapacityKeepsOthers(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 2)

	l.Set(ctx, "a", 1, 0)
	l.Set(ctx, "b", 2, 0)
	l.Set(ctx, "a", 10, 0)

	assert.Equal(t, []string{"b", "a"}, l.Keys())
	e, ok := l.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, 10, e.Value)
	assert.Zero(t, l.Stats(ctx).Evictions)
}

func TestLocal_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := testsupport.NewFakeClock(epoch)
	l := newTestLocal(t, 10, WithClock(clk))

	l.Set(ctx, "a", "v", time.Second)

	clk.Advance(500 * time.Millisecond)
	e, ok := l.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "v", e.Value)
	assert.Equal(t, 500*time.Millisecond, e.TTLRemaining(clk.Now()))

	before := l.Stats(ctx).Expirations
	clk.Advance(501 * time.Millisecond)

	_, ok = l.Get(ctx, "a")
	assert.False(t, ok)

	stats := l.Stats(ctx)
	assert.Equal(t, before+1, stats.Expirations)
	assert.Zero(t, stats.Evictions, "expiry must not be counted as eviction")
	assert.Zero(t, stats.Size)
}

func TestLocal_DefaultTTLAppliesWhenNoneGiven(t *testing.T) {
	ctx := context.Background()
	clk := testsupport.NewFakeClock(epoch)
	l := newTestLocal(t, 10, WithClock(clk), WithDefaultTTL(time.Minute))

	l.Set(ctx, "a", 1, 0)
	l.Set(ctx, "b", 2, time.Hour)

	clk.Advance(2 * time.Minute)
	_, ok := l.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "b")
	assert.True(t, ok)
}

func TestLocal_ExistsSelfHeals(t *testing.T) {
	ctx := context.Background()
	clk := testsupport.NewFakeClock(epoch)
	l := newTestLocal(t, 10, WithClock(clk))

	l.Set(ctx, "a", 1, time.Second, "grp")
	assert.True(t, l.Exists(ctx, "a"))

	clk.Advance(2 * time.Second)
	assert.False(t, l.Exists(ctx, "a"))

	stats := l.Stats(ctx)
	assert.Zero(t, stats.Size)
	assert.Zero(t, stats.Tags, "expired entry must leave the tag index")
	assert.Equal(t, uint64(1), stats.Expirations)
}

func TestLocal_ExistsDoesNotPromote(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 2)

	l.Set(ctx, "a", 1, 0)
	l.Set(ctx, "b", 2, 0)
	require.True(t, l.Exists(ctx, "a"))
	l.Set(ctx, "c", 3, 0)

	assert.False(t, l.Exists(ctx, "a"))
}

func TestLocal_DeleteByTag(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 10)

	l.Set(ctx, "o1", "offer-1", 0, "offers")
	l.Set(ctx, "o2", "offer-2", 0, "offers")
	l.Set(ctx, "s1", "store-1", 0, "stores")

	n := l.DeleteByTag(ctx, "offers")
	assert.Equal(t, 2, n)

	_, ok := l.Get(ctx, "o1")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "o2")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "s1")
	assert.True(t, ok)

	assert.Empty(t, l.TagKeys("offers"))
	assert.Equal(t, 1, l.Stats(ctx).Tags)
	assert.Zero(t, l.DeleteByTag(ctx, "offers"))
}

func TestLocal_OverwriteReplacesTags(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 10)

	l.Set(ctx, "k", "v1", 0, "A")
	l.Set(ctx, "k", "v2", 0, "B")

	assert.Empty(t, l.TagKeys("A"))
	assert.Equal(t, []string{"k"}, l.TagKeys("B"))

	assert.Zero(t, l.DeleteByTag(ctx, "A"))
	e, ok := l.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", e.Value)
	assert.Equal(t, []string{"B"}, e.Tags)
}

func TestLocal_DeleteCleansTagIndex(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 10)

	l.Set(ctx, "a", 1, 0, "x", "y")
	l.Set(ctx, "b", 2, 0, "y")

	assert.True(t, l.Delete(ctx, "a"))
	assert.False(t, l.Delete(ctx, "a"))

	assert.Empty(t, l.TagKeys("x"))
	assert.Equal(t, []string{"b"}, l.TagKeys("y"))
	assert.Equal(t, 1, l.Stats(ctx).Tags)
}

func TestLocal_EvictionCleansTagIndex(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 1)

	l.Set(ctx, "a", 1, 0, "t")
	l.Set(ctx, "b", 2, 0, "u")

	assert.Empty(t, l.TagKeys("t"))
	assert.Equal(t, []string{"b"}, l.TagKeys("u"))
}

func TestLocal_Clear(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 10)

	l.Set(ctx, "a", 1, 0, "t")
	l.Set(ctx, "b", 2, 0)

	assert.Equal(t, 2, l.Clear(ctx))
	assert.Zero(t, l.Clear(ctx))

	stats := l.Stats(ctx)
	assert.Zero(t, stats.Size)
	assert.Zero(t, stats.Tags)
}

func TestLocal_HitCounterAndStats(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 10)

	assert.Zero(t, l.Stats(ctx).HitRate())

	l.Set(ctx, "a", 1, 0)
	l.Get(ctx, "a")
	e, _ := l.Get(ctx, "a")
	l.Get(ctx, "missing")

	assert.Equal(t, uint64(2), e.Hits)

	stats := l.Stats(ctx)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Sets)
	assert.Equal(t, float64(stats.Hits)/float64(stats.Hits+stats.Misses), stats.HitRate())
	assert.Equal(t, "local", stats.Backend)
	assert.Equal(t, 10, stats.Capacity)
}

func TestLocal_ReturnedTagsAreCopies(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 10)

	l.Set(ctx, "a", 1, 0, "t")
	e, _ := l.Get(ctx, "a")
	e.Tags[0] = "mutated"

	again, _ := l.Get(ctx, "a")
	assert.Equal(t, []string{"t"}, again.Tags)
}

func TestLocal_ConcurrentAccessKeepsIndexConsistent(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, 64)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (w*31+i)%128)
				tag := fmt.Sprintf("t%d", i%4)
				switch i % 5 {
				case 0:
					l.Delete(ctx, key)
				case 1:
					l.DeleteByTag(ctx, tag)
				case 2:
					l.Get(ctx, key)
				default:
					l.Set(ctx, key, i, 0, tag)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := l.Stats(ctx)
	assert.LessOrEqual(t, stats.Size, 64)

	resident := make(map[string]bool)
	for _, k := range l.Keys() {
		resident[k] = true
	}
	for i := 0; i < 4; i++ {
		tag := fmt.Sprintf("t%d", i)
		for _, k := range l.TagKeys(tag) {
			require.True(t, resident[k], "tag %s indexes evicted key %s", tag, k)
			e, ok := l.Get(ctx, k)
			require.True(t, ok)
			require.Contains(t, e.Tags, tag)
		}
	}
	for k := range resident {
		e, ok := l.Get(ctx, k)
		require.True(t, ok)
		for _, tag := range e.Tags {
			assert.Contains(t, sorted(l.TagKeys(tag)), k)
		}
	}
}
