package cacheinfra

import (
	"context"
	"time"
)

// MultiLevel composes a fast local tier (L1) with a shared tier (L2).
//
// Reads go to L1 first and fall back to L2; an L2 hit is copied into L1
// with its remaining TTL and its tags. Writes and deletes go to both
// tiers one after the other with no atomicity: the tiers can diverge
// after a partial failure and converge again as entries expire or are
// re-read. Boolean results are OR'ed, counts are summed.
type MultiLevel struct {
	l1    Backend
	l2    Backend
	clock Clock
}

var _ Backend = (*MultiLevel)(nil)

// NewMultiLevel combines l1 and l2. The clock is used to compute the
// remaining TTL of backfilled entries.
func NewMultiLevel(l1, l2 Backend, clock Clock) *MultiLevel {
	if clock == nil {
		clock = SystemClock
	}
	return &MultiLevel{l1: l1, l2: l2, clock: clock}
}

// L1 returns the local tier.
func (m *MultiLevel) L1() Backend { return m.l1 }

// L2 returns the shared tier.
func (m *MultiLevel) L2() Backend { return m.l2 }

func (m *MultiLevel) Get(ctx context.Context, key string) (Entry, bool) {
	if e, ok := m.l1.Get(ctx, key); ok {
		return e, true
	}

	e, ok := m.l2.Get(ctx, key)
	if !ok {
		return Entry{}, false
	}

	ttl := e.TTL
	if ttl > 0 {
		ttl = e.TTLRemaining(m.clock.Now())
		if ttl <= 0 {
			return e, true
		}
	}
	m.l1.Set(ctx, key, e.Value, ttl, e.Tags...)
	return e, true
}

func (m *MultiLevel) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) bool {
	ok1 := m.l1.Set(ctx, key, value, ttl, tags...)
	ok2 := m.l2.Set(ctx, key, value, ttl, tags...)
	return ok1 || ok2
}

func (m *MultiLevel) Delete(ctx context.Context, key string) bool {
	ok1 := m.l1.Delete(ctx, key)
	ok2 := m.l2.Delete(ctx, key)
	return ok1 || ok2
}

func (m *MultiLevel) Exists(ctx context.Context, key string) bool {
	ok1 := m.l1.Exists(ctx, key)
	ok2 := m.l2.Exists(ctx, key)
	return ok1 || ok2
}

func (m *MultiLevel) Clear(ctx context.Context) int {
	return m.l1.Clear(ctx) + m.l2.Clear(ctx)
}

func (m *MultiLevel) DeleteByTag(ctx context.Context, tag string) int {
	return m.l1.DeleteByTag(ctx, tag) + m.l2.DeleteByTag(ctx, tag)
}

// Stats returns both tier snapshots in Tiers, with Hits and Misses
// summed across them.
func (m *MultiLevel) Stats(ctx context.Context) Stats {
	s1 := m.l1.Stats(ctx)
	s2 := m.l2.Stats(ctx)
	return Stats{
		Backend: "multi",
		Hits:    s1.Hits + s2.Hits,
		Misses:  s1.Misses + s2.Misses,
		Tiers:   []Stats{s1, s2},
	}
}
