package cacheinfra

import (
	"context"
	"time"
)

// Entry is a single cached value together with its bookkeeping.
// A zero TTL means the entry never expires.
type Entry struct {
	Key       string
	Value     any
	CreatedAt time.Time
	TTL       time.Duration
	Tags      []string
	Hits      uint64
}

// ExpiresAt returns the expiry instant and false when the entry has no TTL.
func (e Entry) ExpiresAt() (time.Time, bool) {
	if e.TTL <= 0 {
		return time.Time{}, false
	}
	return e.CreatedAt.Add(e.TTL), true
}

// IsExpired reports whether the entry is stale at now.
func (e Entry) IsExpired(now time.Time) bool {
	exp, ok := e.ExpiresAt()
	return ok && now.After(exp)
}

// TTLRemaining returns max(0, expires_at - now). Entries without a TTL
// report zero as well; check TTL first to tell the two apart.
func (e Entry) TTLRemaining(now time.Time) time.Duration {
	exp, ok := e.ExpiresAt()
	if !ok {
		return 0
	}
	if left := exp.Sub(now); left > 0 {
		return left
	}
	return 0
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Stats is a point in time snapshot of a backend's counters and gauges.
// For the multi-level backend Hits and Misses are the totals over all
// tiers and Tiers holds the per-tier snapshots.
type Stats struct {
	Backend     string
	Hits        uint64
	Misses      uint64
	Sets        uint64
	Deletes     uint64
	Expirations uint64
	Evictions   uint64
	Errors      uint64
	Size        int
	Capacity    int
	Tags        int
	Tiers       []Stats
}

// HitRate is hits/(hits+misses), zero before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Backend is the operation surface shared by the local, remote and
// multi-level stores.
//
// Set, Delete and Exists report success as a bool rather than an error:
// backends that talk to the network swallow and log transport failures
// and return the neutral outcome instead.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) bool
	Delete(ctx context.Context, key string) bool
	Exists(ctx context.Context, key string) bool
	Clear(ctx context.Context) int
	DeleteByTag(ctx context.Context, tag string) int
	Stats(ctx context.Context) Stats
}

// Clock provides the current time; tests swap it for a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock used when no Clock option is given.
var SystemClock Clock = systemClock{}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
