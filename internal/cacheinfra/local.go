package cacheinfra

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Local is a bounded in-process store with LRU eviction, lazy TTL expiry
// and a tag index. A single mutex guards the recency list, the entries and
// the tag index, so the three are never observed out of step.
type Local struct {
	mu         sync.Mutex
	items      *simplelru.LRU[string, *Entry]
	tags       map[string]map[string]struct{}
	capacity   int
	defaultTTL time.Duration
	clock      Clock

	hits        uint64
	misses      uint64
	sets        uint64
	deletes     uint64
	expirations uint64
	evictions   uint64
}

// LocalOption configures a Local backend.
type LocalOption func(*Local)

// WithClock overrides the time source.
func WithClock(c Clock) LocalOption {
	return func(l *Local) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithDefaultTTL sets the TTL used for entries written without one.
func WithDefaultTTL(ttl time.Duration) LocalOption {
	return func(l *Local) {
		if ttl > 0 {
			l.defaultTTL = ttl
		}
	}
}

var _ Backend = (*Local)(nil)

// NewLocal creates a Local backend holding at most capacity entries.
func NewLocal(capacity int, opts ...LocalOption) (*Local, error) {
	l := &Local{
		tags:     make(map[string]map[string]struct{}),
		capacity: capacity,
		clock:    SystemClock,
	}
	for _, opt := range opts {
		opt(l)
	}

	items, err := simplelru.NewLRU[string, *Entry](capacity, l.onRemove)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid local cache capacity")
	}
	l.items = items
	return l, nil
}

// onRemove runs under l.mu for every entry leaving the LRU, whether
// by eviction, explicit removal or purge.
func (l *Local) onRemove(key string, e *Entry) {
	l.unindex(key, e.Tags)
}

// Get returns the live entry for key and promotes it to most recently used.
// An expired entry is dropped and reported as a miss.
func (l *Local) Get(_ context.Context, key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.items.Peek(key)
	if !ok {
		l.misses++
		return Entry{}, false
	}

	if e.IsExpired(l.clock.Now()) {
		l.items.Remove(key)
		l.expirations++
		l.misses++
		return Entry{}, false
	}

	l.items.Get(key)
	e.Hits++
	l.hits++
	return e.snapshot(), true
}

// Set inserts or replaces key. Tags of a replaced entry are dropped, not merged.
func (l *Local) Set(_ context.Context, key string, value any, ttl time.Duration, tags ...string) bool {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	tags = dedupeTags(tags)

	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.items.Peek(key); ok {
		l.unindex(key, old.Tags)
	}

	e := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: l.clock.Now(),
		TTL:       ttl,
		Tags:      tags,
	}
	if evicted := l.items.Add(key, e); evicted {
		l.evictions++
	}
	l.index(key, tags)
	l.sets++
	return true
}

// Delete removes key and reports whether it was present.
func (l *Local) Delete(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.items.Remove(key) {
		return false
	}
	l.deletes++
	return true
}

// Exists reports whether key is present and fresh without touching recency.
// An expired entry found here is removed.
func (l *Local) Exists(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.items.Peek(key)
	if !ok {
		return false
	}
	if e.IsExpired(l.clock.Now()) {
		l.items.Remove(key)
		l.expirations++
		return false
	}
	return true
}

// Clear drops every entry and tag and returns how many entries there were.
func (l *Local) Clear(_ context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.items.Len()
	l.items.Purge()
	l.tags = make(map[string]map[string]struct{})
	return n
}

// DeleteByTag removes every entry carrying tag and returns the count.
func (l *Local) DeleteByTag(_ context.Context, tag string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.tags[tag]
	if !ok {
		return 0
	}

	// onRemove mutates the tag set, so iterate over a copy.
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}

	removed := 0
	for _, k := range keys {
		if l.items.Remove(k) {
			removed++
			l.deletes++
		}
	}
	return removed
}

// Stats returns a snapshot of counters and gauges.
func (l *Local) Stats(_ context.Context) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Backend:     "local",
		Hits:        l.hits,
		Misses:      l.misses,
		Sets:        l.sets,
		Deletes:     l.deletes,
		Expirations: l.expirations,
		Evictions:   l.evictions,
		Size:        l.items.Len(),
		Capacity:    l.capacity,
		Tags:        len(l.tags),
	}
}

// Keys returns the resident keys ordered from least to most recently used.
func (l *Local) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Keys()
}

// TagKeys returns the keys currently indexed under tag.
func (l *Local) TagKeys(tag string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	members := l.tags[tag]
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	return keys
}

func (l *Local) index(key string, tags []string) {
	for _, t := range tags {
		set, ok := l.tags[t]
		if !ok {
			set = make(map[string]struct{})
			l.tags[t] = set
		}
		set[key] = struct{}{}
	}
}

func (l *Local) unindex(key string, tags []string) {
	for _, t := range tags {
		set, ok := l.tags[t]
		if !ok {
			continue
		}
		delete(set, key)
		if len(set) == 0 {
			delete(l.tags, t)
		}
	}
}

func (e *Entry) snapshot() Entry {
	out := *e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	return out
}
