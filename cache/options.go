package cache

import "time"

type entryOptions struct {
	ttl       time.Duration
	tags      []string
	keyPrefix string
}

// EntryOption customises a single write: Set, GetOrSet, GetOrFetch and
// Memoize accept them.
type EntryOption func(*entryOptions)

// WithTTL sets the entry's time to live. Zero or negative falls back to the
// service default.
func WithTTL(ttl time.Duration) EntryOption {
	return func(o *entryOptions) {
		o.ttl = ttl
	}
}

// WithTags attaches invalidation tags to the entry.
func WithTags(tags ...string) EntryOption {
	return func(o *entryOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithKeyPrefix replaces the derived function name Memoize uses as the
// method segment of its keys. Other operations ignore it.
func WithKeyPrefix(prefix string) EntryOption {
	return func(o *entryOptions) {
		o.keyPrefix = prefix
	}
}

func applyEntryOptions(opts []EntryOption) entryOptions {
	var o entryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
