// Package cache is the entry point of the tiered cache.
//
// # Overview
//
// A Service wraps a Backend and adds the pieces applications use directly:
//
//   - Key construction from a method name plus positional and Named args
//   - Get and Set with a default TTL of five minutes
//   - Tag based invalidation through InvalidateTag and InvalidateTags
//   - GetOrSet, which runs a producer once per key even under concurrent misses
//   - GetOrFetch and Memoize, typed helpers built on GetOrSet
//
// The backend is either a bounded in-process LRU or a two tier stack of that
// LRU in front of Redis. NewService picks one from Config: an empty
// Remote.URL means local only.
//
// # Basic Usage
//
//	svc, err := cache.NewService(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//
//	key, err := svc.Key("get_offers", storeID, cache.Named("limit", 20))
//	if err != nil {
//		return err
//	}
//	offers, err := cache.GetOrFetch(ctx, svc, key, func(ctx context.Context) ([]Offer, error) {
//		return repo.Offers(ctx, storeID, 20)
//	}, cache.WithTTL(time.Minute), cache.WithTags("offers", "store:"+storeID))
//
// Later, after an offer changes:
//
//	svc.InvalidateTag(ctx, "offers")
//
// # Keys
//
// The default KeySerializer joins segments with ":". Named args are sorted
// by name, so call order never changes the key. Keys longer than
// Config.MaxKeyLength are condensed to a 16 hex digit xxhash64 digest.
//
// Function and channel args have no value to render. Key fails on them
// with ErrUnkeyableArg, and Memoize refuses to run a call made with them.
//
// # Remote values
//
// The Redis tier stores values as msgpack. Reads decode into generic Go
// values (map[string]any, int8, ...). GetOrFetch converts those back into
// the requested type with a msgpack round trip and returns
// ErrInvalidResultType when that is not possible.
//
// # Failure behavior
//
// Remote failures never reach callers: the Redis tier logs and resolves to
// a miss, false or zero. Producer errors are returned unchanged and are
// never cached. A panicking producer is recovered and surfaces as
// ErrProducerPanic.
package cache
