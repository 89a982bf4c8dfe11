package repositorycache

import (
	"context"
)

type (
	cacheTagsContextKey struct{}
	cacheKeyContextKey  struct{}
)

// WithCacheKey names the query that the criteria of the next reads select.
// Criteria are functions, so reads that pass criteria are only cached when
// the context carries such a key; the parts are serialized in place of the
// criteria. Reads without criteria ignore it.
//
//	ctx = repositorycache.WithCacheKey(ctx, "active", "name", name)
//	user, err := users.Get(ctx, whereActiveName(name))
func WithCacheKey(ctx context.Context, parts ...any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(parts) == 0 {
		return ctx
	}
	return context.WithValue(ctx, cacheKeyContextKey{}, append([]any(nil), parts...))
}

func cacheKeyFromContext(ctx context.Context) ([]any, bool) {
	if ctx == nil {
		return nil, false
	}
	parts, ok := ctx.Value(cacheKeyContextKey{}).([]any)
	return parts, ok && len(parts) > 0
}

// WithCacheTags attaches additional cache tags to the context for read registration.
func WithCacheTags(ctx context.Context, tags ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(tags) == 0 {
		return ctx
	}

	existing := cacheTagsFromContext(ctx)
	combined := append(existing, tags...)
	combined = dedupeStrings(combined)
	if len(combined) == 0 {
		return ctx
	}

	return context.WithValue(ctx, cacheTagsContextKey{}, combined)
}

func cacheTagsFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	if tags, ok := ctx.Value(cacheTagsContextKey{}).([]string); ok {
		return append([]string(nil), tags...)
	}
	return nil
}

// dedupeStrings drops empty strings and repeats, keeping first-seen order.
func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
