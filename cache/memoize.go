package cache

import (
	"context"
	"reflect"
	"runtime"
)

// MemoFunc is a function whose results Memoize can cache. The args become
// part of the cache key, so pass Named values for keyword style arguments.
type MemoFunc[T any] func(ctx context.Context, args ...any) (T, error)

// Memoize wraps fn so each distinct argument list is computed once per TTL.
// Keys are built as <prefix>:<args...> where prefix defaults to fn's fully
// qualified name. Errors from fn are returned and never cached. A call whose
// args cannot form a key (see ErrUnkeyableArg) fails without running fn.
func Memoize[T any](service CacheService, fn MemoFunc[T], opts ...EntryOption) MemoFunc[T] {
	prefix := applyEntryOptions(opts).keyPrefix
	if prefix == "" {
		prefix = funcName(fn)
	}

	return func(ctx context.Context, args ...any) (T, error) {
		key, err := service.Key(prefix, args...)
		if err != nil {
			var zero T
			return zero, err
		}
		return GetOrFetch(ctx, service, key, func(ctx context.Context) (T, error) {
			return fn(ctx, args...)
		}, opts...)
	}
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "memoized"
}
