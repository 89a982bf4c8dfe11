package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/goliatone/go-tiered-cache/internal/cacheinfra"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

type (
	// Entry is a cached value with its metadata.
	Entry = cacheinfra.Entry
	// Stats is a snapshot of a backend's counters.
	Stats = cacheinfra.Stats
	// Backend is implemented by the local, remote and multi-level stores.
	Backend = cacheinfra.Backend
)

// DefaultTTL is applied by Set when the caller gives no TTL.
const DefaultTTL = 5 * time.Minute

// ErrProducerPanic wraps a panic recovered from a GetOrSet producer.
var ErrProducerPanic = errors.New("cache: producer panicked")

// ErrInvalidResultType is returned by GetOrFetch when a cached value cannot
// be converted to the requested type.
var ErrInvalidResultType = errors.New("cache: cached value has unexpected type")

// KeySerializer builds a cache key from a method name + arbitrary args.
// It is responsible for producing stable keys across calls, and must fail
// rather than return a key that does not identify the args' values.
type KeySerializer interface {
	SerializeKey(method string, args ...any) (string, error)
}

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) (any, error)

// FetchFn is the typed form of Producer used by GetOrFetch.
type FetchFn[T any] func(ctx context.Context) (T, error)

// CacheService is the facade callers program against.
type CacheService interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any, opts ...EntryOption) bool
	Delete(ctx context.Context, key string) bool
	Exists(ctx context.Context, key string) bool
	Clear(ctx context.Context) int
	InvalidateTag(ctx context.Context, tag string) int
	InvalidateTags(ctx context.Context, tags ...string) int
	GetOrSet(ctx context.Context, key string, producer Producer, opts ...EntryOption) (any, error)
	Stats(ctx context.Context) Stats
	Key(method string, args ...any) (string, error)
}

// Service is the default CacheService. It adds key construction, default
// TTLs, tag invalidation and de-duplicated get-or-compute on top of a
// Backend.
type Service struct {
	backend    Backend
	keys       KeySerializer
	defaultTTL time.Duration
	logger     *slog.Logger
	flight     singleflight.Group
	closers    []io.Closer
}

var _ CacheService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithKeySerializer replaces the default key serializer.
func WithKeySerializer(ks KeySerializer) Option {
	return func(s *Service) {
		if ks != nil {
			s.keys = ks
		}
	}
}

// WithDefaultTTL overrides DefaultTTL for this service.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func newService(opts ...Option) *Service {
	s := &Service{
		keys:       NewDefaultKeySerializer(),
		defaultTTL: DefaultTTL,
		logger:     slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New wraps backend in a Service.
func New(backend Backend, opts ...Option) *Service {
	s := newService(opts...)
	s.backend = backend
	return s
}

// Backend returns the store the service delegates to.
func (s *Service) Backend() Backend { return s.backend }

// KeySerializer returns the serializer used by Key.
func (s *Service) KeySerializer() KeySerializer { return s.keys }

// Key builds a cache key with the service's serializer.
func (s *Service) Key(method string, args ...any) (string, error) {
	return s.keys.SerializeKey(method, args...)
}

// Get returns the cached value for key.
func (s *Service) Get(ctx context.Context, key string) (any, bool) {
	e, ok := s.backend.Get(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key. Without WithTTL the service default applies.
func (s *Service) Set(ctx context.Context, key string, value any, opts ...EntryOption) bool {
	o := applyEntryOptions(opts)
	ttl := o.ttl
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.backend.Set(ctx, key, value, ttl, o.tags...)
}

// Delete removes key.
func (s *Service) Delete(ctx context.Context, key string) bool {
	return s.backend.Delete(ctx, key)
}

// Exists reports whether key holds a live value.
func (s *Service) Exists(ctx context.Context, key string) bool {
	return s.backend.Exists(ctx, key)
}

// Clear empties the backend and returns the number of entries removed.
func (s *Service) Clear(ctx context.Context) int {
	n := s.backend.Clear(ctx)
	s.logger.InfoContext(ctx, "cache cleared", slog.Int("removed", n))
	return n
}

// InvalidateTag removes every entry carrying tag.
func (s *Service) InvalidateTag(ctx context.Context, tag string) int {
	n := s.backend.DeleteByTag(ctx, tag)
	s.logger.DebugContext(ctx, "cache tag invalidated", slog.String("tag", tag), slog.Int("removed", n))
	return n
}

// InvalidateTags invalidates each tag in turn and returns the total removed.
func (s *Service) InvalidateTags(ctx context.Context, tags ...string) int {
	total := 0
	for _, tag := range tags {
		total += s.InvalidateTag(ctx, tag)
	}
	return total
}

// GetOrSet returns the cached value for key or runs producer, stores its
// result and returns it. Concurrent misses on the same key share a single
// producer call. The producer runs detached from the caller's cancellation
// so one caller giving up does not fail the others; a caller whose context
// ends stops waiting and gets ctx.Err().
//
// Producer errors are returned unchanged and nothing is cached. A producer
// panic is recovered and reported to every waiter as ErrProducerPanic.
func (s *Service) GetOrSet(ctx context.Context, key string, producer Producer, opts ...EntryOption) (any, error) {
	if v, ok := s.Get(ctx, key); ok {
		return v, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("cache producer panicked", "key", key, "panic", r)
				v, err = nil, fmt.Errorf("%w: %v", ErrProducerPanic, r)
			}
		}()

		v, err = producer(shared)
		if err != nil {
			return nil, err
		}
		s.Set(shared, key, v, opts...)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns the backend's statistics.
func (s *Service) Stats(ctx context.Context) Stats {
	return s.backend.Stats(ctx)
}

// Close releases connections owned by the service.
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetOrFetch is a type-safe wrapper around CacheService.GetOrSet.
func GetOrFetch[T any](ctx context.Context, service CacheService, key string, fetchFn FetchFn[T], opts ...EntryOption) (T, error) {
	result, err := service.GetOrSet(ctx, key, func(ctx context.Context) (any, error) {
		return fetchFn(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return As[T](result)
}

// As converts a cached value to T. Values read back from the remote tier
// are decoded generically (maps, int8...), so a failed type assertion falls
// back to a msgpack round trip into T.
func As[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}

	data, err := msgpack.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("%w: %T: %v", ErrInvalidResultType, v, err)
	}
	var out T
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("%w: %T into %T: %v", ErrInvalidResultType, v, zero, err)
	}
	return out, nil
}
