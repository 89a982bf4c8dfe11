package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-tiered-cache/internal/cacheinfra"
	"github.com/goliatone/go-tiered-cache/pkg/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, capacity int) (*Service, *testsupport.FakeClock) {
	t.Helper()
	clk := testsupport.NewFakeClock(epoch)
	local, err := cacheinfra.NewLocal(capacity, cacheinfra.WithClock(clk))
	require.NoError(t, err)
	return New(local, WithLogger(quietLogger())), clk
}

func TestService_SetAppliesDefaultTTL(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t, 10)

	require.True(t, svc.Set(ctx, "a", 1))
	e, ok := svc.Backend().Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, DefaultTTL, e.TTL)

	svc.Set(ctx, "b", 2, WithTTL(time.Second), WithTags("t1", "t2"))
	e, ok = svc.Backend().Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, time.Second, e.TTL)
	assert.Equal(t, []string{"t1", "t2"}, e.Tags)

	clk.Advance(2 * time.Second)
	_, ok = svc.Get(ctx, "b")
	assert.False(t, ok)
	v, ok := svc.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestService_WithDefaultTTLOption(t *testing.T) {
	ctx := context.Background()
	local, err := cacheinfra.NewLocal(4)
	require.NoError(t, err)
	svc := New(local, WithDefaultTTL(time.Hour), WithLogger(quietLogger()))

	svc.Set(ctx, "k", "v")
	e, _ := svc.Backend().Get(ctx, "k")
	assert.Equal(t, time.Hour, e.TTL)
}

func TestService_DeleteExistsClear(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	svc.Set(ctx, "a", 1)
	svc.Set(ctx, "b", 2)
	assert.True(t, svc.Exists(ctx, "a"))
	assert.True(t, svc.Delete(ctx, "a"))
	assert.False(t, svc.Delete(ctx, "a"))
	assert.False(t, svc.Exists(ctx, "a"))

	assert.Equal(t, 1, svc.Clear(ctx))
	assert.Zero(t, svc.Stats(ctx).Size)
}

func TestService_InvalidateTags(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	svc.Set(ctx, "offer:1", 1, WithTags("offers", "store:1"))
	svc.Set(ctx, "offer:2", 2, WithTags("offers", "store:2"))
	svc.Set(ctx, "store:1", 3, WithTags("store:1"))
	svc.Set(ctx, "user:1", 4, WithTags("users"))

	assert.Equal(t, 2, svc.InvalidateTag(ctx, "offers"))
	assert.False(t, svc.Exists(ctx, "offer:1"))
	assert.True(t, svc.Exists(ctx, "store:1"))

	assert.Equal(t, 2, svc.InvalidateTags(ctx, "store:1", "users", "missing"))
	assert.Zero(t, svc.Stats(ctx).Size)
	assert.Zero(t, svc.InvalidateTag(ctx, "offers"))
}

func TestService_GetOrSetComputesOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	var calls int32
	producer := func(ctx context.Context) (any, error) {
		return int(atomic.AddInt32(&calls, 1)) * 10, nil
	}

	v, err := svc.GetOrSet(ctx, "sq:1", producer)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	v, err = svc.GetOrSet(ctx, "sq:1", producer)
	require.NoError(t, err)
	assert.Equal(t, 10, v, "second call must be served from cache")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	v, err = svc.GetOrSet(ctx, "sq:2", producer)
	require.NoError(t, err)
	assert.Equal(t, 20, v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestService_GetOrSetStoresTagsAndTTL(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	_, err := svc.GetOrSet(ctx, "k", func(context.Context) (any, error) { return "v", nil },
		WithTTL(time.Minute), WithTags("grp"))
	require.NoError(t, err)

	e, ok := svc.Backend().Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, time.Minute, e.TTL)
	assert.Equal(t, 1, svc.InvalidateTag(ctx, "grp"))
}

func TestService_GetOrSetDeduplicatesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	var calls int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	const callers = 10
	results := make([]any, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			v, err := svc.GetOrSet(ctx, "hot", producer)
			results[i] = v
			return err
		})
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestService_GetOrSetProducerError(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	boom := goerrors.New("upstream unavailable", goerrors.CategoryInternal)
	var calls int32
	failing := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}

	v, err := svc.GetOrSet(ctx, "k", failing)
	assert.Nil(t, v)
	assert.Same(t, boom, err, "producer errors are returned unchanged")
	assert.False(t, svc.Exists(ctx, "k"), "failures are not cached")

	_, err = svc.GetOrSet(ctx, "k", failing)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestService_GetOrSetProducerPanic(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	v, err := svc.GetOrSet(ctx, "k", func(context.Context) (any, error) {
		panic("boom")
	})
	assert.Nil(t, v)
	require.ErrorIs(t, err, ErrProducerPanic)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, svc.Exists(ctx, "k"), "a panicking producer caches nothing")

	v, err = svc.GetOrSet(ctx, "k", func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestService_GetOrSetProducerPanicReachesEveryWaiter(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	release := make(chan struct{})
	var calls int32
	producer := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		panic(errors.New("boom"))
	}

	const waiters = 8
	errs := make(chan error, waiters)
	var g errgroup.Group
	for i := 0; i < waiters; i++ {
		g.Go(func() error {
			_, err := svc.GetOrSet(ctx, "hot", producer)
			errs <- err
			return nil
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrProducerPanic)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(waiters))
	assert.False(t, svc.Exists(ctx, "hot"))
}

func TestService_GetOrSetCallerCancellation(t *testing.T) {
	svc, _ := newTestService(t, 10)

	release := make(chan struct{})
	started := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "late", nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.GetOrSet(leaderCtx, "slow", producer)
		done <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool {
		return svc.Exists(context.Background(), "slow")
	}, time.Second, time.Millisecond, "the shared computation still completes")
}

func TestService_StatsCountHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10)

	svc.Set(ctx, "a", 1)
	svc.Get(ctx, "a")
	svc.Get(ctx, "b")

	stats := svc.Stats(ctx)
	assert.Equal(t, "local", stats.Backend)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestService_Key(t *testing.T) {
	svc, _ := newTestService(t, 1)
	key, err := svc.Key("get_offers", Named("limit", 20), "store-1")
	require.NoError(t, err)
	assert.Equal(t, "get_offers:store-1:limit=20", key)

	_, err = svc.Key("get_offers", func() {})
	assert.ErrorIs(t, err, ErrUnkeyableArg)
}

func TestNewService_LocalOnly(t *testing.T) {
	svc, err := NewService(DefaultConfig(), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer svc.Close()

	_, ok := svc.Backend().(*cacheinfra.Local)
	assert.True(t, ok, "empty redis URL selects the local backend, got %T", svc.Backend())
	assert.Equal(t, 1000, svc.Stats(context.Background()).Capacity)
}

func TestNewService_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 0

	_, err := NewService(cfg)
	require.Error(t, err)
	assert.True(t, goerrors.IsCategory(err, goerrors.CategoryValidation))
}

func newRemoteService(t *testing.T, mr *miniredis.Miniredis) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Remote.URL = "redis://" + mr.Addr()
	cfg.Remote.Prefix = "svc:"

	svc, err := NewService(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestNewService_MultiLevelSharesAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	a := newRemoteService(t, mr)
	b := newRemoteService(t, mr)

	_, ok := a.Backend().(*cacheinfra.MultiLevel)
	require.True(t, ok, "a redis URL selects the multi-level backend, got %T", a.Backend())

	a.Set(ctx, "greeting", "hello", WithTags("greetings"))
	assert.True(t, mr.Exists("svc:greeting"))

	v, ok := b.Get(ctx, "greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	assert.Equal(t, 2, a.InvalidateTag(ctx, "greetings"), "local copy plus the shared entry")
	assert.False(t, mr.Exists("svc:greeting"))
}

type product struct {
	ID    string
	Title string
	Price int
}

func TestGetOrFetch_CoercesRemoteValues(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	writer := newRemoteService(t, mr)
	reader := newRemoteService(t, mr)

	want := product{ID: "p1", Title: "lamp", Price: 30}
	got, err := GetOrFetch(ctx, writer, "product:p1", func(context.Context) (product, error) {
		return want, nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = GetOrFetch(ctx, reader, "product:p1", func(context.Context) (product, error) {
		t.Fatal("reader must be served by the shared tier")
		return product{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// mockCacheService returns a canned GetOrSet result.
type mockCacheService struct {
	*Service
	result any
	err    error
}

func (m *mockCacheService) GetOrSet(ctx context.Context, key string, producer Producer, opts ...EntryOption) (any, error) {
	return m.result, m.err
}

func newMock(t *testing.T, result any, err error) *mockCacheService {
	svc, _ := newTestService(t, 1)
	return &mockCacheService{Service: svc, result: result, err: err}
}

func TestGetOrFetch_NilInterfaceResult(t *testing.T) {
	type SomeInterface interface {
		DoSomething() string
	}

	result, err := GetOrFetch[SomeInterface](context.Background(), newMock(t, nil, nil), "test-key", func(ctx context.Context) (SomeInterface, error) {
		return nil, nil
	})

	if err != nil {
		t.Errorf("expected no error but got: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result but got: %v", result)
	}
}

func TestGetOrFetch_NilPointerResult(t *testing.T) {
	result, err := GetOrFetch[*string](context.Background(), newMock(t, (*string)(nil), nil), "test-key", func(ctx context.Context) (*string, error) {
		return nil, nil
	})

	if err != nil {
		t.Errorf("expected no error but got: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result but got: %v", result)
	}
}

func TestGetOrFetch_TypeAssertionFailure(t *testing.T) {
	result, err := GetOrFetch[int](context.Background(), newMock(t, "wrong-type", nil), "test-key", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	if !errors.Is(err, ErrInvalidResultType) {
		t.Errorf("expected ErrInvalidResultType but got: %v", err)
	}
	if result != 0 {
		t.Errorf("expected zero value (0) but got: %v", result)
	}
}

func TestGetOrFetch_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	result, err := GetOrFetch[string](context.Background(), newMock(t, "ignored", boom), "k", func(ctx context.Context) (string, error) {
		return "", nil
	})

	if !errors.Is(err, boom) {
		t.Errorf("expected boom but got: %v", err)
	}
	if result != "" {
		t.Errorf("expected zero value but got: %q", result)
	}
}

func TestGetOrFetch_ValidResult(t *testing.T) {
	result, err := GetOrFetch[string](context.Background(), newMock(t, "test-value", nil), "test-key", func(ctx context.Context) (string, error) {
		return "test-value", nil
	})

	if err != nil {
		t.Errorf("expected no error but got: %v", err)
	}
	if result != "test-value" {
		t.Errorf("expected 'test-value' but got: '%s'", result)
	}
}
