package di

import (
	"sync"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-tiered-cache/cache"
	"github.com/goliatone/go-tiered-cache/metrics/prom"
	"github.com/goliatone/go-tiered-cache/repositorycache"
	"github.com/prometheus/client_golang/prometheus"
)

// Container owns the cache service shared by a process and builds cached
// repositories on top of it.
type Container struct {
	service *cache.Service
	config  cache.Config
}

// NewContainer creates a new DI container with the provided cache configuration.
// An empty cfg.Remote.URL gives a local-only cache; otherwise the local tier
// sits in front of Redis.
func NewContainer(cfg cache.Config, opts ...cache.Option) (*Container, error) {
	service, err := cache.NewService(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Container{service: service, config: cfg}, nil
}

// NewContainerWithDefaults creates a local-only container from cache.DefaultConfig.
func NewContainerWithDefaults() (*Container, error) {
	return NewContainer(cache.DefaultConfig())
}

// NewContainerFromEnv creates a container from CACHE_* environment variables.
func NewContainerFromEnv(opts ...cache.Option) (*Container, error) {
	cfg, err := cache.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewContainer(cfg, opts...)
}

// CacheService returns the container's cache service.
func (c *Container) CacheService() *cache.Service {
	return c.service
}

// KeySerializer returns the serializer the cache service builds keys with.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.service.KeySerializer()
}

// Config returns a copy of the cache configuration used by this container.
func (c *Container) Config() cache.Config {
	return c.config
}

// RegisterMetrics exports the cache statistics to reg under the "cache"
// subsystem of namespace.
func (c *Container) RegisterMetrics(reg prometheus.Registerer, namespace string) (*prom.Collector, error) {
	collector := prom.NewCollector(c.service, namespace, "cache", nil)
	if err := reg.Register(collector); err != nil {
		return nil, err
	}
	return collector, nil
}

// Close releases the remote connection, if any.
func (c *Container) Close() error {
	return c.service.Close()
}

// NewCachedRepository wraps base with the container's cache service.
//
// Since Go methods cannot have type parameters, this is provided as a package-level function.
// Example: NewCachedRepository[User](container, baseUserRepository)
func NewCachedRepository[T any](container *Container, base repository.Repository[T], opts ...repositorycache.Option) *repositorycache.CachedRepository[T] {
	return repositorycache.New(base, container.service, opts...)
}

var (
	defaultMu        sync.Mutex
	defaultContainer *Container
)

// Default returns the process-wide container, creating it from the
// environment on first use. Every caller shares its backend and statistics.
func Default() (*Container, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultContainer != nil {
		return defaultContainer, nil
	}
	c, err := NewContainerFromEnv()
	if err != nil {
		return nil, err
	}
	defaultContainer = c
	return c, nil
}

// SetDefault replaces the process-wide container. The previous one is
// returned so the caller can close it.
func SetDefault(c *Container) *Container {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	prev := defaultContainer
	defaultContainer = c
	return prev
}

// ResetDefault closes and forgets the process-wide container. The next
// Default call builds a fresh one.
func ResetDefault() error {
	prev := SetDefault(nil)
	if prev == nil {
		return nil
	}
	return prev.Close()
}
