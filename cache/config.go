package cache

import (
	"github.com/goliatone/go-tiered-cache/internal/cacheinfra"
)

type (
	// Config exposes cache configuration options for consumers of the cache package.
	Config = cacheinfra.Config
	// RemoteConfig configures the shared Redis tier.
	RemoteConfig = cacheinfra.RemoteConfig
)

// DefaultConfig returns a local-only Config populated with sensible defaults.
func DefaultConfig() Config {
	return cacheinfra.DefaultConfig()
}

// ConfigFromEnv reads CACHE_* environment variables on top of DefaultConfig.
func ConfigFromEnv() (Config, error) {
	return cacheinfra.ConfigFromEnv()
}

// NewService validates cfg and assembles a Service over a local tier, or
// over a local plus Redis tier when cfg.Remote.URL is set.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := []Option{
		WithDefaultTTL(cfg.DefaultTTL),
		WithKeySerializer(NewKeySerializer(cfg.MaxKeyLength)),
	}
	s := newService(append(base, opts...)...)

	local, err := cacheinfra.NewLocal(cfg.Capacity, cacheinfra.WithDefaultTTL(cfg.LocalTTL))
	if err != nil {
		return nil, err
	}

	if !cfg.Remote.Enabled() {
		s.backend = local
		s.logger.Info("cache backend selected", "backend", "local", "capacity", cfg.Capacity)
		return s, nil
	}

	remote := cacheinfra.NewRemote(cfg.Remote, cacheinfra.WithRemoteLogger(s.logger.With("tier", "remote")))
	s.backend = cacheinfra.NewMultiLevel(local, remote, nil)
	s.closers = append(s.closers, remote)
	s.logger.Info("cache backend selected",
		"backend", "multi",
		"capacity", cfg.Capacity,
		"prefix", cfg.Remote.Prefix,
	)
	return s, nil
}
