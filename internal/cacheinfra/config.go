package cacheinfra

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvCapacity     = "CACHE_CAPACITY"
	EnvDefaultTTL   = "CACHE_DEFAULT_TTL"
	EnvMaxKeyLength = "CACHE_MAX_KEY_LENGTH"
	EnvRedisURL     = "CACHE_REDIS_URL"
	EnvRedisPrefix  = "CACHE_REDIS_PREFIX"
	EnvRedisTimeout = "CACHE_REDIS_TIMEOUT"
)

// Config holds the settings used to assemble a cache stack.
type Config struct {
	// Capacity is the maximum number of entries held by the local tier.
	Capacity int

	// DefaultTTL is applied by the service when a caller gives no TTL.
	DefaultTTL time.Duration

	// LocalTTL is the local tier's own fallback TTL for entries written
	// without one. Zero keeps such entries until evicted.
	LocalTTL time.Duration

	// MaxKeyLength is the length above which built keys are condensed
	// into a fixed-length hash.
	MaxKeyLength int

	// Remote configures the shared tier. An empty URL means local-only.
	Remote RemoteConfig
}

// RemoteConfig configures the Redis backed tier.
type RemoteConfig struct {
	// URL is a redis:// or rediss:// URL understood by redis.ParseURL.
	URL string

	// Prefix namespaces every key written by this process.
	Prefix string

	// OpTimeout bounds each round trip. On expiry the operation resolves
	// to its neutral result.
	OpTimeout time.Duration

	// TagPadding is added on top of the longest member TTL when setting
	// the expiry of a tag set.
	TagPadding time.Duration
}

// Enabled reports whether a remote endpoint is configured.
func (r RemoteConfig) Enabled() bool {
	return r.URL != ""
}

// DefaultConfig returns a local-only Config with the stock limits.
func DefaultConfig() Config {
	return Config{
		Capacity:     1000,
		DefaultTTL:   5 * time.Minute,
		LocalTTL:     0,
		MaxKeyLength: 200,
		Remote:       DefaultRemoteConfig(),
	}
}

// DefaultRemoteConfig returns remote settings without an endpoint.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Prefix:     "cache:",
		OpTimeout:  2 * time.Second,
		TagPadding: 60 * time.Second,
	}
}

// Validate checks the configuration and returns a validation category error.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.DefaultTTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LocalTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxKeyLength, validation.Required, validation.Min(32)),
		validation.Field(&c.Remote),
	)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid cache config").
			WithTextCode("CACHE_CONFIG_INVALID")
	}
	return nil
}

// Validate implements validation.Validatable so Config.Validate descends into it.
func (r RemoteConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.By(validRedisURL)),
		validation.Field(&r.OpTimeout, validation.When(r.Enabled(), validation.Required), validation.Min(time.Duration(0))),
		validation.Field(&r.TagPadding, validation.Min(time.Duration(0))),
	)
}

func validRedisURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := redis.ParseURL(s); err != nil {
		return validation.NewError("validation_redis_url", "must be a valid redis URL")
	}
	return nil
}

// ConfigFromEnv overlays CACHE_* environment variables on DefaultConfig.
func ConfigFromEnv() (Config, error) {
	return ConfigFromLookup(os.LookupEnv)
}

// ConfigFromLookup is ConfigFromEnv with an injectable lookup function.
func ConfigFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup(EnvCapacity); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, envError(EnvCapacity, err)
		}
		cfg.Capacity = n
	}
	if v, ok := lookup(EnvDefaultTTL); ok {
		d, err := parseDuration(v)
		if err != nil {
			return cfg, envError(EnvDefaultTTL, err)
		}
		cfg.DefaultTTL = d
	}
	if v, ok := lookup(EnvMaxKeyLength); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, envError(EnvMaxKeyLength, err)
		}
		cfg.MaxKeyLength = n
	}
	if v, ok := lookup(EnvRedisURL); ok {
		cfg.Remote.URL = v
	}
	if v, ok := lookup(EnvRedisPrefix); ok {
		cfg.Remote.Prefix = v
	}
	if v, ok := lookup(EnvRedisTimeout); ok {
		d, err := parseDuration(v)
		if err != nil {
			return cfg, envError(EnvRedisTimeout, err)
		}
		cfg.Remote.OpTimeout = d
	}

	return cfg, cfg.Validate()
}

// parseDuration accepts Go duration strings and bare integers as seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func envError(name string, err error) error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, fmt.Sprintf("invalid value for %s", name)).
		WithTextCode("CACHE_CONFIG_ENV")
}
