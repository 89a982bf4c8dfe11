package cacheinfra

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 500

var errRemoteClosed = errors.New("cacheinfra: remote backend is closed")

// Remote stores entries in Redis under "<prefix><key>" and models tags as
// sets under "<prefix>tag:<tag>".
//
// Every operation is fail-open: a transport, protocol or codec error is
// logged and the call resolves to its neutral result (miss, false, 0).
type Remote struct {
	cfg    RemoteConfig
	logger *slog.Logger
	clock  Clock

	mu         sync.Mutex
	client     redis.UniversalClient
	clientErr  error
	ownsClient bool
	closed     bool

	hits    *xsync.Counter
	misses  *xsync.Counter
	sets    *xsync.Counter
	deletes *xsync.Counter
	errors  *xsync.Counter
}

// RemoteOption configures a Remote backend.
type RemoteOption func(*Remote)

// WithRedisClient injects an existing client instead of dialing cfg.URL.
// The caller keeps ownership; Close will not close it.
func WithRedisClient(c redis.UniversalClient) RemoteOption {
	return func(r *Remote) {
		r.client = c
	}
}

// WithRemoteLogger sets the logger used for swallowed failures.
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRemoteClock overrides the time source used to stamp envelopes.
func WithRemoteClock(c Clock) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.clock = c
		}
	}
}

var _ Backend = (*Remote)(nil)

// NewRemote creates a Remote backend. The connection is not opened here;
// it is created on first use and reused afterwards.
func NewRemote(cfg RemoteConfig, opts ...RemoteOption) *Remote {
	r := &Remote{
		cfg:     cfg,
		logger:  slog.Default().With("component", "cache.remote"),
		clock:   SystemClock,
		hits:    xsync.NewCounter(),
		misses:  xsync.NewCounter(),
		sets:    xsync.NewCounter(),
		deletes: xsync.NewCounter(),
		errors:  xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) conn() (redis.UniversalClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil || r.clientErr != nil {
		return r.client, r.clientErr
	}
	if r.closed {
		return nil, errRemoteClosed
	}
	opts, err := redis.ParseURL(r.cfg.URL)
	if err != nil {
		r.clientErr = err
		return nil, err
	}
	r.client = redis.NewClient(opts)
	r.ownsClient = true
	return r.client, nil
}

func (r *Remote) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.OpTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.OpTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Remote) key(k string) string    { return r.cfg.Prefix + k }
func (r *Remote) tagKey(t string) string { return r.cfg.Prefix + "tag:" + t }

func (r *Remote) fail(ctx context.Context, op, key string, err error) {
	r.errors.Inc()
	r.logger.ErrorContext(ctx, "remote cache operation failed",
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("error", err),
	)
}

// Get fetches and decodes the envelope stored under key.
func (r *Remote) Get(ctx context.Context, key string) (Entry, bool) {
	c, err := r.conn()
	if err != nil {
		r.fail(ctx, "get", key, err)
		r.misses.Inc()
		return Entry{}, false
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	data, err := c.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Inc()
		return Entry{}, false
	}
	if err != nil {
		r.fail(ctx, "get", key, err)
		r.misses.Inc()
		return Entry{}, false
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		r.fail(ctx, "decode", key, err)
		r.misses.Inc()
		return Entry{}, false
	}

	r.hits.Inc()
	return env.entry(key), true
}

// Set writes the envelope with native expiry, moves key between tag sets
// and pads each tag set's expiry to outlive its longest member.
func (r *Remote) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) bool {
	if ttl < 0 {
		ttl = 0
	}
	tags = dedupeTags(tags)

	payload, err := encodeEnvelope(newEnvelope(value, ttl, tags, r.clock.Now()))
	if err != nil {
		r.fail(ctx, "encode", key, err)
		return false
	}

	c, err := r.conn()
	if err != nil {
		r.fail(ctx, "set", key, err)
		return false
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	// Read the previous tags and the current tag set expiries first so
	// stale memberships can be dropped and padding only ever grows.
	pipe := c.Pipeline()
	prevCmd := pipe.Get(ctx, r.key(key))
	ttlCmds := make([]*redis.DurationCmd, len(tags))
	for i, t := range tags {
		ttlCmds[i] = pipe.PTTL(ctx, r.tagKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		r.fail(ctx, "set", key, err)
		return false
	}

	var prevTags []string
	prevPersistent := false
	if data, err := prevCmd.Bytes(); err == nil {
		if env, err := decodeEnvelope(data); err == nil {
			prevTags = env.Tags
			prevPersistent = env.TTLMillis == 0
		}
	}

	_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(key), payload, ttl)
		for _, t := range prevTags {
			if !containsTag(tags, t) {
				p.SRem(ctx, r.tagKey(t), key)
			}
		}
		for i, t := range tags {
			tk := r.tagKey(t)
			p.SAdd(ctx, tk, key)
			r.padTagExpiry(ctx, p, tk, ttlCmds[i].Val(), ttl)
		}
		return nil
	})
	if err != nil {
		r.fail(ctx, "set", key, err)
		return false
	}
	if prevPersistent && ttl > 0 {
		r.restoreTagExpiry(ctx, c, prevTags)
	}

	r.sets.Inc()
	return true
}

// padTagExpiry queues the expiry change for a tag set given its expiry
// before this write (-2 missing, -1 persistent) and the member TTL.
func (r *Remote) padTagExpiry(ctx context.Context, p redis.Pipeliner, tagKey string, current, memberTTL time.Duration) {
	if memberTTL == 0 {
		p.Persist(ctx, tagKey)
		return
	}
	want := memberTTL + r.cfg.TagPadding
	switch {
	case current == -1:
		// already persistent because of a member without TTL
	case current == -2, current < want:
		p.PExpire(ctx, tagKey, want)
	}
}

// restoreTagExpiry runs after a member without TTL left some tag sets. A set
// that is still persistent gets its padded expiry back unless another
// member without TTL remains.
func (r *Remote) restoreTagExpiry(ctx context.Context, c redis.UniversalClient, tags []string) {
	for _, t := range tags {
		tk := r.tagKey(t)
		current, err := c.PTTL(ctx, tk).Result()
		if err != nil {
			r.fail(ctx, "tag_expiry", t, err)
			continue
		}
		if current != -1 {
			continue
		}

		members, err := c.SMembers(ctx, tk).Result()
		if err != nil {
			r.fail(ctx, "tag_expiry", t, err)
			continue
		}
		ttls := make([]*redis.DurationCmd, len(members))
		_, err = c.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, m := range members {
				ttls[i] = p.PTTL(ctx, r.key(m))
			}
			return nil
		})
		if err != nil {
			r.fail(ctx, "tag_expiry", t, err)
			continue
		}

		var longest time.Duration
		for _, cmd := range ttls {
			d := cmd.Val()
			if d == -1 {
				longest = -1
				break
			}
			if d > longest {
				longest = d
			}
		}
		if longest < 0 {
			continue
		}
		if err := c.PExpire(ctx, tk, longest+r.cfg.TagPadding).Err(); err != nil {
			r.fail(ctx, "tag_expiry", t, err)
		}
	}
}

// Delete removes key and its tag memberships.
func (r *Remote) Delete(ctx context.Context, key string) bool {
	c, err := r.conn()
	if err != nil {
		r.fail(ctx, "delete", key, err)
		return false
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	data, err := c.GetDel(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		r.fail(ctx, "delete", key, err)
		return false
	}
	r.deletes.Inc()

	env, err := decodeEnvelope(data)
	if err != nil || len(env.Tags) == 0 {
		return true
	}
	_, err = c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, t := range env.Tags {
			p.SRem(ctx, r.tagKey(t), key)
		}
		return nil
	})
	if err != nil {
		r.fail(ctx, "delete.untag", key, err)
		return true
	}
	if env.TTLMillis == 0 {
		r.restoreTagExpiry(ctx, c, env.Tags)
	}
	return true
}

// Exists reports whether key is stored; Redis handles expiry natively.
func (r *Remote) Exists(ctx context.Context, key string) bool {
	c, err := r.conn()
	if err != nil {
		r.fail(ctx, "exists", key, err)
		return false
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	n, err := c.Exists(ctx, r.key(key)).Result()
	if err != nil {
		r.fail(ctx, "exists", key, err)
		return false
	}
	return n > 0
}

// Clear deletes every key under the prefix and returns the number of
// entries removed. Tag sets are removed too but not counted.
func (r *Remote) Clear(ctx context.Context) int {
	c, err := r.conn()
	if err != nil {
		r.fail(ctx, "clear", "", err)
		return 0
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	tagPrefix := r.tagKey("")
	removed := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		for _, k := range batch {
			if !strings.HasPrefix(k, tagPrefix) {
				removed++
			}
		}
		batch = batch[:0]
		return nil
	}

	iter := c.Scan(ctx, 0, r.cfg.Prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				r.fail(ctx, "clear", "", err)
				return removed
			}
		}
	}
	if err := iter.Err(); err != nil {
		r.fail(ctx, "clear", "", err)
		return removed
	}
	if err := flush(); err != nil {
		r.fail(ctx, "clear", "", err)
	}
	return removed
}

// DeleteByTag removes the members of tag that still carry it and drops
// the tag set. Members whose envelope no longer lists the tag are left
// alone.
func (r *Remote) DeleteByTag(ctx context.Context, tag string) int {
	c, err := r.conn()
	if err != nil {
		r.fail(ctx, "delete_by_tag", tag, err)
		return 0
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	tk := r.tagKey(tag)
	members, err := c.SMembers(ctx, tk).Result()
	if err != nil {
		r.fail(ctx, "delete_by_tag", tag, err)
		return 0
	}
	if len(members) == 0 {
		return 0
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.key(m)
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		r.fail(ctx, "delete_by_tag", tag, err)
		return 0
	}

	doomed := make([]string, 0, len(keys))
	untag := map[string][]string{}
	var persistentTags []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		env, err := decodeEnvelope([]byte(s))
		if err != nil {
			doomed = append(doomed, keys[i])
			continue
		}
		if !env.hasTag(tag) {
			continue
		}
		doomed = append(doomed, keys[i])
		for _, t := range env.Tags {
			if t == tag {
				continue
			}
			untag[t] = append(untag[t], members[i])
			if env.TTLMillis == 0 && !containsTag(persistentTags, t) {
				persistentTags = append(persistentTags, t)
			}
		}
	}

	var delCmd *redis.IntCmd
	_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(doomed) > 0 {
			delCmd = p.Del(ctx, doomed...)
		}
		for t, ms := range untag {
			p.SRem(ctx, r.tagKey(t), ms)
		}
		p.Del(ctx, tk)
		return nil
	})
	if err != nil {
		r.fail(ctx, "delete_by_tag", tag, err)
		return 0
	}
	if delCmd == nil {
		return 0
	}
	r.restoreTagExpiry(ctx, c, persistentTags)

	n := delCmd.Val()
	r.deletes.Add(n)
	return int(n)
}

// Stats reports counters and, best effort, the number of keys under the
// prefix. A failure while sizing leaves Size and Tags at zero.
func (r *Remote) Stats(ctx context.Context) Stats {
	s := Stats{
		Backend: "remote",
		Hits:    uint64(r.hits.Value()),
		Misses:  uint64(r.misses.Value()),
		Sets:    uint64(r.sets.Value()),
		Deletes: uint64(r.deletes.Value()),
		Errors:  uint64(r.errors.Value()),
	}

	c, err := r.conn()
	if err != nil {
		return s
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	tagPrefix := r.tagKey("")
	size, tags := 0, 0
	iter := c.Scan(ctx, 0, r.cfg.Prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), tagPrefix) {
			tags++
		} else {
			size++
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.DebugContext(ctx, "remote cache size unavailable", slog.Any("error", err))
		return s
	}
	s.Size, s.Tags = size, tags
	return s
}

// Ping checks connectivity.
func (r *Remote) Ping(ctx context.Context) error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return c.Ping(ctx).Err()
}

// Close closes the client if this backend created it. A backend that never
// dialed will not dial after Close.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
