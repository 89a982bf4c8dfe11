package cacheinfra

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the binary payload written to the remote store. Tags and
// TTL travel with the value so a read from the remote tier can rebuild
// the full Entry.
type envelope struct {
	Value     any      `msgpack:"v"`
	Tags      []string `msgpack:"t,omitempty"`
	TTLMillis int64    `msgpack:"ttl,omitempty"`
	CreatedAt int64    `msgpack:"c"`
}

func newEnvelope(value any, ttl time.Duration, tags []string, now time.Time) envelope {
	return envelope{
		Value:     value,
		Tags:      tags,
		TTLMillis: ttl.Milliseconds(),
		CreatedAt: now.UnixMilli(),
	}
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := msgpack.Unmarshal(data, &env)
	return env, err
}

func (env envelope) entry(key string) Entry {
	return Entry{
		Key:       key,
		Value:     env.Value,
		CreatedAt: time.UnixMilli(env.CreatedAt),
		TTL:       time.Duration(env.TTLMillis) * time.Millisecond,
		Tags:      env.Tags,
	}
}

func (env envelope) hasTag(tag string) bool {
	for _, t := range env.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
