// Package cache provides a Redis-backed TTL cache fronting
// idempotent-by-input calls (search, scrape, summarize). Keys are derived
// from a canonical serialization of the call arguments so that identical
// call sites hit across process restarts. Backing-store failures are
// fail-open: the wrapped function runs and the miss is logged.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Cache struct {
	Client *redis.Client
	// TTL applies to every entry. Zero means 6 hours.
	TTL time.Duration
}

const defaultTTL = 6 * time.Hour

// Key builds `prefix:sha256(canonical-args)`. Arguments are serialized with
// encoding/json, which preserves struct field order bit-exactly and keeps
// `"1"` and `1` distinct; callers must pass structs (not maps) when field
// order matters.
func Key(prefix string, args any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return prefix + ":" + hex.EncodeToString(sum[:])
}

func (c *Cache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return defaultTTL
}

// GetBytes returns the raw cached value for key, with a hit flag. Store
// errors are swallowed (fail-open) and logged.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.Client == nil {
		return nil, false
	}
	raw, err := c.Client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("cache get failed; treating as miss")
		}
		return nil, false
	}
	return raw, true
}

// PutBytes writes a value with the cache TTL. Concurrent writers on the same
// key race; last writer wins.
func (c *Cache) PutBytes(ctx context.Context, key string, value []byte) {
	if c == nil || c.Client == nil {
		return
	}
	if err := c.Client.Set(ctx, key, value, c.ttl()).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache put failed")
	}
}

// Do wraps fn with read-through caching. On a hit the decoded value is
// returned without invoking fn; on a miss fn runs and its result is written
// through. fn errors are never cached.
func Do[T any](ctx context.Context, c *Cache, prefix string, args any, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil || c.Client == nil {
		return fn(ctx)
	}
	key := Key(prefix, args)
	if raw, ok := c.GetBytes(ctx, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		// Undecodable entry: fall through and recompute.
		log.Warn().Str("key", key).Msg("cache entry undecodable; recomputing")
	}
	v, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	if raw, err := json.Marshal(v); err == nil {
		c.PutBytes(ctx, key, raw)
	}
	return v, nil
}
