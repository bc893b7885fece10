/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of flowcache.
 *
 * flowcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * flowcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache_backend

import (
	"context"
	"errors"
	"fmt"
	"github.com/Vizaxe/flowcache/pkg/cache_backend"
	"github.com/Vizaxe/flowcache/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"io"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	defaultClientTimeout = time.Second
	indexSuffix          = "_exp"

	// Max ids passed to one script call.
	sweepBatchSize = 512

	maxTakeAttempts = 3
)

var nopLogger = zap.NewNop()

var _ cache_backend.Backend[string] = (*RedisCache[string])(nil)

// OrphanPolicy decides what a sweep does with payload rows that have no
// expiration index row.
type OrphanPolicy int

const (
	// OrphanExpire deletes orphan payload rows.
	OrphanExpire OrphanPolicy = iota
	// OrphanBackfill re-creates the index row from the expiration
	// embedded in the payload row.
	OrphanBackfill
)

func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch s {
	case "", "expire":
		return OrphanExpire, nil
	case "backfill":
		return OrphanBackfill, nil
	default:
		return 0, fmt.Errorf("invalid orphan policy %q", s)
	}
}

// RedisCache stores entries of one logical cache in two redis hashes.
//
// Redis has no per-field TTL, so next to the payload hash (id -> entry) a
// companion index hash (id -> expiration in epoch ms, 0 for never) is kept.
// Sweeps only need to read the small index hash.
type RedisCache[V any] struct {
	opts RedisCacheOpts

	payloadKey string
	indexKey   string

	closed atomic.Bool
}

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for each redis call outside of ClearExpired.
	// Default is 1s.
	ClientTimeout time.Duration

	// HashName is the stable name of the payload hash. Required.
	HashName string

	// KeyPrefix is prepended to both hash names.
	KeyPrefix string

	// Compress enables zstd for large payload rows.
	Compress bool

	OrphanPolicy OrphanPolicy

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if len(opts.HashName) == 0 {
		return errors.New("empty hash name")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, defaultClientTimeout)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

func NewRedisCache[V any](opts RedisCacheOpts) (*RedisCache[V], error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	payloadKey := opts.KeyPrefix + opts.HashName
	return &RedisCache[V]{
		opts:       opts,
		payloadKey: payloadKey,
		indexKey:   payloadKey + indexSuffix,
	}, nil
}

// PayloadKey returns the name of the payload hash.
func (c *RedisCache[V]) PayloadKey() string {
	return c.payloadKey
}

// IndexKey returns the name of the expiration index hash.
func (c *RedisCache[V]) IndexKey() string {
	return c.indexKey
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s, %w", cache_backend.ErrBackendUnavailable, op, err)
}

// Close closes the client if a ClientCloser was given.
func (c *RedisCache[V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f := c.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (c *RedisCache[V]) Get(ctx context.Context, id string, now time.Time) (*cache_backend.Entry[V], bool, error) {
	if c.closed.Load() {
		return nil, false, cache_backend.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ClientTimeout)
	defer cancel()

	e, _, err := c.load(ctx, id, now)
	if err != nil || e == nil {
		return nil, false, err
	}
	return e, true, nil
}

// Take reads the row, checks it with match, then deletes it only if it
// still holds the bytes that were read. A lost race with a concurrent
// write is retried.
func (c *RedisCache[V]) Take(ctx context.Context, id string, now time.Time, match func(*cache_backend.Entry[V]) bool) (*cache_backend.Entry[V], bool, error) {
	if c.closed.Load() {
		return nil, false, cache_backend.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ClientTimeout)
	defer cancel()

	for i := 0; i < maxTakeAttempts; i++ {
		e, raw, err := c.load(ctx, id, now)
		if err != nil || e == nil {
			return nil, false, err
		}
		if match != nil && !match(e) {
			return nil, false, nil
		}
		deleted, err := c.casDelete(ctx, id, raw)
		if err != nil {
			return nil, false, err
		}
		if deleted {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// load returns the live entry of id and its raw row. Rows that are expired
// at now or cannot be decoded are removed, unless they were overwritten
// in the meantime, and reported as absent.
func (c *RedisCache[V]) load(ctx context.Context, id string, now time.Time) (*cache_backend.Entry[V], []byte, error) {
	b, err := c.opts.Client.HGet(ctx, c.payloadKey, id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil, nil
		}
		return nil, nil, unavailable("hget", err)
	}

	e, err := decodeEntry[V](b)
	if err != nil {
		// A row we cannot decode will never be served. Drop it.
		c.opts.Logger.Warn("invalid cache entry, removing", zap.String("hash", c.payloadKey), zap.String("id", id), zap.Error(err))
		if _, err := c.casDelete(ctx, id, b); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	// The sweep may not have run yet.
	if e.Expired(now) {
		if _, err := c.casDelete(ctx, id, b); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}
	return e, b, nil
}

// casDelete removes id from both hashes if its payload row still equals raw.
func (c *RedisCache[V]) casDelete(ctx context.Context, id string, raw []byte) (bool, error) {
	n, err := casDeleteScript.Run(ctx, c.opts.Client, []string{c.payloadKey, c.indexKey}, id, raw).Int()
	if err != nil {
		return false, unavailable("cas delete script", err)
	}
	return n == 1, nil
}

// Store writes the index row and the payload row in one MULTI/EXEC.
// The index row goes first, so a partial write can only leave a
// stray index row, which the sweep removes once it expires.
func (c *RedisCache[V]) Store(ctx context.Context, e *cache_backend.Entry[V]) error {
	if c.closed.Load() {
		return cache_backend.ErrClosed
	}
	b, err := encodeEntry(e, c.opts.Compress)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry, %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ClientTimeout)
	defer cancel()
	_, err = c.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.indexKey, e.ID, strconv.FormatInt(e.ExpirationMillis(), 10))
		p.HSet(ctx, c.payloadKey, e.ID, b)
		return nil
	})
	if err != nil {
		return unavailable("hset", err)
	}
	return nil
}

func (c *RedisCache[V]) Delete(ctx context.Context, id string) error {
	if c.closed.Load() {
		return cache_backend.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ClientTimeout)
	defer cancel()
	return c.del(ctx, id)
}

// del removes the payload row first, then the index row.
func (c *RedisCache[V]) del(ctx context.Context, ids ...string) error {
	_, err := c.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, c.payloadKey, ids...)
		p.HDel(ctx, c.indexKey, ids...)
		return nil
	})
	if err != nil {
		return unavailable("hdel", err)
	}
	return nil
}

// ClearExpired reads the index hash, selects the ids that are expired at
// now and deletes them from both hashes. Payload rows without an index
// row are handled according to OrphanPolicy.
// A sweep issues several calls and is bounded by ctx only.
func (c *RedisCache[V]) ClearExpired(ctx context.Context, now time.Time) (int, error) {
	if c.closed.Load() {
		return 0, cache_backend.ErrClosed
	}

	index, err := c.opts.Client.HGetAll(ctx, c.indexKey).Result()
	if err != nil {
		return 0, unavailable("hgetall", err)
	}

	nowMs := now.UnixMilli()
	var expired, invalid []string
	for id, v := range index {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			invalid = append(invalid, id)
			continue
		}
		if ms > 0 && nowMs > ms {
			expired = append(expired, id)
		}
	}

	removed := 0
	if len(invalid) > 0 {
		c.opts.Logger.Warn("invalid expiration index rows, removing", zap.String("hash", c.indexKey), zap.Strings("ids", invalid))
		if err := c.del(ctx, invalid...); err != nil {
			return 0, err
		}
		removed += len(invalid)
	}

	if len(expired) > 0 {
		c.opts.Logger.Debug("purging expired cache entries", zap.String("hash", c.payloadKey), zap.Strings("ids", expired))
		n, err := c.deleteIfExpired(ctx, expired, nowMs)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	n, err := c.reconcileOrphans(ctx, index, now)
	removed += n
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func (c *RedisCache[V]) deleteIfExpired(ctx context.Context, ids []string, nowMs int64) (int, error) {
	removed := 0
	keys := []string{c.payloadKey, c.indexKey}
	for start := 0; start < len(ids); start += sweepBatchSize {
		end := min(start+sweepBatchSize, len(ids))
		args := make([]any, 0, end-start+1)
		args = append(args, nowMs)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		n, err := sweepScript.Run(ctx, c.opts.Client, keys, args...).Int()
		if err != nil {
			return removed, unavailable("sweep script", err)
		}
		removed += n
	}
	return removed, nil
}

// reconcileOrphans deals with payload rows that have no index row. Put
// writes both rows in one transaction, so these only appear after a
// partial failure or a manual edit.
func (c *RedisCache[V]) reconcileOrphans(ctx context.Context, index map[string]string, now time.Time) (int, error) {
	keys, err := c.opts.Client.HKeys(ctx, c.payloadKey).Result()
	if err != nil {
		return 0, unavailable("hkeys", err)
	}
	var orphans []string
	for _, id := range keys {
		if _, ok := index[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	if c.opts.OrphanPolicy == OrphanBackfill {
		orphans, err = c.backfill(ctx, orphans, now)
		if err != nil {
			return 0, err
		}
		if len(orphans) == 0 {
			return 0, nil
		}
	}

	args := make([]any, 0, len(orphans))
	for _, id := range orphans {
		args = append(args, id)
	}
	n, err := orphanScript.Run(ctx, c.opts.Client, []string{c.payloadKey, c.indexKey}, args...).Int()
	if err != nil {
		return 0, unavailable("orphan script", err)
	}
	if n > 0 {
		c.opts.Logger.Warn("removed cache entries without expiration index", zap.String("hash", c.payloadKey), zap.Int("removed", n))
	}
	return n, nil
}

// backfill re-creates index rows for orphans that are still valid and
// returns the ones that must be deleted.
func (c *RedisCache[V]) backfill(ctx context.Context, orphans []string, now time.Time) ([]string, error) {
	var remove []string
	for _, id := range orphans {
		b, err := c.opts.Client.HGet(ctx, c.payloadKey, id).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, unavailable("hget", err)
		}
		e, err := decodeEntry[V](b)
		if err != nil || e.Expired(now) {
			remove = append(remove, id)
			continue
		}
		// HSETNX keeps an index row written by a concurrent Put.
		if err := c.opts.Client.HSetNX(ctx, c.indexKey, id, strconv.FormatInt(e.ExpirationMillis(), 10)).Err(); err != nil {
			return nil, unavailable("hsetnx", err)
		}
		c.opts.Logger.Info("backfilled expiration index", zap.String("hash", c.indexKey), zap.String("id", id))
	}
	return remove, nil
}

// Len returns the size of the payload hash.
func (c *RedisCache[V]) Len(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, cache_backend.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ClientTimeout)
	defer cancel()
	i, err := c.opts.Client.HLen(ctx, c.payloadKey).Result()
	if err != nil {
		return 0, unavailable("hlen", err)
	}
	return int(i), nil
}

func (c *RedisCache[V]) Ping(ctx context.Context) error {
	n, err := c.Len(ctx)
	if err != nil {
		return err
	}
	c.opts.Logger.Debug("redis hash reachable", zap.String("hash", c.payloadKey), zap.Int("size", n))
	return nil
}
