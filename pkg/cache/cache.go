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

package cache

import (
	"context"
	"errors"
	"fmt"
	"github.com/Vizaxe/flowcache/pkg/cache_backend"
	"github.com/Vizaxe/flowcache/pkg/utils"
	"go.uber.org/zap"
	"time"
)

const (
	defaultTTL = time.Minute * 5

	// NoExpiration passed as ttl to Put stores an entry that never expires.
	NoExpiration time.Duration = -1
)

var nopLogger = zap.NewNop()

var ErrInvalidID = errors.New("empty cache entry id")

// Cache is the owner-scoped, expiring store for one payload kind.
// Expired entries are never returned, whether or not a sweep has
// removed them yet.
type Cache[T any] struct {
	opts    Opts
	backend cache_backend.Backend[T]
	m       *metrics
}

type Opts struct {
	// Name identifies the cache in logs and metrics. Required.
	Name string

	// DefaultTTL is used by Put when ttl is 0.
	// Default is 5m.
	DefaultTTL time.Duration

	// Clock defaults to time.Now.
	Clock cache_backend.Clock

	// Logger is the *zap.Logger for this Cache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) init() error {
	if len(opts.Name) == 0 {
		return errors.New("empty cache name")
	}
	utils.SetDefaultNum(&opts.DefaultTTL, defaultTTL)
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

func New[T any](backend cache_backend.Backend[T], opts Opts) (*Cache[T], error) {
	if backend == nil {
		return nil, errors.New("nil backend")
	}
	if err := opts.init(); err != nil {
		return nil, err
	}
	c := &Cache[T]{
		opts:    opts,
		backend: backend,
	}
	c.m = newMetrics(opts.Name, func() float64 {
		n, err := backend.Len(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})
	return c, nil
}

func (c *Cache[T]) Name() string {
	return c.opts.Name
}

// Put stores payload under id, replacing any previous entry.
// A zero ttl uses Opts.DefaultTTL, a negative ttl disables expiry.
func (c *Cache[T]) Put(ctx context.Context, id string, payload T, ownerID string, ttl time.Duration) error {
	if len(id) == 0 {
		return ErrInvalidID
	}
	c.m.putTotal.Inc()
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	e := &cache_backend.Entry[T]{
		ID:      id,
		Payload: payload,
		OwnerID: ownerID,
	}
	if ttl > 0 {
		e.ExpirationTime = c.opts.Clock().Add(ttl)
	}
	if err := c.backend.Store(ctx, e); err != nil {
		return c.backendErr("put", id, err)
	}
	c.opts.Logger.Debug("cache entry stored", zap.String("cache", c.opts.Name), zap.String("id", id), zap.Time("expiration", e.ExpirationTime))
	return nil
}

// Get returns the payload stored under id. ok is false if the entry does
// not exist, has expired or, when ownerID is not empty, belongs to someone
// else. These cases are not distinguishable by the caller.
// An entry stored without owner matches any ownerID.
func (c *Cache[T]) Get(ctx context.Context, id string, ownerID string) (payload T, ok bool, err error) {
	c.m.getTotal.Inc()
	e, err := c.lookup(ctx, id, ownerID)
	if err != nil || e == nil {
		return payload, false, err
	}
	return e.Payload, true, nil
}

// Take returns the payload of id and removes it in one step, for single
// use entries. Of concurrent Takes of one id at most one gets ok. An
// entry owned by someone else is kept.
func (c *Cache[T]) Take(ctx context.Context, id string, ownerID string) (payload T, ok bool, err error) {
	c.m.getTotal.Inc()
	if len(id) == 0 {
		return payload, false, nil
	}
	e, ok, err := c.backend.Take(ctx, id, c.opts.Clock(), func(e *cache_backend.Entry[T]) bool {
		if !ownerMatches(e, ownerID) {
			c.m.ownerMismatchTotal.Inc()
			c.opts.Logger.Info("cache entry owner mismatch", zap.String("cache", c.opts.Name), zap.String("id", id), zap.String("owner", ownerID))
			return false
		}
		return true
	})
	if err != nil {
		return payload, false, c.backendErr("take", id, err)
	}
	if !ok {
		return payload, false, nil
	}
	c.m.hitTotal.Inc()
	c.m.removedTotal.Inc()
	return e.Payload, true, nil
}

// ownerMatches reports whether a lookup by ownerID may see e.
// An empty owner on either side matches anything.
func ownerMatches[T any](e *cache_backend.Entry[T], ownerID string) bool {
	return len(ownerID) == 0 || len(e.OwnerID) == 0 || e.OwnerID == ownerID
}

func (c *Cache[T]) lookup(ctx context.Context, id string, ownerID string) (*cache_backend.Entry[T], error) {
	if len(id) == 0 {
		return nil, nil
	}
	now := c.opts.Clock()
	e, ok, err := c.backend.Get(ctx, id, now)
	if err != nil {
		return nil, c.backendErr("get", id, err)
	}
	if !ok {
		c.opts.Logger.Debug("cache miss", zap.String("cache", c.opts.Name), zap.String("id", id))
		return nil, nil
	}
	if e.Expired(now) {
		c.m.expiredTotal.Inc()
		return nil, nil
	}
	if !ownerMatches(e, ownerID) {
		c.m.ownerMismatchTotal.Inc()
		c.opts.Logger.Info("cache entry owner mismatch", zap.String("cache", c.opts.Name), zap.String("id", id), zap.String("owner", ownerID))
		return nil, nil
	}
	c.m.hitTotal.Inc()
	c.opts.Logger.Debug("cache hit", zap.String("cache", c.opts.Name), zap.String("id", id))
	return e, nil
}

// Remove deletes id. Removing an absent id is not an error.
func (c *Cache[T]) Remove(ctx context.Context, id string) error {
	if len(id) == 0 {
		return nil
	}
	if err := c.backend.Delete(ctx, id); err != nil {
		return c.backendErr("remove", id, err)
	}
	c.m.removedTotal.Inc()
	return nil
}

// ClearExpired deletes every entry whose expiration time has passed and
// returns how many were removed. It is safe to call at any time.
func (c *Cache[T]) ClearExpired(ctx context.Context) (int, error) {
	n, err := c.backend.ClearExpired(ctx, c.opts.Clock())
	if n > 0 {
		c.m.expiredTotal.Add(float64(n))
	}
	if err != nil {
		c.m.backendErrorsTotal.Inc()
		return n, fmt.Errorf("failed to clear expired entries of %s, %w", c.opts.Name, err)
	}
	return n, nil
}

// Len returns the number of stored entries, including expired entries
// that have not been swept yet.
func (c *Cache[T]) Len(ctx context.Context) (int, error) {
	return c.backend.Len(ctx)
}

// Ping checks that the backend is reachable.
func (c *Cache[T]) Ping(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		return fmt.Errorf("cache %s, %w", c.opts.Name, err)
	}
	return nil
}

func (c *Cache[T]) Close() error {
	return c.backend.Close()
}

func (c *Cache[T]) backendErr(op, id string, err error) error {
	c.m.backendErrorsTotal.Inc()
	c.opts.Logger.Warn("cache backend error", zap.String("cache", c.opts.Name), zap.String("op", op), zap.String("id", id), zap.Error(err))
	return fmt.Errorf("cache %s %s, %w", c.opts.Name, op, err)
}
