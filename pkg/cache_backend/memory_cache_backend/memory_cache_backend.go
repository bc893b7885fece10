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

package memory_cache_backend

import (
	"context"
	"github.com/Vizaxe/flowcache/pkg/cache_backend"
	"sync"
	"time"
)

const defaultInitialSize = 64

var _ cache_backend.Backend[string] = (*MemoryCache[string])(nil)

// MemoryCache is a simple map cache that stores entries in memory.
// It is safe for concurrent use. Entries do not survive a restart.
type MemoryCache[V any] struct {
	mu sync.Mutex
	m  map[string]*cache_backend.Entry[V] // nil after Close
}

type MemoryCacheOpts struct {
	// InitialSize is a capacity hint for the inner map.
	InitialSize int
}

func NewMemoryCache[V any](opts MemoryCacheOpts) *MemoryCache[V] {
	if opts.InitialSize <= 0 {
		opts.InitialSize = defaultInitialSize
	}
	return &MemoryCache[V]{
		m: make(map[string]*cache_backend.Entry[V], opts.InitialSize),
	}
}

// Close drops all entries. Later calls return cache_backend.ErrClosed.
func (c *MemoryCache[V]) Close() error {
	c.mu.Lock()
	c.m = nil
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache[V]) Get(_ context.Context, id string, now time.Time) (*cache_backend.Entry[V], bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return nil, false, cache_backend.ErrClosed
	}
	e, ok := c.liveLocked(id, now)
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (c *MemoryCache[V]) Take(_ context.Context, id string, now time.Time, match func(*cache_backend.Entry[V]) bool) (*cache_backend.Entry[V], bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return nil, false, cache_backend.ErrClosed
	}
	e, ok := c.liveLocked(id, now)
	if !ok {
		return nil, false, nil
	}
	cp := *e
	if match != nil && !match(&cp) {
		return nil, false, nil
	}
	delete(c.m, id)
	return &cp, true, nil
}

// liveLocked returns the entry of id, removing it if it is expired.
func (c *MemoryCache[V]) liveLocked(id string, now time.Time) (*cache_backend.Entry[V], bool) {
	e, ok := c.m[id]
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		delete(c.m, id)
		return nil, false
	}
	return e, true
}

func (c *MemoryCache[V]) Store(_ context.Context, e *cache_backend.Entry[V]) error {
	cp := *e
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return cache_backend.ErrClosed
	}
	c.m[e.ID] = &cp
	return nil
}

func (c *MemoryCache[V]) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return cache_backend.ErrClosed
	}
	delete(c.m, id)
	return nil
}

// ClearExpired walks all entries once and removes the expired ones.
func (c *MemoryCache[V]) ClearExpired(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return 0, cache_backend.ErrClosed
	}
	n := 0
	for id, e := range c.m {
		if e.Expired(now) {
			delete(c.m, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache[V]) Len(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return 0, cache_backend.ErrClosed
	}
	return len(c.m), nil
}

func (c *MemoryCache[V]) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return cache_backend.ErrClosed
	}
	return nil
}
