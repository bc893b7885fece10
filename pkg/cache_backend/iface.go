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

package cache_backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnavailable wraps every transport failure of a remote backend.
	// Callers must not treat it as a cache miss.
	ErrBackendUnavailable = errors.New("cache backend unavailable")

	ErrClosed = errors.New("cache backend is closed")
)

// Backend stores entries of one logical cache.
// Implementations must be safe for concurrent use.
//
// now is supplied by the caller so that every expiry decision of a
// cache is made against the same clock.
type Backend[V any] interface {
	// Get returns the entry for id. An entry that is expired at now is
	// removed and reported as absent.
	Get(ctx context.Context, id string, now time.Time) (e *Entry[V], ok bool, err error)

	// Store writes e, replacing any entry with the same ID together with its
	// expiration.
	Store(ctx context.Context, e *Entry[V]) error

	// Take atomically removes and returns the entry for id if it is not
	// expired at now and match accepts it. A rejected entry is kept.
	// Of concurrent Takes of one entry, at most one succeeds.
	// A nil match accepts every entry.
	Take(ctx context.Context, id string, now time.Time, match func(e *Entry[V]) bool) (e *Entry[V], ok bool, err error)

	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// ClearExpired removes every entry that is expired at now and returns
	// the number of removed entries.
	ClearExpired(ctx context.Context, now time.Time) (int, error)

	Len(ctx context.Context) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
