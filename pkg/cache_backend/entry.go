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
	"encoding/json"
	"time"
)

// Clock returns the current time. Tests replace it with a fake.
type Clock func() time.Time

// Entry is one cached payload.
type Entry[V any] struct {
	ID      string
	Payload V

	// OwnerID is the identity of the principal that created the entry.
	// Empty means no ownership check.
	OwnerID string

	// ExpirationTime is the zero time if the entry never expires.
	ExpirationTime time.Time
}

// Expired reports whether e has an expiration time and now is past it.
func (e *Entry[V]) Expired(now time.Time) bool {
	return !e.ExpirationTime.IsZero() && now.After(e.ExpirationTime)
}

// ExpirationMillis returns the expiration time in epoch milliseconds,
// or 0 if e never expires.
func (e *Entry[V]) ExpirationMillis() int64 {
	if e.ExpirationTime.IsZero() {
		return 0
	}
	return e.ExpirationTime.UnixMilli()
}

// FromMillis is the inverse of Entry.ExpirationMillis.
func FromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type entryJson[V any] struct {
	ID             string `json:"id"`
	Payload        V      `json:"payload"`
	OwnerID        string `json:"owner_id,omitempty"`
	ExpirationTime int64  `json:"expiration_time,omitempty"`
}

func (e Entry[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJson[V]{
		ID:             e.ID,
		Payload:        e.Payload,
		OwnerID:        e.OwnerID,
		ExpirationTime: e.ExpirationMillis(),
	})
}

func (e *Entry[V]) UnmarshalJSON(b []byte) error {
	var j entryJson[V]
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	e.ID = j.ID
	e.Payload = j.Payload
	e.OwnerID = j.OwnerID
	e.ExpirationTime = FromMillis(j.ExpirationTime)
	return nil
}
