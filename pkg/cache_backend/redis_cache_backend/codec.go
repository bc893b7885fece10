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
	"bytes"
	"encoding/json"
	"fmt"
	"github.com/Vizaxe/flowcache/pkg/cache_backend"
	"github.com/klauspost/compress/zstd"
)

// Payloads at least this long are compressed when compression is enabled.
const compressThreshold = 256

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

	// Both are safe for concurrent EncodeAll/DecodeAll calls.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func encodeEntry[V any](e *cache_backend.Entry[V], compress bool) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if compress && len(b) >= compressThreshold {
		return zstdEncoder.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
	}
	return b, nil
}

// decodeEntry accepts both plain json rows and zstd frames, so the
// compression option can be toggled on a live hash.
func decodeEntry[V any](b []byte) (*cache_backend.Entry[V], error) {
	if bytes.HasPrefix(b, zstdMagic) {
		raw, err := zstdDecoder.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode, %w", err)
		}
		b = raw
	}
	e := new(cache_backend.Entry[V])
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
