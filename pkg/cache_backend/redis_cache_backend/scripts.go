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
	"github.com/redis/go-redis/v9"
)

// sweepScript deletes ARGV[2:] from both hashes if their index row is
// still expired at ARGV[1]. Re-checking inside the script keeps a
// concurrent overwrite from being deleted. Returns the number of payload
// rows removed.
var sweepScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local removed = 0
for i = 2, #ARGV do
	local exp = tonumber(redis.call('HGET', KEYS[2], ARGV[i]))
	if exp ~= nil and exp > 0 and exp < now then
		removed = removed + redis.call('HDEL', KEYS[1], ARGV[i])
		redis.call('HDEL', KEYS[2], ARGV[i])
	end
end
return removed
`)

// orphanScript deletes payload rows ARGV[1:] that still have no index row.
var orphanScript = redis.NewScript(`
local removed = 0
for i = 1, #ARGV do
	if redis.call('HEXISTS', KEYS[2], ARGV[i]) == 0 then
		removed = removed + redis.call('HDEL', KEYS[1], ARGV[i])
	end
end
return removed
`)

// casDeleteScript deletes ARGV[1] from both hashes if its payload row is
// still ARGV[2]. Returns 1 if deleted.
var casDeleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call('HDEL', KEYS[1], ARGV[1])
	redis.call('HDEL', KEYS[2], ARGV[1])
	return 1
end
return 0
`)
