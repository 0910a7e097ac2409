// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package script

// Script names used as registry keys and metric labels.
const (
	Transfer           = "transfer"
	DeleteAndDecrement = "delete-and-decrement"
	Restore            = "restore"
)

// transferLua moves the live buffer to a snapshot key and returns its contents.
// KEYS[1] = source hash, KEYS[2] = snapshot key, ARGV[1] = snapshot TTL in seconds.
// Returns an empty array when the source does not exist; no snapshot key is created.
const transferLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {}
end
redis.call('RENAME', KEYS[1], KEYS[2])
local ttl = tonumber(ARGV[1])
if ttl and ttl > 0 then
  redis.call('EXPIRE', KEYS[2], ttl)
end
return redis.call('HGETALL', KEYS[2])
`

// deleteAndDecrementLua drops a committed snapshot and lowers the pending total.
// KEYS[1] = snapshot key, KEYS[2] = pending total, ARGV[1] = snapshot sum.
// The total is only decremented when the snapshot still existed. Returns 1 or 0.
const deleteAndDecrementLua = `
local deleted = redis.call('DEL', KEYS[1])
if deleted == 1 then
  local amount = tonumber(ARGV[1])
  if amount and amount ~= 0 then
    redis.call('DECRBY', KEYS[2], ARGV[1])
  end
end
return deleted
`

// restoreLua merges a snapshot back into the live buffer and deletes it.
// KEYS[1] = snapshot key, KEYS[2] = source hash, KEYS[3] = pending total (optional).
// ARGV lists members already persisted; they are not restored and their sum is
// taken off the pending total.
// Values are added with HINCRBY so increments that arrived meanwhile are kept.
// Non-integer values are skipped before any write so the script never aborts halfway.
// Returns the number of restored members, 0 when the snapshot is missing.
const restoreLua = `
local entries = redis.call('HGETALL', KEYS[1])
if #entries == 0 then
  return 0
end
local persisted = {}
for i = 1, #ARGV do
  persisted[ARGV[i]] = true
end
local restored = 0
local written = 0
for i = 1, #entries, 2 do
  local v = entries[i + 1]
  if string.match(v, '^-?%d+$') then
    if persisted[entries[i]] then
      written = written + tonumber(v)
    else
      redis.call('HINCRBY', KEYS[2], entries[i], v)
      restored = restored + 1
    end
  end
end
if KEYS[3] and written ~= 0 then
  redis.call('DECRBY', KEYS[3], written)
end
redis.call('DEL', KEYS[1])
return restored
`

// sources lists every script the registry knows how to load.
var sources = map[string]string{
	Transfer:           transferLua,
	DeleteAndDecrement: deleteAndDecrementLua,
	Restore:            restoreLua,
}
