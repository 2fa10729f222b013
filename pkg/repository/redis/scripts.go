package redis

import "github.com/redis/go-redis/v9"

// moveScript moves an id between the pending/completed/failed sets and updates its hash in
// one step.
//
// KEYS: pending, completed, failed, job hash
// ARGV: id, target (0 keeps membership, 1..3 selects a set), now ms, ttl seconds,
// then field/value pairs. A field prefixed with "?" is only written when absent.
var moveScript = redis.NewScript(`
local id = ARGV[1]
local target = tonumber(ARGV[2])
local nowMs = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if target > 0 then
  for i = 1, 3 do
    if i ~= target then
      redis.call("ZREM", KEYS[i], id)
    end
  end
  redis.call("ZADD", KEYS[target], "NX", nowMs, id)
end

for i = 5, #ARGV, 2 do
  local field = ARGV[i]
  if string.sub(field, 1, 1) == "?" then
    redis.call("HSETNX", KEYS[4], string.sub(field, 2), ARGV[i + 1])
  else
    redis.call("HSET", KEYS[4], field, ARGV[i + 1])
  end
end

if ttl > 0 and redis.call("HGET", KEYS[4], "retained") ~= "1" then
  redis.call("EXPIRE", KEYS[4], ttl)
end
return 1
`)

// rememberScript persists the job hash and indexes it under each monitored tag.
//
// KEYS: job hash, monitoring set
// ARGV: id, now ms, tag key prefix, connection, queue, payload, tags...
var rememberScript = redis.NewScript(`
redis.call("HSET", KEYS[1], "id", ARGV[1], "connection", ARGV[4], "queue", ARGV[5], "payload", ARGV[6], "retained", "1")
redis.call("PERSIST", KEYS[1])
for i = 7, #ARGV do
  if redis.call("SISMEMBER", KEYS[2], ARGV[i]) == 1 then
    redis.call("ZADD", ARGV[3] .. ARGV[i], ARGV[2], ARGV[1])
  end
end
return 1
`)

// trimScript drops ids older than the cutoff from one set together with their hashes and
// their entries in the monitored tag indexes, skipping retained jobs.
//
// KEYS: set, monitoring set
// ARGV: cutoff ms (exclusive), job key prefix, tag key prefix
var trimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local tags = redis.call("SMEMBERS", KEYS[2])
local removed = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  if redis.call("HGET", key, "retained") ~= "1" then
    redis.call("ZREM", KEYS[1], id)
    redis.call("DEL", key)
    for _, tag in ipairs(tags) do
      redis.call("ZREM", ARGV[3] .. tag, id)
    end
    removed = removed + 1
  end
end
return removed
`)

// stopMonitoringScript removes a tag from the monitoring set and drops its index. Jobs
// the index held that no other monitored tag covers lose their retained flag and get a
// TTL again, so Trim can reclaim them.
//
// KEYS: monitoring set, tag index
// ARGV: tag, job key prefix, tag key prefix, ttl seconds
var stopMonitoringScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
local ids = redis.call("ZRANGE", KEYS[2], 0, -1)
local tags = redis.call("SMEMBERS", KEYS[1])
local released = 0
for _, id in ipairs(ids) do
  local covered = false
  for _, tag in ipairs(tags) do
    if redis.call("ZSCORE", ARGV[3] .. tag, id) then
      covered = true
      break
    end
  end
  local key = ARGV[2] .. id
  if not covered and redis.call("EXISTS", key) == 1 then
    redis.call("HSET", key, "retained", "0")
    redis.call("EXPIRE", key, tonumber(ARGV[4]))
    released = released + 1
  end
end
redis.call("DEL", KEYS[2])
return released
`)
