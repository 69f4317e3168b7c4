package redis

import "github.com/redis/go-redis/v9"

// Job hashes are addressed as prefix + "job:" + id. Scripts build those keys
// from ARGV, so this backend targets a single Redis node, not a cluster.

// leaseScript moves up to ARGV[3] ready jobs into the in-flight set.
// KEYS: ready, inflight, stats
// ARGV: now_ms, lease_expiry_ms, max_jobs, worker, lease_expiry_ns, job_key_prefix, tokens...
var leaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for i, id in ipairs(ids) do
	local key = ARGV[6] .. id
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	redis.call('HINCRBY', key, 'attempts', 1)
	redis.call('HSET', key, 'status', 'in_flight', 'lease_owner', ARGV[4],
		'lease_token', ARGV[6 + i], 'lease_expiry', ARGV[5])
	redis.call('HINCRBY', KEYS[3], 'queued', -1)
	redis.call('HINCRBY', KEYS[3], 'in_flight', 1)
	out[#out + 1] = id
end
return out
`)

// transitionScript settles a leased job: ack, nack or fail. A nack at the
// attempt ceiling becomes a dead letter. Returns -1 when the job does not
// exist and 0 when the token is stale.
// KEYS: job, inflight, ready, dead, stats
// ARGV: id, token, op, now_ns, now_ms, visible_ms, visible_ns, reason
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local st = redis.call('HMGET', KEYS[1], 'status', 'lease_token', 'attempts', 'max_attempts')
if st[1] ~= 'in_flight' or st[2] ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'lease_owner', '', 'lease_token', '', 'lease_expiry', '')
redis.call('HINCRBY', KEYS[5], 'in_flight', -1)
local op = ARGV[3]
if op == 'nack' and tonumber(st[3]) >= tonumber(st[4]) then op = 'dead' end
if op == 'ack' then
	redis.call('HSET', KEYS[1], 'status', 'done', 'completed_at', ARGV[4])
	redis.call('HINCRBY', KEYS[5], 'done', 1)
elseif op == 'nack' then
	redis.call('HSET', KEYS[1], 'status', 'queued', 'visible_at', ARGV[7],
		'last_error', ARGV[8], 'completed_at', '')
	redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
	redis.call('HINCRBY', KEYS[5], 'queued', 1)
else
	local status = 'failed'
	if op == 'dead' then status = 'dead_lettered' end
	redis.call('HSET', KEYS[1], 'status', status, 'last_error', ARGV[8], 'completed_at', ARGV[4])
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
	redis.call('HINCRBY', KEYS[5], status, 1)
end
return 1
`)

// requeueScript revives a failed or dead-lettered job. Returns "" when the
// job does not exist, "ok" on success, and the current status otherwise.
// KEYS: job, dead, ready, stats
// ARGV: id, now_ns, now_ms
var requeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return '' end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'failed' and status ~= 'dead_lettered' then return status end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'queued', 'attempts', 0, 'visible_at', ARGV[2], 'completed_at', '')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HINCRBY', KEYS[4], status, -1)
redis.call('HINCRBY', KEYS[4], 'queued', 1)
return 'ok'
`)
