package seckill

import redis "github.com/redis/go-redis/v9"

// decisionScript is the atomic seckill decision, embedded so the operation
// is versioned with the codebase; go-redis loads it once and reuses it by
// content hash.
//
// KEYS[1] stock counter, KEYS[2] per-voucher membership set, KEYS[3] order
// stream. ARGV[1] userId, ARGV[2] voucherId, ARGV[3] orderId, ARGV[4] "1"
// to enqueue from inside the script (stream transport). The entry fields
// written by XADD match the queue package's Task encoding.
//
// Returns 0 accepted, 1 sold out, 2 duplicate order.
var decisionScript = redis.NewScript(`
local stock = tonumber(redis.call('GET', KEYS[1]))
if stock == nil or stock <= 0 then
    return 1
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
    return 2
end
redis.call('INCRBY', KEYS[1], -1)
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
    redis.call('XADD', KEYS[3], '*', 'id', ARGV[3], 'userId', ARGV[1], 'voucherId', ARGV[2])
end
return 0
`)
