package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedTokenBucket 以 Redis 儲存桶狀態的令牌桶。
//
// 狀態存放在兩個 key：
//   - {prefix}{key}:tokens
//   - {prefix}{key}:last_refill（毫秒時間戳）
//
// 整段讀取、補充、扣除在 Lua 腳本中執行，Redis 保證原子性。
type DistributedTokenBucket struct {
	client     redis.Scripter
	prefix     string
	capacity   int64
	refillRate float64 // 每秒
	ttl        time.Duration
	script     *redis.Script
}

// KEYS[1]: 桶 key
// ARGV[1]: 容量
// ARGV[2]: 每毫秒補充數
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: key 存活秒數
//
// 返回 1 允許，0 拒絕
var tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', key .. ':tokens', tokens, 'EX', ttl)
redis.call('SET', key .. ':last_refill', now, 'EX', ttl)

return allowed
`

// NewDistributedTokenBucket 建立共享令牌桶，每 window 最多 capacity 次
func NewDistributedTokenBucket(client redis.Scripter, prefix string, capacity int64, window time.Duration) *DistributedTokenBucket {
	if window <= 0 {
		window = time.Second
	}
	ttl := 2 * window
	if ttl < time.Second {
		ttl = time.Second
	}
	return &DistributedTokenBucket{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: float64(capacity) / window.Seconds(),
		ttl:        ttl,
		script:     redis.NewScript(tokenBucketScript),
	}
}

// Allow 檢查是否允許請求。
//
// Redis 錯誤時返回 true 與錯誤，由呼叫者決定是否放行。
func (dtb *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()

	result, err := dtb.script.Run(
		ctx,
		dtb.client,
		[]string{dtb.prefix + key},
		dtb.capacity,
		dtb.refillRate/1000,
		now,
		int64(dtb.ttl.Seconds()),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis token bucket: %w", err)
	}

	return result == 1, nil
}
