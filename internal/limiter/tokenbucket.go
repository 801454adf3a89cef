// Package limiter 實作房間中繼服務使用的限流器。
//
//   - TokenBucket: 單一令牌桶（每條 WebSocket 連線的幀限流）
//   - KeyedLimiter: 以 key（如客戶端 IP）分桶的令牌桶（HTTP 限流）
//   - DistributedTokenBucket: Redis + Lua 的共享令牌桶
package limiter

import (
	"context"
	"sync"
	"time"
)

// TokenBucket 令牌桶限流器。
//
// 桶以固定速率補充令牌，請求到達時取出一個令牌，桶空則拒絕。
type TokenBucket struct {
	capacity   float64   // 桶容量
	tokens     float64   // 當前令牌數
	refillRate float64   // 每秒補充的令牌數
	lastRefill time.Time // 上次補充時間
	mu         sync.Mutex
}

// NewTokenBucket 建立令牌桶，初始為滿桶。
//
// capacity 決定最大突發量，refillRate 為每秒補充數（可小於 1）。
func NewTokenBucket(capacity int64, refillRate float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = float64(capacity)
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// NewTokenBucketForWindow 以「每 window 最多 capacity 次」建立令牌桶
//
// 例如 100 次 / 15 分鐘。
func NewTokenBucketForWindow(capacity int64, window time.Duration) *TokenBucket {
	if window <= 0 {
		window = time.Second
	}
	return NewTokenBucket(capacity, float64(capacity)/window.Seconds())
}

// Allow 檢查是否允許請求通過。
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 返回當前令牌數（用於監控與測試）。
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return tb.tokens
}

// refill 依經過時間補充令牌，呼叫者需持有鎖
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// full 桶是否已滿（閒置桶可被回收）
func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return tb.tokens >= tb.capacity
}

// KeyedLimiter 依 key 分桶的本地限流器。
type KeyedLimiter struct {
	capacity int64
	window   time.Duration

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewKeyedLimiter 建立分桶限流器，每個 key 每 window 最多 capacity 次
func NewKeyedLimiter(capacity int64, window time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*TokenBucket),
	}
}

// Allow 符合 middleware.RateLimiterFunc 簽名；本地限流不會回傳錯誤。
func (kl *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	kl.mu.Lock()
	bucket, ok := kl.buckets[key]
	if !ok {
		bucket = NewTokenBucketForWindow(kl.capacity, kl.window)
		kl.buckets[key] = bucket
	}
	kl.mu.Unlock()

	return bucket.Allow(), nil
}

// Len 目前追蹤的 key 數量
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

// Sweep 移除已補滿的桶，滿桶與新建桶等價
func (kl *KeyedLimiter) Sweep() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	removed := 0
	for key, bucket := range kl.buckets {
		if bucket.full() {
			delete(kl.buckets, key)
			removed++
		}
	}
	return removed
}

// Run 定期回收閒置桶，直到 ctx 結束
func (kl *KeyedLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kl.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
