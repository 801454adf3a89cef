// Package middleware 提供 HTTP 限流中介軟體。
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// RateLimiterFunc 限流函數，本地與 Redis 限流器都符合此簽名。
type RateLimiterFunc func(ctx context.Context, key string) (bool, error)

// RateLimitConfig 限流中介軟體設定。
type RateLimitConfig struct {
	// KeyFunc 從請求提取限流 key，預設為客戶端 IP
	KeyFunc func(r *http.Request) string

	// Limiter 限流器函數
	Limiter RateLimiterFunc

	// Skip 返回 true 的請求不受限流（如 WebSocket 升級）
	Skip func(r *http.Request) bool

	// OnRateLimited 限流觸發時的處理，預設返回 429
	OnRateLimited http.HandlerFunc

	// Timeout 單次限流檢查逾時，預設 100ms
	Timeout time.Duration

	Logger *slog.Logger
}

// RateLimit 建立限流中介軟體。
//
// 限流器出錯時放行請求並記錄日誌。
func RateLimit(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.KeyFunc == nil {
		config.KeyFunc = ClientIP
	}
	if config.OnRateLimited == nil {
		config.OnRateLimited = defaultRateLimitedHandler
	}
	if config.Timeout <= 0 {
		config.Timeout = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Skip != nil && config.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := config.KeyFunc(r)

			ctx, cancel := context.WithTimeout(r.Context(), config.Timeout)
			defer cancel()

			allowed, err := config.Limiter(ctx, key)
			if err != nil {
				config.Logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					"key", key,
					"error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				config.OnRateLimited(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 取出客戶端 IP（不含埠）
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// defaultRateLimitedHandler 預設的限流回應。
func defaultRateLimitedHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "60")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"Too many requests, please try again later."}`))
}
