package internal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/room-relay/internal/limiter"
	"github.com/koopa0/room-relay/internal/middleware"
	"github.com/koopa0/room-relay/pkg/logger"
	"github.com/rs/cors"
)

// Handler HTTP 請求處理器
type Handler struct {
	cfg     *Config
	hub     *Hub
	metrics *Metrics
	limiter middleware.RateLimiterFunc
	logger  *slog.Logger
	started time.Time
}

// HandlerOptions Handler 依賴
type HandlerOptions struct {
	Config  *Config
	Hub     *Hub
	Metrics *Metrics
	// Limiter HTTP 限流器，為 nil 時使用單機令牌桶
	Limiter middleware.RateLimiterFunc
	Logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(opts HandlerOptions) *Handler {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	lim := opts.Limiter
	if lim == nil {
		lim = limiter.NewKeyedLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window).Allow
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		cfg:     cfg,
		hub:     opts.Hub,
		metrics: metrics,
		limiter: lim,
		logger:  log,
		started: time.Now(),
	}
}

// Routes 設置路由
//
// 中介軟體順序（外到內）：recoverer → request id → logger → 安全標頭 → CORS → 限流 → body 上限。
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", h.hub.ServeWS)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /stats", h.stats)
	mux.Handle("GET /metrics", h.metrics.Handler())

	if static := newStaticHandler(h.cfg.Server.StaticDir); static != nil {
		mux.Handle("/", static)
	} else {
		h.logger.Warn("static directory not found, serving API only", "dir", h.cfg.Server.StaticDir)
		mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
			h.errorResponse(w, "Not Found", http.StatusNotFound)
		})
	}

	origins := h.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})

	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Limiter: h.limiter,
		Skip: func(r *http.Request) bool {
			return r.URL.Path == "/ws"
		},
		Logger: h.logger,
	})

	var handler http.Handler = mux
	handler = h.bodyLimit(handler)
	handler = rateLimit(handler)
	handler = c.Handler(handler)
	handler = h.securityHeaders(handler)
	handler = h.loggerMiddleware(handler)
	handler = h.requestID(handler)
	handler = h.recoverer(handler)
	return handler
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	stats := h.hub.Registry().Stats()
	h.jsonResponse(w, map[string]any{
		"rooms":          stats.Rooms,
		"members":        stats.Members,
		"sessions":       h.hub.SessionCount(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json response", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// requestID 為每個請求指定 ID，沿用客戶端帶來的 X-Request-ID
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(ww, r)

		h.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(ww.statusCode)).Inc()
		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	})
}

// securityHeaders 常見安全標頭
func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "SAMEORIGIN")
		header.Set("X-DNS-Prefetch-Control", "off")
		header.Set("Referrer-Policy", "no-referrer")
		header.Set("Cross-Origin-Opener-Policy", "same-origin")
		header.Set("Cross-Origin-Resource-Policy", "same-origin")
		header.Set("Content-Security-Policy",
			"default-src 'self'; connect-src 'self' ws: wss:; img-src 'self' data:; style-src 'self' 'unsafe-inline'; object-src 'none'; frame-ancestors 'self'")
		if h.cfg.IsProduction() {
			header.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimit 限制請求 body 大小
func (h *Handler) bodyLimit(next http.Handler) http.Handler {
	limit := h.cfg.Server.MaxBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			h.errorResponse(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				h.logger.ErrorContext(r.Context(), "panic while handling request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack WebSocket 升級需要
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack: %w", err)
	}
	return conn, rw, nil
}

// Flush 實現 http.Flusher
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 供 http.ResponseController 使用
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
