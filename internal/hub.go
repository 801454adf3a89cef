package internal

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub WebSocket 連線中心
//
// 持有所有開啟中的會話，負責升級連線、啟動讀寫 goroutine 與關機時的拆除。
// 房間成員關係不在 Hub，由 Registry 管理。
type Hub struct {
	cfg         *Config
	registry    *Registry
	broadcaster *Broadcaster
	publisher   EventPublisher
	metrics     *Metrics
	monitor     *Monitor
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	sessions map[string]*Session
	closing  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// HubOptions Hub 依賴
type HubOptions struct {
	Config    *Config
	Registry  *Registry
	Publisher EventPublisher
	Metrics   *Metrics
	Logger    *slog.Logger
}

// NewHub 創建 Hub 並啟動存活檢測
func NewHub(opts HubOptions) *Hub {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(RandomCodeGenerator{}, cfg.Rooms.MaxCodeAttempts, logger)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = NewLogPublisher(logger)
	}

	hub := &Hub{
		cfg:         cfg,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, metrics, logger),
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}

	hub.monitor = NewMonitor(hub, cfg.Liveness.Interval, cfg.Liveness.MaxMissedProbes, metrics, logger)
	hub.monitor.Start()

	return hub
}

// Registry 房間註冊表
func (hub *Hub) Registry() *Registry {
	return hub.registry
}

// Broadcaster 廣播器
func (hub *Hub) Broadcaster() *Broadcaster {
	return hub.broadcaster
}

// Monitor 存活檢測器
func (hub *Hub) Monitor() *Monitor {
	return hub.monitor
}

// ServeWS 處理 WebSocket 連線
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	hub.mu.RLock()
	closing := hub.closing
	hub.mu.RUnlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回應錯誤
		hub.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := newSession(uuid.NewString(), conn, hub)
	if !hub.register(s) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	hub.metrics.SessionsOpened.Inc()
	hub.logger.Info("websocket connected", "session_id", s.ID(), "remote", r.RemoteAddr)

	go s.writePump()
	go s.readPump()
}

// register 註冊會話，關機中回傳 false
func (hub *Hub) register(s *Session) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closing {
		return false
	}
	hub.sessions[s.ID()] = s
	hub.wg.Add(2)
	return true
}

// unregister 註銷會話
func (hub *Hub) unregister(s *Session) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if current, exists := hub.sessions[s.ID()]; exists && current == s {
		delete(hub.sessions, s.ID())
	}
}

// Sessions 開啟中會話快照
func (hub *Hub) Sessions() []*Session {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make([]*Session, 0, len(hub.sessions))
	for _, s := range hub.sessions {
		result = append(result, s)
	}
	return result
}

// SessionCount 開啟中會話數
func (hub *Hub) SessionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.sessions)
}

// Shutdown 停止存活檢測、關閉所有會話並等待讀寫 goroutine 結束
func (hub *Hub) Shutdown(ctx context.Context) error {
	hub.mu.Lock()
	hub.closing = true
	hub.mu.Unlock()

	hub.monitor.Stop()

	sessions := hub.Sessions()
	for _, s := range sessions {
		s.Close(ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// 逾時：強制關閉底層連線
		for _, s := range sessions {
			_ = s.conn.Close()
		}
		return ctx.Err()
	}

	if err := hub.publisher.Close(); err != nil {
		hub.logger.Warn("close event publisher", "error", err)
	}

	hub.logger.Info("websocket hub stopped")
	return nil
}

// originChecker 建立 WebSocket 來源檢查
//
// 未設定或包含 "*" 時允許所有來源；沒有 Origin 標頭的非瀏覽器客戶端一律允許。
func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
