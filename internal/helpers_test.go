package internal_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/room-relay/internal"
	"github.com/koopa0/room-relay/pkg/logger"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return logger.Discard()
}

// fakeMember 記錄收到的幀；dead 為 true 時模擬失效的連線
type fakeMember struct {
	id   string
	mu   sync.Mutex
	msgs [][]byte
	dead bool
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id}
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(message []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return false
	}
	m.msgs = append(m.msgs, message)
	return true
}

func (m *fakeMember) kill() {
	m.mu.Lock()
	m.dead = true
	m.mu.Unlock()
}

func (m *fakeMember) received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.msgs...)
}

// fixedCodes 依序回傳給定的碼，用完後重複最後一個
func fixedCodes(codes ...string) internal.CodeGenerator {
	var mu sync.Mutex
	i := 0
	return internal.CodeGeneratorFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code
	})
}

// testEnv 一個完整的 HTTP + WebSocket 測試環境
type testEnv struct {
	server   *httptest.Server
	hub      *internal.Hub
	registry *internal.Registry
	metrics  *internal.Metrics
	cfg      *internal.Config
}

type envSettings struct {
	cfg       *internal.Config
	gen       internal.CodeGenerator
	publisher internal.EventPublisher
}

type envOption func(s *envSettings)

func withCodes(codes ...string) envOption {
	return func(s *envSettings) {
		s.gen = fixedCodes(codes...)
	}
}

func withConfig(fn func(cfg *internal.Config)) envOption {
	return func(s *envSettings) {
		fn(s.cfg)
	}
}

func withPublisher(p internal.EventPublisher) envOption {
	return func(s *envSettings) {
		s.publisher = p
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := internal.DefaultConfig()
	// 測試中手動呼叫 Monitor.Sweep
	cfg.Liveness.Interval = time.Hour
	cfg.Server.StaticDir = writeStaticDir(t)

	settings := &envSettings{cfg: cfg, gen: internal.RandomCodeGenerator{}}
	for _, opt := range opts {
		opt(settings)
	}

	log := testLogger()
	metrics := internal.NewMetrics()
	registry := internal.NewRegistry(settings.gen, cfg.Rooms.MaxCodeAttempts, log)
	hub := internal.NewHub(internal.HubOptions{
		Config:    cfg,
		Registry:  registry,
		Publisher: settings.publisher,
		Metrics:   metrics,
		Logger:    log,
	})
	metrics.RegisterGauges(registry, hub)

	handler := internal.NewHandler(internal.HandlerOptions{
		Config:  cfg,
		Hub:     hub,
		Metrics: metrics,
		Logger:  log,
	})
	server := httptest.NewServer(handler.Routes())

	// Cleanup 後進先出：先關 Hub 再關 server
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	return &testEnv{
		server:   server,
		hub:      hub,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func writeStaticDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<!doctype html><title>relay</title>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log('relay')"), 0o600))
	return dir
}

// testClient WebSocket 測試客戶端
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// read 讀取下一個幀
func (c *testClient) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]any
	require.NoError(c.t, c.conn.ReadJSON(&frame))
	return frame
}

// expect 讀取下一個幀並檢查類型
func (c *testClient) expect(frameType string) map[string]any {
	c.t.Helper()
	frame := c.read()
	require.Equal(c.t, frameType, frame["type"], "unexpected frame: %v", frame)
	return frame
}

// createRoom 建立房間並回傳房間碼
func (c *testClient) createRoom(username string) string {
	c.t.Helper()
	c.send(map[string]string{"type": "create-room", "username": username})
	frame := c.expect("room-created")
	code, ok := frame["code"].(string)
	require.True(c.t, ok)
	return code
}

// joinRoom 加入房間並等待 room-joined
func (c *testClient) joinRoom(username, code string) {
	c.t.Helper()
	c.send(map[string]string{"type": "join-room", "username": username, "code": code})
	c.expect("room-joined")
}

func (c *testClient) close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// waitForRoom 等待房間成員數達到 want（0 表示房間已移除）
func waitForRoom(t *testing.T, registry *internal.Registry, code string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := registry.Lookup(code)
		if want == 0 {
			return !ok
		}
		return ok && info.MemberCount == want
	}, 3*time.Second, 10*time.Millisecond, "room %s should have %d members", code, want)
}
