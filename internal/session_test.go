package internal_test

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/room-relay/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSession_Scenario 完整流程：建立、加入、聊天、離開
func TestSession_Scenario(t *testing.T) {
	env := newTestEnv(t, withCodes("X7K2QA"))

	a := env.dial(t)
	b := env.dial(t)

	code := a.createRoom("alice")
	assert.Equal(t, "X7K2QA", code)

	b.joinRoom("bob", "x7k2qa")

	joined := a.expect("user-joined")
	assert.Equal(t, "bob", joined["username"])

	a.send(map[string]string{"type": "message", "text": "hi"})
	msg := b.expect("message")
	assert.Equal(t, "hi", msg["text"])
	assert.Equal(t, "alice", msg["sender"])
	ts, ok := msg["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(internal.TimestampFormat, ts)
	assert.NoError(t, err)

	b.close()
	left := a.expect("user-left")
	assert.Equal(t, "bob", left["username"])
	waitForRoom(t, env.registry, code, 1)

	a.close()
	waitForRoom(t, env.registry, code, 0)

	require.Eventually(t, func() bool { return env.hub.SessionCount() == 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestSession_SenderGetsNoEcho(t *testing.T) {
	env := newTestEnv(t)

	a := env.dial(t)
	b := env.dial(t)

	code := a.createRoom("alice")
	b.joinRoom("bob", code)
	a.expect("user-joined")

	a.send(map[string]string{"type": "message", "text": "hi"})
	b.expect("message")

	// 下一個幀是錯誤回應，而不是自己的訊息
	a.sendRaw(`{"type":"bogus"}`)
	a.expect("error")
}

func TestSession_JoinUnknownRoom(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	c.send(map[string]string{"type": "join-room", "username": "bob", "code": "ZZZZZZ"})
	frame := c.expect("error")
	assert.Equal(t, "Invalid room code", frame["message"])

	assert.Equal(t, 0, env.registry.Stats().Rooms, "no state mutation")

	// 會話仍可用
	code := c.createRoom("bob")
	assert.Len(t, code, internal.RoomCodeLength)
}

func TestSession_JoinAfterLastMemberLeft(t *testing.T) {
	env := newTestEnv(t)

	a := env.dial(t)
	code := a.createRoom("alice")
	a.close()
	waitForRoom(t, env.registry, code, 0)

	b := env.dial(t)
	b.send(map[string]string{"type": "join-room", "username": "bob", "code": code})
	frame := b.expect("error")
	assert.Equal(t, "Invalid room code", frame["message"])
}

func TestSession_ProtocolErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	tests := []struct {
		name    string
		raw     string
		message string
	}{
		{"malformed json", `{not json`, "Invalid message format"},
		{"missing type", `{"text":"hi"}`, "Invalid message format"},
		{"unknown type", `{"type":"dance"}`, "Unknown message type"},
		{"create without username", `{"type":"create-room"}`, "Username required"},
		{"join without code", `{"type":"join-room","username":"bob"}`, "Username and room code required"},
		{"message without text", `{"type":"message"}`, "Invalid message"},
		{"message while unaffiliated", `{"type":"message","text":"hi"}`, "Join a room before sending messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.sendRaw(tt.raw)
			frame := c.expect("error")
			assert.Equal(t, tt.message, frame["message"])
		})
	}

	assert.Equal(t, 0, env.registry.Stats().Rooms)
	assert.Equal(t, 1, env.hub.SessionCount(), "errors never close the session")
}

func TestSession_AlreadyInRoom(t *testing.T) {
	env := newTestEnv(t)

	a := env.dial(t)
	code := a.createRoom("alice")

	a.send(map[string]string{"type": "create-room", "username": "alice2"})
	frame := a.expect("error")
	assert.Equal(t, "Already in a room", frame["message"])

	a.send(map[string]string{"type": "join-room", "username": "alice3", "code": code})
	a.expect("error")

	assert.Equal(t, internal.RegistryStats{Rooms: 1, Members: 1}, env.registry.Stats())

	sessions := env.hub.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].Username(), "username is set once")
	assert.Equal(t, code, sessions[0].RoomCode())
	assert.Equal(t, internal.StateInRoom, sessions[0].State())
}

func TestSession_FrameRateLimit(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *internal.Config) {
		cfg.RateLimit.FrameBurst = 2
		cfg.RateLimit.FramesPerSecond = 0.001
	}))
	c := env.dial(t)

	c.sendRaw(`{"type":"bogus"}`)
	c.expect("error")
	c.sendRaw(`{"type":"bogus"}`)
	c.expect("error")

	c.send(map[string]string{"type": "create-room", "username": "alice"})
	frame := c.expect("error")
	assert.Equal(t, "Rate limit exceeded", frame["message"])
	assert.Equal(t, 0, env.registry.Stats().Rooms, "limited frame is discarded")
}

func TestSession_ServerShutdownClosesEverything(t *testing.T) {
	env := newTestEnv(t)

	a := env.dial(t)
	code := a.createRoom("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))

	_, ok := env.registry.Lookup(code)
	assert.False(t, ok)
	assert.Equal(t, 0, env.hub.SessionCount())

	// 客戶端收到 close 幀
	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := a.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// 關機後拒絕新連線
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestSession_ConcurrentRoomTraffic 多個房間同時建立、加入、聊天、斷線
func TestSession_ConcurrentRoomTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	env := newTestEnv(t, withConfig(func(cfg *internal.Config) {
		cfg.RateLimit.FrameBurst = 1000
		cfg.RateLimit.FramesPerSecond = 1000
	}))

	const rooms = 10
	const guests = 4

	t.Run("rooms", func(t *testing.T) {
		for r := 0; r < rooms; r++ {
			t.Run(fmt.Sprintf("room-%d", r), func(t *testing.T) {
				t.Parallel()

				host := env.dial(t)
				code := host.createRoom(fmt.Sprintf("host-%d", r))

				clients := make([]*testClient, guests)
				for g := range clients {
					clients[g] = env.dial(t)
					clients[g].joinRoom(fmt.Sprintf("guest-%d-%d", r, g), code)
					host.expect("user-joined")
					// 先加入的訪客也會收到後來者的 user-joined
					for prev := 0; prev < g; prev++ {
						clients[prev].expect("user-joined")
					}
				}

				host.send(map[string]string{"type": "message", "text": fmt.Sprintf("hello %d", r)})
				for _, c := range clients {
					msg := c.expect("message")
					assert.Equal(t, fmt.Sprintf("hello %d", r), msg["text"])
				}

				for _, c := range clients {
					c.close()
				}
				host.close()
				waitForRoom(t, env.registry, code, 0)
			})
		}
	})

	assert.Equal(t, 0, env.registry.Stats().Rooms)
}
