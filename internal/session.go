package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/room-relay/internal/limiter"
	apperrors "github.com/koopa0/room-relay/pkg/errors"
	"github.com/koopa0/room-relay/pkg/logger"
)

// SessionState 連線狀態
type SessionState int32

const (
	StateUnaffiliated SessionState = iota
	StateInRoom
	StateClosed
)

// String 實現 fmt.Stringer
func (s SessionState) String() string {
	switch s {
	case StateUnaffiliated:
		return "unaffiliated"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// 關閉原因
const (
	ReasonPeerClosed      = "peer_closed"
	ReasonTransportError  = "transport_error"
	ReasonLivenessTimeout = "liveness_timeout"
	ReasonServerShutdown  = "server_shutdown"
)

// Session 單一 WebSocket 連線的伺服器端狀態
//
// 狀態機：Unaffiliated → InRoom → Closed。
// 鎖順序：Session.mu → Registry.mu。Registry 不會在持鎖時回呼 Session。
type Session struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	mu       sync.RWMutex // 保護 state、username、room
	state    SessionState
	username string
	room     string

	send     chan []byte
	sendMu   sync.RWMutex // 保護 send 的關閉
	sendDone bool

	alive  atomic.Bool
	missed atomic.Int32

	frames    *limiter.TokenBucket
	closeOnce sync.Once

	ctx    context.Context
	logger *slog.Logger
}

func newSession(id string, conn *websocket.Conn, hub *Hub) *Session {
	cfg := hub.cfg
	s := &Session{
		id:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, cfg.WebSocket.SendBufferSize),
		frames: limiter.NewTokenBucket(cfg.RateLimit.FrameBurst, cfg.RateLimit.FramesPerSecond),
		ctx:    logger.WithSessionID(context.Background(), id),
		logger: hub.logger.With("session_id", id),
	}
	s.alive.Store(true)
	return s
}

// ID 會話 ID，只用於診斷，不傳給其他客戶端
func (s *Session) ID() string {
	return s.id
}

// Username 用戶名，未加入房間前為空
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// RoomCode 所在房間
func (s *Session) RoomCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// State 目前狀態
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Send 非阻塞投遞
//
// 會話已關閉或緩衝區已滿時回傳 false。
func (s *Session) Send(message []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.sendDone {
		return false
	}
	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

// Close 拆除會話，任何觸發來源都只會執行一次
//
// 順序：離開房間 → 通知剩餘成員 → 從 Hub 註銷 → 關閉發送通道。
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		code, username := s.room, s.username
		s.state = StateClosed
		s.mu.Unlock()

		if prev == StateInRoom {
			s.leaveRoom(code, username)
		}

		s.hub.unregister(s)

		s.sendMu.Lock()
		s.sendDone = true
		close(s.send)
		s.sendMu.Unlock()

		s.hub.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		s.logger.Info("session closed", "reason", reason, "room", code)
	})
}

// terminate 強制中斷連線（存活檢測失敗）
func (s *Session) terminate(reason string) {
	s.Close(reason)
	_ = s.conn.Close()
}

func (s *Session) leaveRoom(code, username string) {
	h := s.hub
	remaining, removed := h.registry.RemoveMember(code, s)
	if !removed {
		return
	}

	if remaining > 0 {
		h.broadcaster.Broadcast(code, NewUserLeft(username), s)
	}
	s.publish(EventMemberLeft, code, username, remaining)
	if remaining == 0 {
		s.publish(EventRoomRemoved, code, username, 0)
	}
}

// handleFrame 分派單一入站幀
func (s *Session) handleFrame(data []byte) {
	if !s.frames.Allow() {
		s.hub.metrics.RateLimitedFrames.Inc()
		s.sendError(apperrors.ErrRateLimited)
		return
	}

	frame, err := ParseFrame(data, s.hub.cfg.Rooms.MaxUsernameLength)
	if err != nil {
		s.hub.metrics.FramesReceived.WithLabelValues("invalid").Inc()
		s.sendError(err)
		return
	}
	s.hub.metrics.FramesReceived.WithLabelValues(frame.frameType()).Inc()

	switch f := frame.(type) {
	case CreateRoomFrame:
		err = s.createRoom(f)
	case JoinRoomFrame:
		err = s.joinRoom(f)
	case ChatFrame:
		err = s.chat(f)
	}
	if err != nil {
		s.sendError(err)
	}
}

func (s *Session) createRoom(f CreateRoomFrame) error {
	s.mu.Lock()
	if err := s.checkUnaffiliated(); err != nil {
		s.mu.Unlock()
		return err
	}

	info, err := s.hub.registry.CreateRoom(s)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, apperrors.ErrRoomCodeExhausted) {
			s.hub.metrics.RoomCodeCollisions.Inc()
		}
		return err
	}
	s.username = f.Username
	s.room = info.Code
	s.state = StateInRoom
	s.mu.Unlock()

	s.hub.metrics.RoomsCreatedTotal.Inc()
	s.sendFrame(NewRoomCreated(info.Code))
	s.publish(EventRoomCreated, info.Code, f.Username, info.MemberCount)
	return nil
}

func (s *Session) joinRoom(f JoinRoomFrame) error {
	s.mu.Lock()
	if err := s.checkUnaffiliated(); err != nil {
		s.mu.Unlock()
		return err
	}

	info, err := s.hub.registry.AddMember(f.Code, s)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.username = f.Username
	s.room = info.Code
	s.state = StateInRoom
	s.mu.Unlock()

	s.sendFrame(NewRoomJoined())
	s.hub.broadcaster.Broadcast(info.Code, NewUserJoined(f.Username), s)
	s.publish(EventMemberJoin, info.Code, f.Username, info.MemberCount)
	return nil
}

func (s *Session) chat(f ChatFrame) error {
	s.mu.RLock()
	state, code, username := s.state, s.room, s.username
	s.mu.RUnlock()

	if state != StateInRoom {
		return apperrors.ErrNotInRoom
	}

	s.hub.broadcaster.Broadcast(code, NewMessage(f.Text, username, time.Now()), s)
	return nil
}

// checkUnaffiliated 呼叫方須持有 s.mu
func (s *Session) checkUnaffiliated() error {
	switch s.state {
	case StateInRoom:
		return apperrors.ErrAlreadyInRoom
	case StateClosed:
		return apperrors.ErrInternal.WithDetails("session closed")
	}
	return nil
}

func (s *Session) sendFrame(frame any) {
	data, err := Encode(frame)
	if err != nil {
		s.logger.Error("encode frame", "error", err)
		return
	}
	if !s.Send(data) {
		s.logger.Debug("drop frame for unsendable session")
	}
}

func (s *Session) sendError(err error) {
	s.hub.metrics.ProtocolErrors.WithLabelValues(apperrors.Code(err)).Inc()
	s.logger.Debug("protocol error", "code", apperrors.Code(err), "error", err)
	s.sendFrame(NewError(err))
}

func (s *Session) publish(t EventType, code, username string, members int) {
	event := RoomEvent{
		Type:      t,
		Code:      code,
		SessionID: s.id,
		Username:  username,
		Members:   members,
		Timestamp: time.Now().UTC(),
	}
	if err := s.hub.publisher.Publish(s.ctx, event); err != nil {
		s.logger.Warn("publish room event", "type", t, "code", code, "error", err)
	}
}

// probe 一次存活檢測，回傳 true 表示應驅逐
//
// 旗標已設：清除、歸零並送出 ping。
// 旗標未設：累計未回應次數，達到 maxMissed 時驅逐，否則再 ping 一次。
func (s *Session) probe(maxMissed int) bool {
	if s.alive.Swap(false) {
		s.missed.Store(0)
	} else if int(s.missed.Add(1)) >= maxMissed {
		return true
	}

	deadline := time.Now().Add(s.hub.cfg.WebSocket.WriteTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		s.logger.Debug("send ping", "error", err)
	}
	return false
}

// readPump 讀取客戶端幀
//
// 不設讀取期限，Liveness Monitor 是唯一的逾時機制。
// Pong 只設定存活旗標。
func (s *Session) readPump() {
	defer s.hub.wg.Done()

	reason := ReasonPeerClosed
	defer func() {
		s.Close(reason)
	}()

	s.conn.SetReadLimit(s.hub.cfg.WebSocket.MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				reason = ReasonTransportError
				s.logger.Info("websocket read error", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			s.handleFrame(message)
		}
	}
}

// writePump 將發送通道的幀寫到客戶端
//
// 通道關閉後送出 close 幀並關閉連線。
func (s *Session) writePump() {
	defer func() {
		_ = s.conn.Close()
		s.hub.wg.Done()
	}()

	writeTimeout := s.hub.cfg.WebSocket.WriteTimeout
	for message := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			s.logger.Debug("set write deadline", "error", err)
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			s.logger.Debug("write message", "error", err)
			s.Close(ReasonTransportError)
			// 排空通道，讓 Close 之後的 range 結束
			for range s.send {
			}
			return
		}
	}

	deadline := time.Now().Add(time.Second)
	if err := s.conn.SetWriteDeadline(deadline); err == nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}
