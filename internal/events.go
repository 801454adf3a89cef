package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// EventType 房間生命週期事件
type EventType string

const (
	EventRoomCreated EventType = "room.created"
	EventMemberJoin  EventType = "room.member_joined"
	EventMemberLeft  EventType = "room.member_left"
	EventRoomRemoved EventType = "room.removed"
)

// RoomEvent 房間事件
//
// 只含中繼層的中繼資料，不含聊天內容。
type RoomEvent struct {
	Type      EventType `json:"type"`
	Code      string    `json:"code"`
	SessionID string    `json:"session_id"`
	Username  string    `json:"username,omitempty"`
	Members   int       `json:"members"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher 事件發布者
type EventPublisher interface {
	Publish(ctx context.Context, event RoomEvent) error
	Close() error
}

// LogPublisher 只寫日誌（未設定 NATS 時使用）
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher 創建日誌發布者
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish 寫入 Debug 日誌
func (p *LogPublisher) Publish(ctx context.Context, event RoomEvent) error {
	p.logger.DebugContext(ctx, "room event",
		"type", event.Type,
		"code", event.Code,
		"session_id", event.SessionID,
		"members", event.Members)
	return nil
}

// Close 實現 EventPublisher
func (p *LogPublisher) Close() error {
	return nil
}

// NATSPublisher 將房間事件發布到 NATS
//
// 主題格式：<prefix>.room.created、<prefix>.room.member_joined ...
// 使用 core NATS（至多一次），事件遺失不影響中繼。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS 並建立發布者
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("room-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Subject 事件對應的主題
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

// Publish 發布事件
func (p *NATSPublisher) Publish(ctx context.Context, event RoomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Close 送出緩衝並關閉連線
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
