package internal

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/koopa0/room-relay/pkg/errors"
)

// 幀類型
const (
	TypeCreateRoom  = "create-room"
	TypeJoinRoom    = "join-room"
	TypeMessage     = "message"
	TypeRoomCreated = "room-created"
	TypeRoomJoined  = "room-joined"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeError       = "error"
)

// TimestampFormat ISO-8601 UTC，毫秒精度
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Frame 客戶端送來的幀
//
// 封閉的變體集合：只有本檔定義的型別實現它。
type Frame interface {
	frameType() string
}

// CreateRoomFrame create-room
type CreateRoomFrame struct {
	Username string
}

// JoinRoomFrame join-room
type JoinRoomFrame struct {
	Username string
	Code     string
}

// ChatFrame message
type ChatFrame struct {
	Text string
}

func (CreateRoomFrame) frameType() string { return TypeCreateRoom }
func (JoinRoomFrame) frameType() string   { return TypeJoinRoom }
func (ChatFrame) frameType() string       { return TypeMessage }

// inboundFrame 線上格式
type inboundFrame struct {
	Type     *string `json:"type"`
	Username *string `json:"username"`
	Code     *string `json:"code"`
	Text     *string `json:"text"`
}

// ParseFrame 解析客戶端幀
//
// 回傳的錯誤都是 *apperrors.AppError，Message 可直接放進 error 幀。
func ParseFrame(data []byte, maxUsernameLength int) (Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, apperrors.ErrInvalidFormat
	}
	if in.Type == nil || *in.Type == "" {
		return nil, apperrors.ErrInvalidFormat
	}

	switch *in.Type {
	case TypeCreateRoom:
		username, err := parseUsername(in.Username, maxUsernameLength, apperrors.ErrUsernameRequired)
		if err != nil {
			return nil, err
		}
		return CreateRoomFrame{Username: username}, nil

	case TypeJoinRoom:
		username, err := parseUsername(in.Username, maxUsernameLength, apperrors.ErrJoinFieldsRequired)
		if err != nil {
			return nil, err
		}
		code := ""
		if in.Code != nil {
			code = NormalizeCode(*in.Code)
		}
		if code == "" {
			return nil, apperrors.ErrJoinFieldsRequired
		}
		return JoinRoomFrame{Username: username, Code: code}, nil

	case TypeMessage:
		if in.Text == nil || *in.Text == "" {
			return nil, apperrors.ErrInvalidMessage
		}
		return ChatFrame{Text: *in.Text}, nil

	default:
		return nil, apperrors.ErrUnknownType
	}
}

func parseUsername(v *string, maxLength int, missing *apperrors.AppError) (string, error) {
	if v == nil {
		return "", missing
	}
	username := strings.TrimSpace(*v)
	if username == "" {
		return "", missing
	}
	if maxLength > 0 && len([]rune(username)) > maxLength {
		return "", apperrors.ErrUsernameTooLong
	}
	return username, nil
}

// 回應幀

// RoomCreatedFrame room-created
type RoomCreatedFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// RoomJoinedFrame room-joined
type RoomJoinedFrame struct {
	Type string `json:"type"`
}

// UserJoinedFrame user-joined
type UserJoinedFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// UserLeftFrame user-left
type UserLeftFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// MessageFrame message 廣播
type MessageFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// ErrorFrame error
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewRoomCreated 建立 room-created 幀
func NewRoomCreated(code string) RoomCreatedFrame {
	return RoomCreatedFrame{Type: TypeRoomCreated, Code: code}
}

// NewRoomJoined 建立 room-joined 幀
func NewRoomJoined() RoomJoinedFrame {
	return RoomJoinedFrame{Type: TypeRoomJoined}
}

// NewUserJoined 建立 user-joined 幀
func NewUserJoined(username string) UserJoinedFrame {
	return UserJoinedFrame{Type: TypeUserJoined, Username: username}
}

// NewUserLeft 建立 user-left 幀
func NewUserLeft(username string) UserLeftFrame {
	return UserLeftFrame{Type: TypeUserLeft, Username: username}
}

// NewMessage 建立 message 幀
func NewMessage(text, sender string, at time.Time) MessageFrame {
	return MessageFrame{
		Type:      TypeMessage,
		Text:      text,
		Sender:    sender,
		Timestamp: at.UTC().Format(TimestampFormat),
	}
}

// NewError 由錯誤建立 error 幀
func NewError(err error) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: apperrors.PublicMessage(err)}
}

// Encode 序列化回應幀
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
