package internal

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/koopa0/room-relay/pkg/errors"
)

// Member 房間成員
//
// Registry 只持有成員的非擁有引用，成員的生命週期由連線決定。
type Member interface {
	ID() string
	Send(message []byte) bool
}

// room 房間狀態，只在 Registry 鎖內存取
type room struct {
	code      string
	createdAt time.Time
	members   map[string]Member
}

// RoomInfo 房間快照
type RoomInfo struct {
	Code        string    `json:"code"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// RegistryStats 統計資訊
type RegistryStats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

// Registry 房間註冊表
//
// 所有變更（建立、加入、離開、空房刪除）與查詢共用一把 RWMutex，
// 因此加入操作不可能命中正在刪除的房間，兩個建立操作也不可能搶到同一個碼。
type Registry struct {
	rooms       map[string]*room
	generator   CodeGenerator
	maxAttempts int
	mu          sync.RWMutex
	logger      *slog.Logger
}

// NewRegistry 創建房間註冊表
func NewRegistry(generator CodeGenerator, maxAttempts int, logger *slog.Logger) *Registry {
	if generator == nil {
		generator = RandomCodeGenerator{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Registry{
		rooms:       make(map[string]*room),
		generator:   generator,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// CreateRoom 建立房間，first 為唯一成員
//
// 碼衝突時重新生成，超過 maxAttempts 次回傳 ErrRoomCodeExhausted。
// 房間與建立者在同一個臨界區內寫入，不會出現可見的空房間。
func (r *Registry) CreateRoom(first Member) (RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		code := NormalizeCode(r.generator.Generate())
		if code == "" {
			continue
		}
		if _, exists := r.rooms[code]; exists {
			r.logger.Debug("room code collision", "code", code, "attempt", attempt)
			continue
		}

		rm := &room{
			code:      code,
			createdAt: time.Now(),
			members:   map[string]Member{first.ID(): first},
		}
		r.rooms[code] = rm

		r.logger.Info("room created", "code", code, "session_id", first.ID())
		return rm.info(), nil
	}

	r.logger.Warn("room code space exhausted", "attempts", r.maxAttempts)
	return RoomInfo{}, apperrors.ErrRoomCodeExhausted
}

// Lookup 查詢房間（不分大小寫）
func (r *Registry) Lookup(code string) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[NormalizeCode(code)]
	if !exists {
		return RoomInfo{}, false
	}
	return rm.info(), true
}

// AddMember 加入房間，已是成員時不做任何事
func (r *Registry) AddMember(code string, m Member) (RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[NormalizeCode(code)]
	if !exists {
		return RoomInfo{}, apperrors.ErrRoomNotFound
	}
	if _, already := rm.members[m.ID()]; !already {
		rm.members[m.ID()] = m
		r.logger.Info("member joined room", "code", rm.code, "session_id", m.ID(), "members", len(rm.members))
	}
	return rm.info(), nil
}

// RemoveMember 移除成員，房間清空時一併刪除
//
// 可重複呼叫：第二次呼叫回傳 removed=false，不會重複刪除房間。
func (r *Registry) RemoveMember(code string, m Member) (remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code = NormalizeCode(code)
	rm, exists := r.rooms[code]
	if !exists {
		return 0, false
	}
	current, isMember := rm.members[m.ID()]
	if !isMember || current != m {
		return len(rm.members), false
	}

	delete(rm.members, m.ID())
	remaining = len(rm.members)

	if remaining == 0 {
		delete(r.rooms, code)
		r.logger.Info("room removed", "code", code)
	}
	return remaining, true
}

// Members 成員快照
func (r *Registry) Members(code string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[NormalizeCode(code)]
	if !exists {
		return nil
	}
	members := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	return members
}

// Rooms 所有房間快照，依代碼排序
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		result = append(result, rm.info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result
}

// Stats 獲取統計資訊
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{Rooms: len(r.rooms)}
	for _, rm := range r.rooms {
		stats.Members += len(rm.members)
	}
	return stats
}

func (rm *room) info() RoomInfo {
	return RoomInfo{
		Code:        rm.code,
		MemberCount: len(rm.members),
		CreatedAt:   rm.createdAt,
	}
}
