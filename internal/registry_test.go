package internal_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/koopa0/room-relay/internal"
	apperrors "github.com/koopa0/room-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateRoom(t *testing.T) {
	reg := internal.NewRegistry(fixedCodes("x7k2qa"), 10, testLogger())
	alice := newFakeMember("alice")

	info, err := reg.CreateRoom(alice)
	require.NoError(t, err)
	assert.Equal(t, "X7K2QA", info.Code, "codes are normalised")
	assert.Equal(t, 1, info.MemberCount, "creator is the sole member")

	found, ok := reg.Lookup("x7k2qa")
	require.True(t, ok)
	assert.Equal(t, 1, found.MemberCount)

	assert.Equal(t, internal.RegistryStats{Rooms: 1, Members: 1}, reg.Stats())
}

func TestRegistry_CreateRoom_RetriesOnCollision(t *testing.T) {
	reg := internal.NewRegistry(fixedCodes("AAAAAA", "AAAAAA", "BBBBBB"), 10, testLogger())

	first, err := reg.CreateRoom(newFakeMember("a"))
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)

	second, err := reg.CreateRoom(newFakeMember("b"))
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.Code)

	// 原房間的成員沒有被覆蓋
	members := reg.Members("AAAAAA")
	require.Len(t, members, 1)
	assert.Equal(t, "a", members[0].ID())
}

func TestRegistry_CreateRoom_Exhausted(t *testing.T) {
	reg := internal.NewRegistry(fixedCodes("AAAAAA"), 3, testLogger())

	_, err := reg.CreateRoom(newFakeMember("a"))
	require.NoError(t, err)

	_, err = reg.CreateRoom(newFakeMember("b"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRoomCodeExhausted(err))
	assert.Equal(t, 1, reg.Stats().Rooms)
}

func TestRegistry_AddMember(t *testing.T) {
	reg := internal.NewRegistry(fixedCodes("AB12CD"), 10, testLogger())
	alice, bob := newFakeMember("alice"), newFakeMember("bob")

	_, err := reg.CreateRoom(alice)
	require.NoError(t, err)

	tests := []struct {
		name    string
		code    string
		member  internal.Member
		wantErr error
		want    int
	}{
		{name: "join case-insensitively", code: "ab12cd", member: bob, want: 2},
		{name: "already a member is a no-op", code: "AB12CD", member: bob, want: 2},
		{name: "unknown room", code: "ZZZZZZ", member: newFakeMember("carol"), wantErr: apperrors.ErrRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := reg.AddMember(tt.code, tt.member)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.MemberCount)
		})
	}

	assert.Equal(t, 1, reg.Stats().Rooms, "failed join does not create a room")
}

func TestRegistry_RemoveMember(t *testing.T) {
	reg := internal.NewRegistry(fixedCodes("AB12CD"), 10, testLogger())
	alice, bob := newFakeMember("alice"), newFakeMember("bob")

	_, err := reg.CreateRoom(alice)
	require.NoError(t, err)
	_, err = reg.AddMember("AB12CD", bob)
	require.NoError(t, err)

	remaining, removed := reg.RemoveMember("AB12CD", bob)
	assert.True(t, removed)
	assert.Equal(t, 1, remaining)

	// 冪等
	remaining, removed = reg.RemoveMember("AB12CD", bob)
	assert.False(t, removed)
	assert.Equal(t, 1, remaining)

	remaining, removed = reg.RemoveMember("ab12cd", alice)
	assert.True(t, removed)
	assert.Equal(t, 0, remaining)

	_, ok := reg.Lookup("AB12CD")
	assert.False(t, ok, "empty room is removed in the same operation")

	_, err = reg.AddMember("AB12CD", bob)
	assert.True(t, apperrors.IsRoomNotFound(err))

	// 再次移除不會出錯
	_, removed = reg.RemoveMember("AB12CD", alice)
	assert.False(t, removed)
}

func TestRegistry_RemoveMember_IgnoresImpostor(t *testing.T) {
	reg := internal.NewRegistry(fixedCodes("AB12CD"), 10, testLogger())
	alice := newFakeMember("alice")

	_, err := reg.CreateRoom(alice)
	require.NoError(t, err)

	// 相同 ID 的不同實例不能移除原成員
	_, removed := reg.RemoveMember("AB12CD", newFakeMember("alice"))
	assert.False(t, removed)
	_, ok := reg.Lookup("AB12CD")
	assert.True(t, ok)
}

func TestRegistry_Rooms(t *testing.T) {
	reg := internal.NewRegistry(fixedCodes("BBBBBB", "AAAAAA"), 10, testLogger())

	_, err := reg.CreateRoom(newFakeMember("1"))
	require.NoError(t, err)
	_, err = reg.CreateRoom(newFakeMember("2"))
	require.NoError(t, err)

	rooms := reg.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "AAAAAA", rooms[0].Code)
	assert.Equal(t, "BBBBBB", rooms[1].Code)
}

// TestRegistry_ConcurrentNoEmptyRooms 並發建立、加入、離開後不存在空房間
func TestRegistry_ConcurrentNoEmptyRooms(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	reg := internal.NewRegistry(internal.RandomCodeGenerator{}, 10, testLogger())

	const workers = 50
	const opsPerWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))

			for i := 0; i < opsPerWorker; i++ {
				m := newFakeMember(fmt.Sprintf("w%d-%d", w, i))

				var code string
				if rooms := reg.Rooms(); len(rooms) > 0 && rng.Intn(2) == 0 {
					code = rooms[rng.Intn(len(rooms))].Code
					if _, err := reg.AddMember(code, m); err != nil {
						// 房間可能剛被刪除
						assert.True(t, apperrors.IsRoomNotFound(err))
						continue
					}
				} else {
					info, err := reg.CreateRoom(m)
					if !assert.NoError(t, err) {
						continue
					}
					code = info.Code
				}

				if rng.Intn(3) > 0 {
					_, removed := reg.RemoveMember(code, m)
					assert.True(t, removed)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, room := range reg.Rooms() {
		assert.Greater(t, room.MemberCount, 0, "room %s is empty", room.Code)
		assert.Len(t, reg.Members(room.Code), room.MemberCount)
	}
}
