package services

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"p2d/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// orphan empties a room without going through LeaveRoom, the way an abnormal
// disconnect could.
func orphan(reg *RoomRegistry, room *domain.Room) {
	for id := range room.Participants {
		delete(reg.participants, id)
		delete(room.Participants, id)
	}
}

func TestRoomRegistry_CreateRoom(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRoomRegistry(WithClock(fixedClock(created)))

	room, err := reg.CreateRoom("alice", "Alice")
	require.NoError(t, err)

	assert.Len(t, string(room.Code), domain.RoomCodeLength)
	assert.NotEmpty(t, room.ID)
	assert.Equal(t, created, room.CreatedAt)
	require.Contains(t, room.Participants, domain.ParticipantID("alice"))
	assert.Equal(t, "Alice", room.Participants["alice"].Name)
	assert.Same(t, room, reg.GetByParticipant("alice"))
	assert.Same(t, room, reg.GetByCode(room.Code))
}

func TestRoomRegistry_CodesArePairwiseDistinct(t *testing.T) {
	reg := NewRoomRegistry()
	seen := make(map[domain.RoomCode]bool)

	for i := 0; i < 500; i++ {
		room, err := reg.CreateRoom(domain.ParticipantID(fmt.Sprintf("p%d", i)), "")
		require.NoError(t, err)
		assert.False(t, seen[room.Code], "duplicate code %s", room.Code)
		seen[room.Code] = true
		for _, c := range string(room.Code) {
			assert.Contains(t, domain.RoomCodeAlphabet, string(c))
		}
	}
	assert.Equal(t, 500, reg.Stats().Rooms)
}

func TestRoomRegistry_CreateRoomRetriesOnCollision(t *testing.T) {
	// A zero byte draws the first alphabet letter and a one byte the second.
	// The source yields AAAAAA twice before BBBBBB.
	src := append(make([]byte, 12), bytes.Repeat([]byte{1}, 6)...)
	reg := NewRoomRegistry(WithCodeSource(bytes.NewReader(src)))

	first, err := reg.CreateRoom("a", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomCode("AAAAAA"), first.Code)

	second, err := reg.CreateRoom("b", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomCode("BBBBBB"), second.Code)
}

func TestRoomRegistry_JoinRoom(t *testing.T) {
	reg := NewRoomRegistry()
	room, err := reg.CreateRoom("alice", "Alice")
	require.NoError(t, err)

	joined, err := reg.JoinRoom(room.Code, "bob", "Bob")
	require.NoError(t, err)
	assert.Same(t, room, joined)
	assert.Len(t, joined.Participants, 2)
	assert.Same(t, room, reg.GetByParticipant("bob"))

	others := joined.Others("bob")
	require.Len(t, others, 1)
	assert.Equal(t, domain.ParticipantID("alice"), others[0].ID)
}

func TestRoomRegistry_JoinIsCaseInsensitive(t *testing.T) {
	reg := NewRoomRegistry()
	room, err := reg.CreateRoom("alice", "")
	require.NoError(t, err)

	lower := domain.RoomCode(string(bytes.ToLower([]byte(room.Code))))
	joined, err := reg.JoinRoom(lower, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, room.ID, joined.ID)
}

func TestRoomRegistry_DuplicateJoinIsIdempotent(t *testing.T) {
	reg := NewRoomRegistry()
	room, err := reg.CreateRoom("alice", "")
	require.NoError(t, err)

	_, err = reg.JoinRoom(room.Code, "bob", "Bob")
	require.NoError(t, err)
	joinedAt := room.Participants["bob"].JoinedAt

	again, err := reg.JoinRoom(room.Code, "bob", "Bobby")
	require.NoError(t, err)
	assert.Len(t, again.Participants, 2)
	assert.Equal(t, "Bob", again.Participants["bob"].Name)
	assert.Equal(t, joinedAt, again.Participants["bob"].JoinedAt)
}

func TestRoomRegistry_JoinUnknownRoom(t *testing.T) {
	reg := NewRoomRegistry()

	room, err := reg.JoinRoom("ZZZZZZ", "bob", "")
	assert.Nil(t, room)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Nil(t, reg.GetByParticipant("bob"))
}

func TestRoomRegistry_JoinOtherRoomLeavesPrevious(t *testing.T) {
	reg := NewRoomRegistry()
	first, err := reg.CreateRoom("alice", "")
	require.NoError(t, err)
	second, err := reg.CreateRoom("carol", "")
	require.NoError(t, err)

	_, err = reg.JoinRoom(first.Code, "bob", "")
	require.NoError(t, err)
	_, err = reg.JoinRoom(second.Code, "bob", "")
	require.NoError(t, err)

	assert.False(t, first.Has("bob"))
	assert.True(t, second.Has("bob"))
	assert.Same(t, second, reg.GetByParticipant("bob"))
	assert.Equal(t, 3, reg.Stats().Participants)
}

func TestRoomRegistry_LeaveRoom(t *testing.T) {
	reg := NewRoomRegistry()
	room, err := reg.CreateRoom("alice", "")
	require.NoError(t, err)
	_, err = reg.JoinRoom(room.Code, "bob", "")
	require.NoError(t, err)

	remaining := reg.LeaveRoom("alice")
	require.NotNil(t, remaining)
	assert.Len(t, remaining.Participants, 1)
	assert.Nil(t, reg.GetByParticipant("alice"))

	assert.Nil(t, reg.LeaveRoom("bob"))
	assert.Nil(t, reg.GetByCode(room.Code), "code must be freed once the room is empty")
	assert.Nil(t, reg.GetByParticipant("bob"))
	assert.Equal(t, domain.RegistryStats{}, reg.Stats())
}

func TestRoomRegistry_LeaveWithoutRoom(t *testing.T) {
	reg := NewRoomRegistry()
	assert.Nil(t, reg.LeaveRoom("nobody"))
}

func TestRoomRegistry_SweepExpired(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ttl := 5 * time.Minute

	tests := []struct {
		name      string
		empty     bool
		age       time.Duration
		wantSwept bool
	}{
		{"occupied and old", false, time.Hour, false},
		{"occupied and young", false, time.Minute, false},
		{"empty and young", true, time.Minute, false},
		{"empty exactly at ttl", true, ttl, false},
		{"empty and old", true, ttl + time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRoomRegistry(WithClock(fixedClock(created)))
			room, err := reg.CreateRoom("alice", "")
			require.NoError(t, err)
			if tt.empty {
				orphan(reg, room)
			}

			swept := reg.SweepExpired(created.Add(tt.age), ttl)

			if tt.wantSwept {
				assert.Equal(t, []domain.RoomCode{room.Code}, swept)
				assert.Nil(t, reg.GetByCode(room.Code))
			} else {
				assert.Empty(t, swept)
				assert.NotNil(t, reg.GetByCode(room.Code))
			}
		})
	}
}
