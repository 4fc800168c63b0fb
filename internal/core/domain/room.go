package domain

import (
	"sort"
	"strings"
	"time"
)

type RoomID string
type RoomCode string
type ParticipantID string

// RoomCodeAlphabet omits the visually ambiguous 0/O and 1/I.
const RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const RoomCodeLength = 6

// NormalizeRoomCode upper-cases and trims a user supplied code.
func NormalizeRoomCode(code string) RoomCode {
	return RoomCode(strings.ToUpper(strings.TrimSpace(code)))
}

type ParticipantInfo struct {
	ID       ParticipantID `json:"id"`
	Name     string        `json:"name,omitempty"`
	JoinedAt time.Time     `json:"joinedAt"`
}

type Room struct {
	ID           RoomID
	Code         RoomCode
	Participants map[ParticipantID]*ParticipantInfo
	CreatedAt    time.Time
}

func (r *Room) IsEmpty() bool {
	return len(r.Participants) == 0
}

func (r *Room) Has(id ParticipantID) bool {
	_, ok := r.Participants[id]
	return ok
}

// Others returns every participant except the given one, oldest first.
func (r *Room) Others(exclude ParticipantID) []ParticipantInfo {
	others := make([]ParticipantInfo, 0, len(r.Participants))
	for id, p := range r.Participants {
		if id == exclude {
			continue
		}
		others = append(others, *p)
	}
	sort.Slice(others, func(i, j int) bool {
		return others[i].JoinedAt.Before(others[j].JoinedAt)
	})
	return others
}

// Snapshot returns a deep copy safe to hand to another goroutine.
func (r *Room) Snapshot() *Room {
	cp := &Room{
		ID:           r.ID,
		Code:         r.Code,
		CreatedAt:    r.CreatedAt,
		Participants: make(map[ParticipantID]*ParticipantInfo, len(r.Participants)),
	}
	for id, p := range r.Participants {
		info := *p
		cp.Participants[id] = &info
	}
	return cp
}

type RegistryStats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}
