package core

import (
	"github.com/dkeye/duet/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID   domain.UserID `json:"id"`
	Name string        `json:"name"`
}

// RoomService is the relay-side view of one conversation room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	// Broadcast sends data to every member, the sender included when
	// from is empty.
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	Key         domain.RoomKey `json:"key"`
	MemberCount int            `json:"client_count"`
}

type RoomManager interface {
	GetOrCreate(room domain.Room) RoomService
	Get(key domain.RoomKey) (RoomService, bool)
	List() []RoomInfo
	StopRoom(key domain.RoomKey)
}
