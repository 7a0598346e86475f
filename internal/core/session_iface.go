package core

import "github.com/dkeye/duet/internal/domain"

type SessionID string

// MemberSession binds a relay connection to the user it speaks for.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	// Identify binds the session to user on join_room.
	Identify(user *domain.User)
	UserID() domain.UserID
}
