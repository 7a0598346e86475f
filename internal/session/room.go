package session

import (
	"fmt"
	"sync"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomBinding keeps the channel handler registrations of room-scoped
// components in step with the room of the selected counterpart. Handlers
// registered through it are dropped on the next Join or Leave, so a
// previous counterpart can never reach the current view.
type RoomBinding struct {
	ch core.Channel

	mu    sync.Mutex
	local domain.UserID
	room  domain.Room
	subs  []core.Subscription
}

func NewRoomBinding(ch core.Channel) *RoomBinding {
	return &RoomBinding{ch: ch}
}

// Join leaves the current room, if any, and joins the room of
// local and counterpart. The room is recorded even when the join request
// cannot be published so that Rejoin can retry it after a reconnect.
func (b *RoomBinding) Join(local, counterpart domain.UserID) error {
	if !local.Valid() || !counterpart.Valid() || local == counterpart {
		return fmt.Errorf("%w: %q", domain.ErrUserIDInvalid, counterpart)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.leaveLocked()
	b.local = local
	b.room = domain.NewRoom(local, counterpart)

	log.Info().Str("module", "session").Str("room", string(b.room.Key())).Msg("join room")
	return b.publishJoinLocked(counterpart)
}

// Rejoin republishes the join request for the current room.
func (b *RoomBinding) Rejoin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.room.IsZero() {
		return nil
	}
	return b.publishJoinLocked(b.room.Other(b.local))
}

func (b *RoomBinding) publishJoinLocked(counterpart domain.UserID) error {
	err := b.ch.Publish(core.EventJoinRoom, core.JoinRoom{SenderID: b.local, ReceiverID: counterpart})
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("room", string(b.room.Key())).Msg("join not published")
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

func (b *RoomBinding) Leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked()
}

func (b *RoomBinding) leaveLocked() {
	for _, sub := range b.subs {
		b.ch.Unsubscribe(sub)
	}
	if !b.room.IsZero() {
		log.Debug().Str("module", "session").Str("room", string(b.room.Key())).Int("handlers", len(b.subs)).Msg("leave room")
	}
	b.subs = nil
	b.room = domain.Room{}
}

// Current returns the joined room.
func (b *RoomBinding) Current() (domain.Room, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.room, !b.room.IsZero()
}

// Subscribe registers h for the lifetime of the current room.
func (b *RoomBinding) Subscribe(event string, h core.Handler) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.room.IsZero() {
		return core.Subscription{}, core.ErrNoCounterpart
	}
	sub := b.ch.Subscribe(event, h)
	b.subs = append(b.subs, sub)
	return sub, nil
}
