package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Channel     core.Channel
	Chat        core.ChatAPI
	Contacts    core.ContactsAPI
	Media       core.MediaSource
	Negotiators core.NegotiatorFactory
	Sink        core.MediaSink
}

// Manager is the facade the UI talks to. It owns one room binding, one
// message sync and one call session for the local identity.
type Manager struct {
	local    domain.UserID
	ch       core.Channel
	contacts core.ContactsAPI

	rooms *RoomBinding
	sync  *MessageSync
	call  *CallSession

	mu          sync.Mutex
	counterpart domain.UserID
	connSub     core.Subscription
}

func NewManager(local domain.UserID, deps Deps, opts CallOptions) (*Manager, error) {
	if !local.Valid() {
		return nil, domain.ErrUserIDInvalid
	}
	if deps.Channel == nil || deps.Chat == nil || deps.Media == nil || deps.Negotiators == nil {
		return nil, errors.New("session: missing collaborator")
	}
	rooms := NewRoomBinding(deps.Channel)
	m := &Manager{
		local:    local,
		ch:       deps.Channel,
		contacts: deps.Contacts,
		rooms:    rooms,
		sync:     NewMessageSync(deps.Chat, rooms),
		call: NewCallSession(local, CallDeps{
			Channel:     deps.Channel,
			Media:       deps.Media,
			Negotiators: deps.Negotiators,
			Sink:        deps.Sink,
		}, opts),
	}
	m.connSub = deps.Channel.Subscribe(core.EventConnect, func(json.RawMessage) {
		if err := m.rooms.Rejoin(); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("rejoin after reconnect")
		}
	})
	return m, nil
}

func (m *Manager) Local() domain.UserID { return m.local }

func (m *Manager) Counterpart() domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counterpart
}

// Select switches the conversation to counterpart. A call with anyone
// else is ended first, the room is rebound and the transcript reloaded. A
// history failure leaves the new conversation selected with an empty
// transcript.
func (m *Manager) Select(ctx context.Context, counterpart domain.UserID) error {
	if st := m.call.Status(); st.State != StateIdle && st.Peer != counterpart {
		log.Info().Str("module", "session").Str("peer", string(st.Peer)).Msg("ending call before switching counterpart")
		_ = m.call.Hangup()
	}
	return m.bind(ctx, counterpart)
}

func (m *Manager) bind(ctx context.Context, counterpart domain.UserID) error {
	if !counterpart.Valid() || counterpart == m.local {
		return core.ErrNoCounterpart
	}
	m.mu.Lock()
	m.counterpart = counterpart
	m.mu.Unlock()

	joinErr := m.rooms.Join(m.local, counterpart)
	if err := m.sync.Reset(m.local, counterpart); err != nil {
		return fmt.Errorf("reset transcript: %w", err)
	}
	_, histErr := m.sync.LoadHistory(ctx)
	if errors.Is(histErr, ErrSuperseded) {
		histErr = nil
	}
	return errors.Join(joinErr, histErr)
}

// Transcript returns the messages of the selected conversation.
func (m *Manager) Transcript() []domain.Message { return m.sync.Transcript() }

func (m *Manager) Messages(buffer int) (<-chan domain.Message, func()) {
	return m.sync.OnIncoming(buffer)
}

func (m *Manager) Send(ctx context.Context, body string) (domain.Message, error) {
	return m.sync.Send(ctx, body)
}

func (m *Manager) CallStatus() CallStatus { return m.call.Status() }

func (m *Manager) CallEvents(buffer int) (<-chan CallStatus, func()) {
	return m.call.Subscribe(buffer)
}

// PlaceCall calls the selected counterpart.
func (m *Manager) PlaceCall(ctx context.Context) error {
	peer := m.Counterpart()
	if peer == "" {
		return core.ErrNoCounterpart
	}
	return m.call.PlaceCall(ctx, peer)
}

// Accept answers the ringing call. A call from someone other than the
// selected counterpart switches the conversation to the caller.
func (m *Manager) Accept(ctx context.Context) error {
	st := m.call.Status()
	if st.State != StateIncomingRinging {
		return core.ErrNoActiveCall
	}
	if st.Peer != m.Counterpart() {
		if err := m.bind(ctx, st.Peer); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(st.Peer)).Msg("switch to caller")
		}
	}
	return m.call.Accept(ctx)
}

func (m *Manager) Decline() error { return m.call.Decline() }

func (m *Manager) Hangup() error { return m.call.Hangup() }

// Contacts lists the other registered users.
func (m *Manager) Contacts(ctx context.Context) ([]domain.User, error) {
	if m.contacts == nil {
		return nil, errors.New("session: no contacts api")
	}
	users, err := m.contacts.Users(ctx)
	if err != nil {
		return nil, err
	}
	return domain.Without(users, m.local), nil
}

// Close ends any call and drops every channel registration.
func (m *Manager) Close() {
	m.call.Close()
	m.rooms.Leave()
	m.ch.Unsubscribe(m.connSub)
	m.mu.Lock()
	m.counterpart = ""
	m.mu.Unlock()
}
