package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyMessage = errors.New("empty message")
	// ErrSuperseded is returned for results that arrive after the
	// counterpart has changed; they are discarded.
	ErrSuperseded = errors.New("counterpart changed")
)

// MessageSync merges the history fetch with live messages into one
// transcript per counterpart. Messages are reconciled by id: whichever of
// the send response and the pushed echo arrives second is dropped.
type MessageSync struct {
	api   core.ChatAPI
	rooms *RoomBinding

	mu          sync.Mutex
	local       domain.UserID
	counterpart domain.UserID
	gen         uint64
	transcript  []domain.Message
	seen        map[domain.MessageID]struct{}

	listeners map[uint64]chan domain.Message
	nextID    uint64
}

func NewMessageSync(api core.ChatAPI, rooms *RoomBinding) *MessageSync {
	return &MessageSync{
		api:       api,
		rooms:     rooms,
		seen:      make(map[domain.MessageID]struct{}),
		listeners: make(map[uint64]chan domain.Message),
	}
}

// Reset clears the transcript and starts sinking live messages of the
// room currently joined by the binding.
func (s *MessageSync) Reset(local, counterpart domain.UserID) error {
	s.mu.Lock()
	s.local = local
	s.counterpart = counterpart
	s.gen++
	gen := s.gen
	s.transcript = nil
	s.seen = make(map[domain.MessageID]struct{})
	s.mu.Unlock()

	_, err := s.rooms.Subscribe(core.EventReceiveMessage, func(data json.RawMessage) {
		s.onReceive(gen, data)
	})
	return err
}

// LoadHistory fetches the conversation and places it ahead of anything
// that arrived live while the fetch was in flight. On failure the
// transcript keeps what it has and ErrHistoryUnavailable is returned.
func (s *MessageSync) LoadHistory(ctx context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	gen, local, counterpart := s.gen, s.local, s.counterpart
	s.mu.Unlock()
	if counterpart == "" {
		return nil, core.ErrNoCounterpart
	}

	history, err := s.api.History(ctx, local, counterpart)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil, ErrSuperseded
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(counterpart)).Msg("history unavailable")
		if !errors.Is(err, core.ErrHistoryUnavailable) {
			err = fmt.Errorf("%w: %v", core.ErrHistoryUnavailable, err)
		}
		return s.snapshotLocked(), err
	}

	merged := make([]domain.Message, 0, len(history)+len(s.transcript))
	seen := make(map[domain.MessageID]struct{}, len(history)+len(s.transcript))
	for _, m := range history {
		if !m.Between(local, counterpart) {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range s.transcript {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	s.transcript = merged
	s.seen = seen

	log.Info().Str("module", "session").Str("peer", string(counterpart)).Int("history", len(history)).Int("transcript", len(merged)).Msg("history loaded")
	return s.snapshotLocked(), nil
}

// Send persists body remotely and appends the returned message. On
// failure the transcript is unchanged.
func (s *MessageSync) Send(ctx context.Context, body string) (domain.Message, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	s.mu.Lock()
	gen, local, counterpart := s.gen, s.local, s.counterpart
	s.mu.Unlock()
	if counterpart == "" {
		return domain.Message{}, core.ErrNoCounterpart
	}

	msg, err := s.api.SendMessage(ctx, local, counterpart, body)
	if err != nil {
		if !errors.Is(err, core.ErrSendFailed) {
			err = fmt.Errorf("%w: %v", core.ErrSendFailed, err)
		}
		return domain.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// persisted, but the conversation is no longer shown
		return msg, nil
	}
	s.appendLocked(msg)
	return msg, nil
}

func (s *MessageSync) onReceive(gen uint64, data json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		log.Warn().Str("module", "session").Msg("bad receive_message payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !msg.Between(s.local, s.counterpart) {
		return
	}
	s.appendLocked(msg)
}

// appendLocked appends msg unless its id was already seen.
func (s *MessageSync) appendLocked(msg domain.Message) bool {
	if _, dup := s.seen[msg.ID]; dup {
		log.Debug().Str("module", "session").Str("message", string(msg.ID)).Msg("duplicate message dropped")
		return false
	}
	s.seen[msg.ID] = struct{}{}
	s.transcript = append(s.transcript, msg)
	for _, ch := range s.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	return true
}

func (s *MessageSync) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *MessageSync) Transcript() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnIncoming returns a channel receiving every message appended to the
// transcript after the call, sent or pushed. Slow readers miss messages
// rather than block the channel; Transcript stays authoritative.
func (s *MessageSync) OnIncoming(buffer int) (<-chan domain.Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.Message, buffer)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
