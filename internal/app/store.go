package app

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/duet/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrUserExists  = errors.New("user already registered")
	ErrUnknownUser = errors.New("unknown user")
)

// Store keeps users, messages and uploaded pictures in memory for the
// lifetime of the relay process.
type Store struct {
	mu       sync.RWMutex
	users    map[domain.UserID]*domain.User
	byPhone  map[string]domain.UserID
	messages map[domain.RoomKey][]domain.Message
	uploads  map[string][]byte
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		users:    make(map[domain.UserID]*domain.User),
		byPhone:  make(map[string]domain.UserID),
		messages: make(map[domain.RoomKey][]domain.Message),
		uploads:  make(map[string][]byte),
		now:      time.Now,
	}
}

// CreateUser registers a profile for a verified phone number.
func (s *Store) CreateUser(phone, name, email string) (*domain.User, error) {
	if err := domain.ValidatePhone(phone); err != nil {
		return nil, err
	}
	u := &domain.User{
		ID:          domain.UserID(uuid.NewString()),
		PhoneNumber: phone,
		Email:       strings.TrimSpace(email),
	}
	if err := u.SetName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPhone[phone]; ok {
		return nil, ErrUserExists
	}
	s.users[u.ID] = u
	s.byPhone[phone] = u.ID
	log.Info().Str("module", "app.store").Str("user", string(u.ID)).Msg("user created")
	cp := *u
	return &cp, nil
}

func (s *Store) SetPicture(id domain.UserID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUnknownUser
	}
	u.ProfilePicture = path
	return nil
}

func (s *Store) UserByPhone(phone string) (*domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPhone[phone]
	if !ok {
		return nil, false
	}
	cp := *s.users[id]
	return &cp, true
}

func (s *Store) User(id domain.UserID) (*domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// Users lists every registered user ordered by name.
func (s *Store) Users() []domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddMessage persists a message and returns it with id and timestamp.
func (s *Store) AddMessage(sender, receiver domain.UserID, body string) (domain.Message, error) {
	if !sender.Valid() || !receiver.Valid() {
		return domain.Message{}, domain.ErrUserIDInvalid
	}
	m := domain.Message{
		ID:         domain.MessageID(uuid.NewString()),
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
		SentAt:     s.now().UTC(),
	}
	key := domain.NewRoom(sender, receiver).Key()
	s.mu.Lock()
	s.messages[key] = append(s.messages[key], m)
	s.mu.Unlock()
	return m, nil
}

// History returns the conversation of a and b oldest first.
func (s *Store) History(a, b domain.UserID) []domain.Message {
	key := domain.NewRoom(a, b).Key()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages[key]))
	copy(out, s.messages[key])
	return out
}

func (s *Store) PutUpload(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[name] = data
}

func (s *Store) Upload(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.uploads[name]
	return b, ok
}
