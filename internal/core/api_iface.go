package core

import (
	"context"

	"github.com/dkeye/duet/internal/domain"
)

// ChatAPI is the pull side of messaging: history and persisted sends.
type ChatAPI interface {
	History(ctx context.Context, a, b domain.UserID) ([]domain.Message, error)
	SendMessage(ctx context.Context, sender, receiver domain.UserID, body string) (domain.Message, error)
}

// ContactsAPI lists users known to the backend.
type ContactsAPI interface {
	Users(ctx context.Context) ([]domain.User, error)
}
