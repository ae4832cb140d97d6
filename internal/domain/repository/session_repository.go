package repository

import (
	"context"

	"github.com/zerozero/octolab/internal/domain/entity"
)

// SessionRepository defines the interface for lab session persistence
type SessionRepository interface {
	// Save upserts a session snapshot together with its activity entries
	Save(ctx context.Context, session *entity.LabSession) error

	// GetByID retrieves a session by its ID
	GetByID(ctx context.Context, id string) (*entity.LabSession, error)

	// ListByUserID retrieves a user's sessions, newest first
	ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.LabSession, error)

	// ListActivity retrieves the persisted activity entries of a session in
	// (timestamp, sequence) order
	ListActivity(ctx context.Context, sessionID string) ([]entity.ActivityEntry, error)
}
