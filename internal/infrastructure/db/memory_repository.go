package db

import (
	"context"
	"sort"
	"sync"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/domain/repository"
	"github.com/zerozero/octolab/pkg/errors"
)

// MemoryRepository keeps session snapshots in process memory
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entity.LabSession
	activity map[string][]entity.ActivityEntry
}

// NewMemoryRepository creates an empty in-memory session repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*entity.LabSession),
		activity: make(map[string][]entity.ActivityEntry),
	}
}

var _ repository.SessionRepository = (*MemoryRepository)(nil)

// Save implements repository.SessionRepository
func (r *MemoryRepository) Save(_ context.Context, session *entity.LabSession) error {
	if session == nil || session.ID == "" {
		return errors.NewValidation("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session.Clone()
	r.activity[session.ID] = mergeActivity(r.activity[session.ID], session.ActivityLog)
	return nil
}

// GetByID implements repository.SessionRepository
func (r *MemoryRepository) GetByID(_ context.Context, id string) (*entity.LabSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NewNotFound("Lab session")
	}
	return s.Clone(), nil
}

// ListByUserID implements repository.SessionRepository
func (r *MemoryRepository) ListByUserID(_ context.Context, userID string, limit, offset int) ([]*entity.LabSession, error) {
	r.mu.RLock()
	out := make([]*entity.LabSession, 0)
	for _, s := range r.sessions {
		if s.Request.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()
	sortNewestFirst(out)
	return paginate(out, limit, offset), nil
}

// ListActivity implements repository.SessionRepository
func (r *MemoryRepository) ListActivity(_ context.Context, sessionID string) ([]entity.ActivityEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entity.ActivityEntry(nil), r.activity[sessionID]...), nil
}

// mergeActivity adds entries not yet seen, keyed by sequence, keeping
// (timestamp, sequence) order. Entries dropped from the capped session log
// stay in the persisted history.
func mergeActivity(existing, incoming []entity.ActivityEntry) []entity.ActivityEntry {
	seen := make(map[int64]struct{}, len(existing))
	for _, e := range existing {
		seen[e.Sequence] = struct{}{}
	}
	for _, e := range incoming {
		if _, ok := seen[e.Sequence]; ok {
			continue
		}
		existing = append(existing, e)
	}
	sort.SliceStable(existing, func(i, j int) bool {
		if existing[i].Timestamp.Equal(existing[j].Timestamp) {
			return existing[i].Sequence < existing[j].Sequence
		}
		return existing[i].Timestamp.Before(existing[j].Timestamp)
	})
	return existing
}

func sortNewestFirst(sessions []*entity.LabSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func paginate(sessions []*entity.LabSession, limit, offset int) []*entity.LabSession {
	if offset > 0 {
		if offset >= len(sessions) {
			return []*entity.LabSession{}
		}
		sessions = sessions[offset:]
	}
	if limit > 0 && limit < len(sessions) {
		sessions = sessions[:limit]
	}
	return sessions
}
