package db

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/domain/repository"
	"github.com/zerozero/octolab/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sessionRecord is the lab_sessions row. The aggregate is stored as JSONB;
// the scalar columns exist for indexing and listing.
type sessionRecord struct {
	ID           string          `gorm:"type:uuid;primary_key"`
	UserID       string          `gorm:"type:varchar(255);not null;index"`
	BlueprintRef string          `gorm:"type:varchar(255);not null"`
	Severity     string          `gorm:"type:varchar(16);not null"`
	State        string          `gorm:"type:varchar(32);not null;index"`
	TTLDeadline  *time.Time      `gorm:"type:timestamptz"`
	Snapshot     json.RawMessage `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time       `gorm:"type:timestamptz;index"`
	UpdatedAt    time.Time       `gorm:"type:timestamptz"`
}

// TableName specifies the table name for GORM
func (sessionRecord) TableName() string {
	return "lab_sessions"
}

// activityRecord is keyed by (session_id, timestamp, sequence) so entries
// with equal timestamps keep a stable order.
type activityRecord struct {
	SessionID string    `gorm:"type:uuid;primaryKey"`
	Timestamp time.Time `gorm:"type:timestamptz;primaryKey"`
	Sequence  int64     `gorm:"primaryKey"`
	Kind      string    `gorm:"type:varchar(64);not null"`
	Message   string    `gorm:"type:text"`
	Actor     string    `gorm:"type:varchar(255)"`
}

// TableName specifies the table name for GORM
func (activityRecord) TableName() string {
	return "lab_activity_entries"
}

// SessionRepository is the GORM implementation of the session repository
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository using GORM
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{
		db: db,
	}
}

var _ repository.SessionRepository = (*SessionRepository)(nil)

// AutoMigrate creates or updates the session tables
func (r *SessionRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&sessionRecord{}, &activityRecord{}); err != nil {
		return errors.NewDatabaseError("Failed to migrate session tables").WithError(err)
	}
	return nil
}

// Save implements repository.SessionRepository
func (r *SessionRepository) Save(ctx context.Context, session *entity.LabSession) error {
	record, err := toRecord(session)
	if err != nil {
		return err
	}

	entries := make([]activityRecord, 0, len(session.ActivityLog))
	for _, e := range session.ActivityLog {
		entries = append(entries, activityRecord{
			SessionID: session.ID,
			Timestamp: e.Timestamp,
			Sequence:  e.Sequence,
			Kind:      e.Kind,
			Message:   e.Message,
			Actor:     e.Actor,
		})
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entries).Error
	})
	if err != nil {
		return errors.NewDatabaseError("Failed to save lab session").WithError(err).WithSession(session.ID, string(session.State))
	}
	return nil
}

// GetByID implements repository.SessionRepository
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*entity.LabSession, error) {
	var record sessionRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NewNotFound("Lab session")
		}
		return nil, errors.NewDatabaseError("Failed to get lab session by ID").WithError(err)
	}
	return fromRecord(&record)
}

// ListByUserID implements repository.SessionRepository
func (r *SessionRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.LabSession, error) {
	var records []sessionRecord
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, errors.NewDatabaseError("Failed to list lab sessions").WithError(err)
	}

	sessions := make([]*entity.LabSession, 0, len(records))
	for i := range records {
		s, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ListActivity implements repository.SessionRepository
func (r *SessionRepository) ListActivity(ctx context.Context, sessionID string) ([]entity.ActivityEntry, error) {
	var records []activityRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, errors.NewDatabaseError("Failed to list activity entries").WithError(err)
	}

	entries := make([]entity.ActivityEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entity.ActivityEntry{
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp,
			Kind:      rec.Kind,
			Message:   rec.Message,
			Actor:     rec.Actor,
		})
	}
	return entries, nil
}

func toRecord(session *entity.LabSession) (*sessionRecord, error) {
	if session == nil || session.ID == "" {
		return nil, errors.NewValidation("session id is required")
	}
	snapshot, err := json.Marshal(session)
	if err != nil {
		return nil, errors.NewInternal("Failed to encode lab session").WithError(err)
	}
	return &sessionRecord{
		ID:           session.ID,
		UserID:       session.Request.UserID,
		BlueprintRef: session.Request.BlueprintRef,
		Severity:     string(session.Blueprint.Severity),
		State:        string(session.State),
		TTLDeadline:  session.TTLDeadline,
		Snapshot:     snapshot,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	}, nil
}

func fromRecord(record *sessionRecord) (*entity.LabSession, error) {
	var session entity.LabSession
	if err := json.Unmarshal(record.Snapshot, &session); err != nil {
		return nil, errors.NewDatabaseError("Failed to decode lab session").WithError(err)
	}
	return &session, nil
}
