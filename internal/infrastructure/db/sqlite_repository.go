package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/domain/repository"
	"github.com/zerozero/octolab/pkg/errors"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteRepository stores session snapshots as JSON rows in a single-file
// database, for single-node deployments without Postgres.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path == "" {
		path = "octolab.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !stderrors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lab_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lab_sessions_user ON lab_sessions(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS lab_activity_entries (
			session_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (session_id, ts, sequence)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return &SQLiteRepository{db: db}, nil
}

var _ repository.SessionRepository = (*SQLiteRepository)(nil)

// Close releases the underlying database handle
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Save implements repository.SessionRepository
func (r *SQLiteRepository) Save(ctx context.Context, session *entity.LabSession) (retErr error) {
	if session == nil || session.ID == "" {
		return errors.NewValidation("session id is required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return errors.NewInternal("Failed to encode lab session").WithError(err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewDatabaseError("Failed to begin transaction").WithError(err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO lab_sessions (id, user_id, state, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, payload = excluded.payload`,
		session.ID, session.Request.UserID, string(session.State), session.CreatedAt.UnixNano(), payload)
	if err != nil {
		return errors.NewDatabaseError("Failed to save lab session").WithError(err).WithSession(session.ID, string(session.State))
	}

	for _, e := range session.ActivityLog {
		entry, err := json.Marshal(e)
		if err != nil {
			return errors.NewInternal("Failed to encode activity entry").WithError(err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO lab_activity_entries (session_id, ts, sequence, payload)
			VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			session.ID, e.Timestamp.UnixNano(), e.Sequence, entry)
		if err != nil {
			return errors.NewDatabaseError("Failed to save activity entry").WithError(err).WithSession(session.ID, string(session.State))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewDatabaseError("Failed to commit lab session").WithError(err)
	}
	return nil
}

// GetByID implements repository.SessionRepository
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*entity.LabSession, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM lab_sessions WHERE id = ?`, id).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("Lab session")
	}
	if err != nil {
		return nil, errors.NewDatabaseError("Failed to get lab session by ID").WithError(err)
	}
	return decodeSession(payload)
}

// ListByUserID implements repository.SessionRepository
func (r *SQLiteRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.LabSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM lab_sessions WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, errors.NewDatabaseError("Failed to list lab sessions").WithError(err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]*entity.LabSession, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.NewDatabaseError("Failed to scan lab session").WithError(err)
		}
		s, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("Failed to list lab sessions").WithError(err)
	}
	return sessions, nil
}

// ListActivity implements repository.SessionRepository
func (r *SQLiteRepository) ListActivity(ctx context.Context, sessionID string) ([]entity.ActivityEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM lab_activity_entries WHERE session_id = ?
		ORDER BY ts ASC, sequence ASC`, sessionID)
	if err != nil {
		return nil, errors.NewDatabaseError("Failed to list activity entries").WithError(err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]entity.ActivityEntry, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.NewDatabaseError("Failed to scan activity entry").WithError(err)
		}
		var e entity.ActivityEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, errors.NewDatabaseError("Failed to decode activity entry").WithError(err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func decodeSession(payload []byte) (*entity.LabSession, error) {
	var s entity.LabSession
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, errors.NewDatabaseError("Failed to decode lab session").WithError(err)
	}
	return &s, nil
}
