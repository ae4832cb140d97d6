package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/domain/repository"
	"github.com/zerozero/octolab/pkg/errors"
)

func newSession(id, user string, created time.Time) *entity.LabSession {
	return &entity.LabSession{
		ID:        id,
		Request:   entity.LabRequest{ID: "req-" + id, UserID: user, BlueprintRef: "totalcms-web-1.7.4", RequestedAt: created},
		Blueprint: entity.Blueprint{Ref: "totalcms-web-1.7.4", CVE: "CVE-2023-36212", Severity: entity.LabSeverityCritical},
		State:     entity.LabStateRequested,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func runRepositoryContract(t *testing.T, repo repository.SessionRepository) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	t.Run("get missing returns not found", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("save and reload", func(t *testing.T) {
		s := newSession("s-1", "user-a", base)
		s.State = entity.LabStateProvisioning
		s.ActivityLog = []entity.ActivityEntry{
			{Sequence: 1, Timestamp: base, Kind: entity.ActivityKindStateChange, Message: "Requested -> Provisioning"},
		}
		require.NoError(t, repo.Save(ctx, s))

		got, err := repo.GetByID(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, entity.LabStateProvisioning, got.State)
		assert.Equal(t, "user-a", got.Request.UserID)
		assert.Len(t, got.ActivityLog, 1)
	})

	t.Run("save upserts and keeps activity history", func(t *testing.T) {
		s := newSession("s-1", "user-a", base)
		s.State = entity.LabStateActive
		// the in-memory log dropped entry 1 and added two with an equal timestamp
		s.ActivityLog = []entity.ActivityEntry{
			{Sequence: 3, Timestamp: base.Add(time.Second), Kind: "command", Message: "id"},
			{Sequence: 2, Timestamp: base.Add(time.Second), Kind: "connection", Message: "ssh"},
		}
		require.NoError(t, repo.Save(ctx, s))

		got, err := repo.GetByID(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, entity.LabStateActive, got.State)

		entries, err := repo.ListActivity(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []int64{1, 2, 3}, []int64{entries[0].Sequence, entries[1].Sequence, entries[2].Sequence})
	})

	t.Run("list by user newest first", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, newSession("s-2", "user-a", base.Add(time.Hour))))
		require.NoError(t, repo.Save(ctx, newSession("s-3", "user-b", base.Add(2*time.Hour))))

		sessions, err := repo.ListByUserID(ctx, "user-a", 10, 0)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "s-2", sessions[0].ID)
		assert.Equal(t, "s-1", sessions[1].ID)

		page, err := repo.ListByUserID(ctx, "user-a", 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "s-1", page[0].ID)
	})

	t.Run("saved snapshot is isolated from caller", func(t *testing.T) {
		s := newSession("s-4", "user-c", base)
		require.NoError(t, repo.Save(ctx, s))
		s.State = entity.LabStateFailed

		got, err := repo.GetByID(ctx, "s-4")
		require.NoError(t, err)
		assert.Equal(t, entity.LabStateRequested, got.State)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, NewMemoryRepository())
}

func TestSQLiteRepository(t *testing.T) {
	repo, err := NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	runRepositoryContract(t, repo)
}

func TestSQLiteRepository_File(t *testing.T) {
	path := t.TempDir() + "/nested/octolab.db"
	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), newSession("s-1", "u", time.Unix(0, 0))))
	require.NoError(t, repo.Close())

	reopened, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.GetByID(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "u", got.Request.UserID)
}

func TestSave_RejectsMissingID(t *testing.T) {
	err := NewMemoryRepository().Save(context.Background(), &entity.LabSession{})
	assert.True(t, errors.IsValidation(err))
}
