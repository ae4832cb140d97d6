package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/services"
	"github.com/zerozero/octolab/pkg/config"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

// fakeOrchestrator records calls and keeps sessions in a map
type fakeOrchestrator struct {
	sessions map[string]*entity.LabSession
	calls    []string
	extended time.Duration
	activity entity.ActivityEntry
	token    string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{sessions: map[string]*entity.LabSession{}}
}

func (f *fakeOrchestrator) record(op string) { f.calls = append(f.calls, op) }

func (f *fakeOrchestrator) Submit(_ context.Context, p entity.Principal, bp entity.Blueprint, token string) (*entity.LabSession, error) {
	f.record("submit")
	f.token = token
	s := &entity.LabSession{
		ID:        uuid.NewString(),
		Request:   entity.LabRequest{UserID: p.UserID, BlueprintRef: bp.Ref},
		Blueprint: bp,
		State:     entity.LabStateProvisioning,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeOrchestrator) Approve(_ context.Context, id, _ string) (*entity.LabSession, error) {
	f.record("approve")
	return f.sessions[id], nil
}

func (f *fakeOrchestrator) Deny(_ context.Context, id, _, _ string) (*entity.LabSession, error) {
	f.record("deny")
	return f.sessions[id], nil
}

func (f *fakeOrchestrator) CancelProvisioning(_ context.Context, id, _ string) (*entity.LabSession, error) {
	f.record("cancel")
	return f.sessions[id], nil
}

func (f *fakeOrchestrator) End(_ context.Context, id, _, _ string) (*entity.LabSession, error) {
	f.record("end")
	return f.sessions[id], nil
}

func (f *fakeOrchestrator) Extend(_ context.Context, id, _ string, d time.Duration) (*entity.LabSession, error) {
	f.record("extend")
	f.extended = d
	return f.sessions[id], nil
}

func (f *fakeOrchestrator) RecordActivity(_ context.Context, _, kind, message, by string, _ *time.Time) (entity.ActivityEntry, error) {
	f.record("activity")
	f.activity = entity.ActivityEntry{Kind: kind, Message: message, Actor: by}
	return f.activity, nil
}

func (f *fakeOrchestrator) Share(_ context.Context, _ string, dest entity.Destination) (entity.Delivery, error) {
	f.record("share")
	return entity.Delivery{Destination: dest}, nil
}

func (f *fakeOrchestrator) Get(_ context.Context, id string) (*entity.LabSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.NewNotFound("lab session")
	}
	return s, nil
}

func (f *fakeOrchestrator) ActiveSession(_ context.Context, userID string) (*entity.LabSession, bool, error) {
	for _, s := range f.sessions {
		if s.Request.UserID == userID && !s.State.IsTerminal() {
			return s, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeOrchestrator) List(_ context.Context, userID string, limit, offset int) ([]*entity.LabSession, error) {
	f.record("list")
	var out []*entity.LabSession
	for _, s := range f.sessions {
		if s.Request.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

var (
	alice = entity.Principal{UserID: "alice", Tier: entity.TierStandard}
	bob   = entity.Principal{UserID: "bob", Tier: entity.TierStandard}
	admin = entity.Principal{UserID: "root", Tier: entity.TierAdmin}
)

func newUseCase(t *testing.T) (LabUseCase, *fakeOrchestrator) {
	t.Helper()
	catalog, err := services.NewBlueprintCatalog("", logger.NewNop())
	require.NoError(t, err)
	orch := newFakeOrchestrator()
	cfg := config.LabConfig{DefaultTTL: 4 * time.Hour, MaxTTLStandard: 6 * time.Hour, MaxTTLAdmin: 8 * time.Hour}
	return NewLabUseCase(orch, catalog, cfg, logger.NewNop()), orch
}

func TestSubmit_ResolvesBlueprint(t *testing.T) {
	uc, orch := newUseCase(t)

	s, err := uc.Submit(context.Background(), alice, &SubmitLabInput{BlueprintRef: "CVE-2023-36212", ApprovalToken: " CHG-1 "})
	require.NoError(t, err)
	assert.Equal(t, "totalcms-1.7.4", s.Blueprint.Ref)
	assert.Equal(t, "CHG-1", orch.token)

	_, err = uc.Submit(context.Background(), alice, &SubmitLabInput{})
	assert.True(t, errors.IsValidation(err))

	_, err = uc.Submit(context.Background(), alice, &SubmitLabInput{BlueprintRef: "no-such-lab"})
	assert.True(t, errors.IsNotFound(err))
}

func TestGetContext(t *testing.T) {
	uc, _ := newUseCase(t)
	ctx := context.Background()

	lc, err := uc.GetContext(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, lc.QuickPicks, 4)
	assert.True(t, lc.Guardrails.CanRequest)
	assert.Equal(t, 480, lc.Guardrails.MaxTTLMinutes)
	assert.Nil(t, lc.ActiveLab)

	s, err := uc.Submit(ctx, alice, &SubmitLabInput{BlueprintRef: "nginx-1.23-traversal"})
	require.NoError(t, err)
	lc, err = uc.GetContext(ctx, alice)
	require.NoError(t, err)
	assert.False(t, lc.Guardrails.CanRequest)
	assert.Equal(t, 360, lc.Guardrails.MaxTTLMinutes)
	require.NotNil(t, lc.ActiveLab)
	assert.Equal(t, s.ID, lc.ActiveLab.ID)
}

func TestOwnershipChecks(t *testing.T) {
	uc, orch := newUseCase(t)
	ctx := context.Background()
	s, err := uc.Submit(ctx, alice, &SubmitLabInput{BlueprintRef: "nginx-1.23-traversal"})
	require.NoError(t, err)

	tests := []struct {
		name string
		op   func(p entity.Principal) error
	}{
		{"get", func(p entity.Principal) error { _, err := uc.Get(ctx, p, s.ID); return err }},
		{"cancel", func(p entity.Principal) error { _, err := uc.Cancel(ctx, p, s.ID); return err }},
		{"end", func(p entity.Principal) error { _, err := uc.End(ctx, p, s.ID, ""); return err }},
		{"extend", func(p entity.Principal) error { _, err := uc.Extend(ctx, p, s.ID, 30); return err }},
		{"activity", func(p entity.Principal) error {
			_, err := uc.RecordActivity(ctx, p, s.ID, &RecordActivityInput{Kind: "command", Message: "id"})
			return err
		}},
		{"share", func(p entity.Principal) error { _, err := uc.Share(ctx, p, s.ID, entity.Destination{}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(orch.calls)
			err := tt.op(bob)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrForbidden))
			assert.Len(t, orch.calls, before, "orchestrator is not reached")

			assert.NoError(t, tt.op(alice))
		})
	}

	_, err = uc.Get(ctx, admin, s.ID)
	assert.NoError(t, err, "admins can read any session")

	_, err = uc.Get(ctx, alice, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestReviewRequiresAdmin(t *testing.T) {
	uc, orch := newUseCase(t)
	ctx := context.Background()
	s, err := uc.Submit(ctx, alice, &SubmitLabInput{BlueprintRef: "log4j-2.14.1"})
	require.NoError(t, err)

	_, err = uc.Approve(ctx, alice, s.ID)
	assert.True(t, errors.HasCode(err, errors.ErrForbidden))
	_, err = uc.Deny(ctx, alice, s.ID, "no")
	assert.True(t, errors.HasCode(err, errors.ErrForbidden))

	_, err = uc.Approve(ctx, admin, s.ID)
	require.NoError(t, err)
	assert.Contains(t, orch.calls, "approve")
}

func TestApprove_RejectsSelfApproval(t *testing.T) {
	uc, orch := newUseCase(t)
	ctx := context.Background()
	s, err := uc.Submit(ctx, admin, &SubmitLabInput{BlueprintRef: "log4j-2.14.1"})
	require.NoError(t, err)

	_, err = uc.Approve(ctx, admin, s.ID)
	assert.True(t, errors.HasCode(err, errors.ErrForbidden))
	assert.NotContains(t, orch.calls, "approve")

	secondReviewer := entity.Principal{UserID: "root-2", Tier: entity.TierAdmin}
	_, err = uc.Approve(ctx, secondReviewer, s.ID)
	require.NoError(t, err)
	assert.Contains(t, orch.calls, "approve")

	_, err = uc.Approve(ctx, secondReviewer, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestExtendAndActivityInputs(t *testing.T) {
	uc, orch := newUseCase(t)
	ctx := context.Background()
	s, err := uc.Submit(ctx, alice, &SubmitLabInput{BlueprintRef: "nginx-1.23-traversal"})
	require.NoError(t, err)

	for _, minutes := range []int{0, -5, 481} {
		_, err := uc.Extend(ctx, alice, s.ID, minutes)
		assert.True(t, errors.IsValidation(err), "minutes=%d", minutes)
	}
	_, err = uc.Extend(ctx, alice, s.ID, 90)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, orch.extended)

	entry, err := uc.RecordActivity(ctx, alice, s.ID, &RecordActivityInput{Kind: " command ", Message: "whoami"})
	require.NoError(t, err)
	assert.Equal(t, "command", entry.Kind)
	assert.Equal(t, "alice", entry.Actor, "actor defaults to the caller")

	_, err = uc.RecordActivity(ctx, alice, s.ID, nil)
	assert.True(t, errors.IsValidation(err))

	d, err := uc.Share(ctx, alice, s.ID, entity.Destination{})
	require.NoError(t, err)
	assert.Equal(t, entity.DestinationLink, d.Destination.Kind)
}

func TestList_ClampsPaging(t *testing.T) {
	uc, _ := newUseCase(t)
	out, err := uc.List(context.Background(), alice, -1, -1)
	require.NoError(t, err)
	assert.Empty(t, out)
}
