package lab

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/zerozero/octolab/internal/clients"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/pkg/logger"
	"github.com/zerozero/octolab/pkg/metrics"
)

// Provisioner is the slice of the provisioner API the activities use
type Provisioner interface {
	StartJob(ctx context.Context, sessionID, step string, bp entity.Blueprint) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (*clients.JobStatus, error)
	CancelJob(ctx context.Context, jobID, reason string) error
	StopResources(ctx context.Context, sessionID string) error
	ListArtifacts(ctx context.Context, sessionID string) ([]clients.Artifact, error)
}

// Activities contains all lab workflow activities.
// Infrastructure is driven through the provisioner; evidence bytes land in the blob store.
type Activities struct {
	provisioner Provisioner
	store       blob.Store
	log         logger.Logger
}

// NewActivities creates the lab activities
func NewActivities(p Provisioner, store blob.Store, log logger.Logger) *Activities {
	return &Activities{provisioner: p, store: store, log: log}
}

func observe(name string, start time.Time, err error) {
	metrics.ActivityDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ActivityErrors.WithLabelValues(name, fmt.Sprintf("%T", err)).Inc()
	}
}

// StartJob starts the provisioner job backing one step
func (a *Activities) StartJob(ctx context.Context, in StepInput) (jobID string, err error) {
	defer func(start time.Time) { observe("StartJob", start, err) }(time.Now())
	a.log.Info("Activity: StartJob",
		logger.String("session_id", in.SessionID),
		logger.String("step", in.StepKey))

	return a.provisioner.StartJob(ctx, in.SessionID, in.StepKey, in.Blueprint)
}

// GetJobStatus reads the status of a provisioner job
func (a *Activities) GetJobStatus(ctx context.Context, jobID string) (view *JobStatusView, err error) {
	defer func(start time.Time) { observe("GetJobStatus", start, err) }(time.Now())

	status, err := a.provisioner.GetJobStatus(ctx, jobID)
	if err != nil {
		a.log.Error("Failed to get job status", logger.String("job_id", jobID), logger.Error(err))
		return nil, err
	}
	activity.RecordHeartbeat(ctx, status.Progress)
	return &JobStatusView{
		Progress: status.Progress,
		Complete: status.Complete(),
		Failed:   status.Failed(),
		Message:  status.ErrorMessage,
	}, nil
}

// CancelJob stops a running provisioner job
func (a *Activities) CancelJob(ctx context.Context, jobID string) (err error) {
	defer func(start time.Time) { observe("CancelJob", start, err) }(time.Now())
	a.log.Info("Activity: CancelJob", logger.String("job_id", jobID))
	return a.provisioner.CancelJob(ctx, jobID, "step cancelled")
}

// StopResources releases the session's infrastructure
func (a *Activities) StopResources(ctx context.Context, sessionID string) (err error) {
	defer func(start time.Time) { observe("StopResources", start, err) }(time.Now())
	a.log.Info("Activity: StopResources", logger.String("session_id", sessionID))

	if err := a.provisioner.StopResources(ctx, sessionID); err != nil {
		a.log.Error("Failed to stop resources", logger.String("session_id", sessionID), logger.Error(err))
		return err
	}
	return nil
}

// StageArtifacts copies the session's evidence files into the staging area
// of the evidence store. Re-running after a retry keeps already staged files.
func (a *Activities) StageArtifacts(ctx context.Context, sessionID string) (staged []StagedArtifact, err error) {
	defer func(start time.Time) { observe("StageArtifacts", start, err) }(time.Now())
	a.log.Info("Activity: StageArtifacts", logger.String("session_id", sessionID))

	arts, err := a.provisioner.ListArtifacts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	staged = make([]StagedArtifact, 0, len(arts))
	for _, art := range arts {
		name := path.Base(art.Name)
		if name == "." || name == "/" || name == ".." {
			a.log.Warn("Skipping artifact with unusable name", logger.String("name", art.Name))
			continue
		}
		key := blob.StagingPrefix(sessionID) + name
		_, err := a.store.Put(ctx, key, bytes.NewReader(art.Content), blob.PutOptions{
			Metadata: map[string]string{"name": name, "kind": art.Kind},
		})
		if err != nil && !stderrors.Is(err, blob.ErrExists) {
			return nil, fmt.Errorf("failed to stage %s: %w", name, err)
		}
		staged = append(staged, StagedArtifact{
			Name:        name,
			Kind:        art.Kind,
			Key:         key,
			Size:        int64(len(art.Content)),
			CollectedAt: time.Now().UTC(),
		})
		activity.RecordHeartbeat(ctx, len(staged))
	}

	a.log.Info("Artifacts staged",
		logger.String("session_id", sessionID),
		logger.Int("count", len(staged)))
	return staged, nil
}
