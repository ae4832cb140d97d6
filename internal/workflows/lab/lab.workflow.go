package lab

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    1 * time.Minute,
			MaximumAttempts:    3,
		},
	}
}

// LabStepWorkflow runs one infrastructure step as a provisioner job and
// exposes its progress through ProgressQuery. Cancelling the workflow
// cancels the job.
func LabStepWorkflow(ctx workflow.Context, in StepInput) (*StepResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting lab step workflow", "session_id", in.SessionID, "step", in.StepKey)

	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	var a *Activities

	progress := 0
	if err := workflow.SetQueryHandler(ctx, ProgressQuery, func() (int, error) {
		return progress, nil
	}); err != nil {
		logger.Error("Failed to set progress query handler", "error", err)
	}

	var jobID string
	if err := workflow.ExecuteActivity(ctx, a.StartJob, in).Get(ctx, &jobID); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to start %s: %w", in.StepKey, err)
	}

	poll := in.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	for {
		var status JobStatusView
		err := workflow.ExecuteActivity(ctx, a.GetJobStatus, jobID).Get(ctx, &status)
		if ctx.Err() != nil {
			return nil, cancelJob(ctx, jobID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to poll %s: %w", in.StepKey, err)
		}

		progress = status.Progress
		switch {
		case status.Complete:
			progress = 100
			logger.Info("Lab step completed", "session_id", in.SessionID, "step", in.StepKey)
			return &StepResult{JobID: jobID, Progress: progress}, nil
		case status.Failed:
			return nil, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("%s failed: %s", in.StepName, status.Message), "StepFailed", nil)
		}

		if err := workflow.Sleep(ctx, poll); err != nil {
			return nil, cancelJob(ctx, jobID)
		}
	}
}

// cancelJob stops the provisioner job from a disconnected context so the
// call survives the workflow's own cancellation.
func cancelJob(ctx workflow.Context, jobID string) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Step cancelled, stopping provisioner job", "job_id", jobID)

	var a *Activities
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	if err := workflow.ExecuteActivity(dctx, a.CancelJob, jobID).Get(dctx, nil); err != nil {
		logger.Error("Failed to cancel provisioner job", "job_id", jobID, "error", err)
	}
	return ctx.Err()
}

// LabTeardownWorkflow releases every resource held for a session
func LabTeardownWorkflow(ctx workflow.Context, sessionID string) error {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.StopResources, sessionID).Get(ctx, nil); err != nil {
		return fmt.Errorf("failed to stop resources: %w", err)
	}
	return nil
}

// LabArtifactsWorkflow stages a session's evidence files in the evidence store
func LabArtifactsWorkflow(ctx workflow.Context, sessionID string) ([]StagedArtifact, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	var a *Activities
	var staged []StagedArtifact
	if err := workflow.ExecuteActivity(ctx, a.StageArtifacts, sessionID).Get(ctx, &staged); err != nil {
		return nil, fmt.Errorf("failed to stage artifacts: %w", err)
	}
	return staged, nil
}
