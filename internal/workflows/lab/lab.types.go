package lab

import (
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
)

// ProgressQuery returns the percent complete of a LabStepWorkflow
const ProgressQuery = "progress"

// DefaultPollInterval is how often a step workflow polls its provisioner job
const DefaultPollInterval = 5 * time.Second

// StepInput contains the parameters for one infrastructure step
type StepInput struct {
	SessionID    string
	StepKey      string
	StepName     string
	Blueprint    entity.Blueprint
	PollInterval time.Duration
}

// StepResult contains the result of a finished step
type StepResult struct {
	JobID    string
	Progress int
}

// StagedArtifact is an evidence file copied into the staging area of the evidence store
type StagedArtifact struct {
	Name        string
	Kind        string
	Key         string
	Size        int64
	CollectedAt time.Time
}

// StepWorkflowID is the workflow ID of a session's step; one run per step
func StepWorkflowID(sessionID, stepKey string) string {
	return "lab-" + sessionID + "-" + stepKey
}

// TeardownWorkflowID is the workflow ID of a session's resource teardown
func TeardownWorkflowID(sessionID string) string {
	return "lab-" + sessionID + "-teardown"
}

// ArtifactsWorkflowID is the workflow ID of a session's artifact staging
func ArtifactsWorkflowID(sessionID string) string {
	return "lab-" + sessionID + "-artifacts"
}

// JobStatusView is the workflow's view of a provisioner job
type JobStatusView struct {
	Progress int
	Complete bool
	Failed   bool
	Message  string
}
