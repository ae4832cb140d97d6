package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/orchestrator/pipeline"
)

// StepRequest is what the infrastructure driver needs to run one step
type StepRequest struct {
	SessionID string
	Key       string
	Name      string
	Blueprint entity.Blueprint
}

// CollectedArtifact is raw evidence handed back by the driver. The core
// hashes and stores the content itself.
type CollectedArtifact struct {
	Name        string
	Kind        string
	CollectedAt time.Time
	Open        func(ctx context.Context) (io.ReadCloser, error)
}

// InfraDriver is the compute backend that creates and destroys lab resources.
type InfraDriver interface {
	// StartStep runs a step and reports through r. It must call r.Done once
	// and should return promptly after ctx is cancelled.
	StartStep(ctx context.Context, req StepRequest, r pipeline.Reporter)
	// StopResources releases everything held for the session
	StopResources(ctx context.Context, sessionID string) error
	// EnumerateArtifacts lists the evidence captured during the session
	EnumerateArtifacts(ctx context.Context, sessionID string) ([]CollectedArtifact, error)
}

// Deliverer distributes a sealed evidence package
type Deliverer interface {
	Deliver(ctx context.Context, sessionID string, pkg *entity.EvidencePackage, dest entity.Destination) (entity.Delivery, error)
}
