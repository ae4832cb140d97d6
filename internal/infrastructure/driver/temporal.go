package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.temporal.io/sdk/client"

	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/internal/orchestrator"
	"github.com/zerozero/octolab/internal/orchestrator/pipeline"
	"github.com/zerozero/octolab/internal/workflows/lab"
	"github.com/zerozero/octolab/pkg/logger"
	"github.com/zerozero/octolab/pkg/metrics"
)

const (
	// cancelGrace bounds how long a stopped step waits for its run to end
	cancelGrace = 2 * time.Minute
	// rpcTimeout bounds cancel and query calls to the Temporal frontend
	rpcTimeout = 10 * time.Second
)

// TemporalDriver runs each step as a workflow on the lab task queue
type TemporalDriver struct {
	client    client.Client
	taskQueue string
	store     blob.Store
	clock     clock.Clock
	poll      time.Duration
	log       logger.Logger
}

// NewTemporalDriver creates a driver backed by Temporal workflows
func NewTemporalDriver(c client.Client, taskQueue string, poll time.Duration, store blob.Store, clk clock.Clock, log logger.Logger) *TemporalDriver {
	if clk == nil {
		clk = clock.New()
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &TemporalDriver{
		client:    c,
		taskQueue: taskQueue,
		store:     store,
		clock:     clk,
		poll:      poll,
		log:       log.WithFields(logger.String("driver", "temporal")),
	}
}

func (d *TemporalDriver) start(ctx context.Context, id string, wf interface{}, name string, args ...interface{}) (client.WorkflowRun, error) {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: d.taskQueue,
	}, wf, args...)
	if err != nil {
		d.log.Error("Failed to start workflow", logger.String("workflow_id", id), logger.Error(err))
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	metrics.WorkflowsStarted.WithLabelValues(name).Inc()
	return run, nil
}

func finished(name string, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.WorkflowsCompleted.WithLabelValues(name, status).Inc()
}

// StartStep starts LabStepWorkflow and relays its progress query until the run ends
func (d *TemporalDriver) StartStep(ctx context.Context, req orchestrator.StepRequest, r pipeline.Reporter) {
	const name = "LabStepWorkflow"
	ctx, span := tracer.Start(ctx, "lab.step",
		trace.WithAttributes(attribute.String("session_id", req.SessionID), attribute.String("step", req.Key)))
	defer span.End()
	log := d.log.WithFields(logger.String("session_id", req.SessionID), logger.String("step", req.Key))

	run, err := d.start(ctx, lab.StepWorkflowID(req.SessionID, req.Key), lab.LabStepWorkflow, name, lab.StepInput{
		SessionID:    req.SessionID,
		StepKey:      req.Key,
		StepName:     req.Name,
		Blueprint:    req.Blueprint,
		PollInterval: d.poll,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start")
		r.Done(err)
		return
	}

	result := make(chan error, 1)
	go func() {
		var res lab.StepResult
		result <- run.Get(context.Background(), &res)
	}()

	ticker := d.clock.Ticker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case err := <-result:
			finished(name, err)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, req.Key)
			}
			r.Done(err)
			return

		case <-ctx.Done():
			log.Info("Cancelling step workflow", logger.String("workflow_id", run.GetID()))
			cctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			if err := d.client.CancelWorkflow(cctx, run.GetID(), run.GetRunID()); err != nil {
				log.Error("Failed to cancel step workflow", logger.Error(err))
			}
			cancel()

			// acknowledged once the run has ended
			select {
			case err := <-result:
				finished(name, err)
			case <-d.clock.After(cancelGrace):
				log.Warn("Step workflow did not end after cancellation")
			}
			r.Done(ctx.Err())
			return

		case <-ticker.C:
			d.relayProgress(ctx, run, r, log)
		}
	}
}

func (d *TemporalDriver) relayProgress(ctx context.Context, run client.WorkflowRun, r pipeline.Reporter, log logger.Logger) {
	qctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	v, err := d.client.QueryWorkflow(qctx, run.GetID(), run.GetRunID(), lab.ProgressQuery)
	if err != nil {
		log.Debug("Progress query failed", logger.Error(err))
		return
	}
	var pct int
	if err := v.Get(&pct); err != nil {
		log.Debug("Progress query returned an unreadable value", logger.Error(err))
		return
	}
	r.Progress(pct)
}

// StopResources runs LabTeardownWorkflow and waits for it
func (d *TemporalDriver) StopResources(ctx context.Context, sessionID string) error {
	const name = "LabTeardownWorkflow"
	run, err := d.start(ctx, lab.TeardownWorkflowID(sessionID), lab.LabTeardownWorkflow, name, sessionID)
	if err != nil {
		return err
	}
	err = run.Get(ctx, nil)
	finished(name, err)
	return err
}

// EnumerateArtifacts runs LabArtifactsWorkflow and opens the staged files from the evidence store
func (d *TemporalDriver) EnumerateArtifacts(ctx context.Context, sessionID string) ([]orchestrator.CollectedArtifact, error) {
	const name = "LabArtifactsWorkflow"
	run, err := d.start(ctx, lab.ArtifactsWorkflowID(sessionID), lab.LabArtifactsWorkflow, name, sessionID)
	if err != nil {
		return nil, err
	}
	var staged []lab.StagedArtifact
	err = run.Get(ctx, &staged)
	finished(name, err)
	if err != nil {
		return nil, err
	}

	out := make([]orchestrator.CollectedArtifact, len(staged))
	for i, s := range staged {
		out[i] = orchestrator.CollectedArtifact{
			Name:        s.Name,
			Kind:        s.Kind,
			CollectedAt: s.CollectedAt,
			Open:        opener(d.store, s.Key),
		}
	}
	return out, nil
}
