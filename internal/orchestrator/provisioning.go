package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/orchestrator/pipeline"
	"github.com/zerozero/octolab/pkg/logger"
)

const cleanupTimeout = 30 * time.Second

func (a *actor) driverSpecs(defs []stepDef) []pipeline.StepSpec {
	specs := make([]pipeline.StepSpec, len(defs))
	for i, d := range defs {
		req := StepRequest{SessionID: a.s.ID, Key: d.key, Name: d.name, Blueprint: a.s.Blueprint}
		specs[i] = pipeline.StepSpec{
			Key:      d.key,
			Name:     d.name,
			Granular: d.granular,
			Run: func(ctx context.Context, r pipeline.Reporter) {
				a.o.driver.StartStep(ctx, req, r)
			},
		}
	}
	return specs
}

// startProvisioning runs the provisioning pipeline. Signals come back
// through the session queue.
func (a *actor) startProvisioning() {
	ctx, span := tracer.Start(context.Background(), "lab.provisioning",
		trace.WithAttributes(attribute.String("session_id", a.s.ID), attribute.String("blueprint", a.s.Blueprint.Ref)))

	a.provisioning = pipeline.Start(ctx, a.driverSpecs(provisioningSteps), pipeline.Options{
		Name:        "provisioning",
		Clock:       a.o.clock,
		Logger:      a.logger,
		Log:         a.log,
		StopTimeout: a.o.cfg.StopTimeout,
		OnStep:      func(entity.Step) { a.enqueue(a.markDirty) },
		OnSignal: func(out pipeline.Outcome) {
			a.enqueue(func() {
				if out.Err != nil {
					span.RecordError(out.Err)
					span.SetStatus(codes.Error, out.Step)
				}
				span.End()
				a.onProvisioningSignal(out)
			})
		},
	})
}

func (a *actor) markDirty() { a.dirty = true }

func (a *actor) onProvisioningSignal(out pipeline.Outcome) {
	a.s.Steps = a.provisioning.Snapshot()

	switch out.Signal {
	case pipeline.SignalCompleted:
		if err := a.transition(EventProvisioningCompleted, actorSystem); err != nil {
			a.logger.Error("Failed to activate provisioned session", logger.Error(err))
			return
		}
		a.activate()

	case pipeline.SignalFailed:
		a.s.FailureStep = out.Step
		if out.Err != nil {
			a.s.FailureDetail = out.Err.Error()
		}
		if err := a.transition(EventProvisioningFailed, actorSystem); err != nil {
			a.logger.Error("Failed to record provisioning failure", logger.Error(err))
			return
		}
		a.releaseResources()

	case pipeline.SignalCancelled:
		a.s.FailureStep = out.Step
		a.s.FailureDetail = pipeline.CancelledDetail
		if err := a.transition(EventProvisioningCancelled, actorSystem); err != nil {
			a.logger.Error("Failed to record provisioning cancellation", logger.Error(err))
			return
		}
		a.releaseResources()
	}
}

// releaseResources hands partially acquired resources back to the driver.
// The session does not wait; the result is logged when it arrives.
func (a *actor) releaseResources() {
	id := a.s.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		err := a.o.driver.StopResources(ctx, id)
		a.enqueue(func() {
			if err != nil {
				a.logger.Error("Resource cleanup failed", logger.Error(err))
				a.log.Appendf(entity.ActivityKindCleanup, actorSystem, "Resource cleanup failed: %v", err)
			} else {
				a.logger.Info("Released partially provisioned resources")
				a.log.Append(entity.ActivityKindCleanup, "Partially provisioned resources released", actorSystem)
			}
			a.dirty = true
		})
	}()
}
