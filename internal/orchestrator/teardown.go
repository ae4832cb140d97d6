package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/internal/orchestrator/evidence"
	"github.com/zerozero/octolab/internal/orchestrator/pipeline"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
	"github.com/zerozero/octolab/pkg/metrics"
)

const deliveryTimeout = 30 * time.Second

// teardownRun is shared between the teardown executors and the session
// queue. Executors write results here; the queue reads them on the signal.
type teardownRun struct {
	mu        sync.Mutex
	handle    *pipeline.Handle
	artifacts []entity.Artifact
	pkg       *entity.EvidencePackage
}

func (t *teardownRun) setHandle(h *pipeline.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handle = h
}

func (t *teardownRun) steps() []entity.Step {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Snapshot()
}

func (t *teardownRun) setArtifacts(arts []entity.Artifact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.artifacts = append([]entity.Artifact(nil), arts...)
}

func (t *teardownRun) setPackage(pkg *entity.EvidencePackage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pkg = pkg
}

func (t *teardownRun) setReportKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pkg != nil {
		t.pkg.ReportKey = key
	}
}

func (t *teardownRun) result() ([]entity.Artifact, *entity.EvidencePackage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]entity.Artifact(nil), t.artifacts...), t.pkg
}

// report is the document written next to the collected artifacts
type report struct {
	SessionID         string                  `json:"session_id"`
	Blueprint         entity.Blueprint        `json:"blueprint"`
	Package           *entity.EvidencePackage `json:"package"`
	ProvisioningSteps []entity.Step           `json:"provisioning_steps"`
	TeardownSteps     []entity.Step           `json:"teardown_steps"`
	Activity          []entity.ActivityEntry  `json:"activity"`
	GeneratedAt       time.Time               `json:"generated_at"`
}

// startTeardown runs the non-cancellable teardown pipeline
func (a *actor) startTeardown() {
	run := &teardownRun{}
	a.teardown = run
	a.s.TeardownSteps = pendingSteps(teardownSteps)

	id := a.s.ID
	notes := a.s.Notes
	bp := a.s.Blueprint
	provSteps := entity.CloneSteps(a.s.Steps)

	ctx, span := tracer.Start(context.Background(), "lab.teardown",
		trace.WithAttributes(attribute.String("session_id", id)))

	specs := a.driverSpecs(teardownSteps)
	for i := range specs {
		switch specs[i].Key {
		case StepCleanupResources:
			specs[i].Run = func(ctx context.Context, r pipeline.Reporter) {
				r.Done(a.o.driver.StopResources(ctx, id))
			}
		case StepCollectEvidence:
			specs[i].Run = func(ctx context.Context, r pipeline.Reporter) {
				arts, err := a.o.collectEvidence(ctx, id)
				run.setArtifacts(arts)
				r.Done(err)
			}
		case StepGenerateReport:
			specs[i].Run = func(ctx context.Context, r pipeline.Reporter) {
				arts, _ := run.result()
				pkg, err := a.o.packager.Package(ctx, id, arts, notes)
				if err != nil {
					r.Done(err)
					return
				}
				run.setPackage(pkg)
				key, err := a.o.writeReport(ctx, report{
					SessionID:         id,
					Blueprint:         bp,
					Package:           pkg,
					ProvisioningSteps: provSteps,
					TeardownSteps:     run.steps(),
					Activity:          a.log.Entries(),
					GeneratedAt:       a.o.clock.Now(),
				})
				if err != nil {
					r.Done(err)
					return
				}
				run.setReportKey(key)
				r.Done(nil)
			}
		}
	}

	h := pipeline.Start(ctx, specs, pipeline.Options{
		Name:           "teardown",
		Clock:          a.o.clock,
		Logger:         a.logger,
		Log:            a.log,
		NonCancellable: true,
		OnStep:         func(entity.Step) { a.enqueue(a.markDirty) },
		OnSignal: func(out pipeline.Outcome) {
			a.enqueue(func() {
				if out.Err != nil {
					span.RecordError(out.Err)
					span.SetStatus(codes.Error, out.Step)
				}
				span.End()
				a.onTeardownSignal(out)
			})
		},
	})
	run.setHandle(h)
}

func (a *actor) onTeardownSignal(out pipeline.Outcome) {
	a.s.TeardownSteps = a.teardown.steps()
	arts, pkg := a.teardown.result()
	a.s.Artifacts = arts

	if out.Signal == pipeline.SignalCompleted && pkg != nil {
		a.s.EvidencePackage = pkg
		a.log.Appendf(entity.ActivityKindEvidence, actorSystem, "Evidence package %s sealed over %d artifact(s)",
			pkg.ManifestHash, len(pkg.Artifacts))
		if err := a.transition(EventTeardownCompleted, actorSystem); err != nil {
			a.logger.Error("Failed to deliver torn down session", logger.Error(err))
			return
		}
		a.deliver(entity.Destination{Kind: entity.DestinationLink})
		return
	}

	a.s.FailureStep = out.Step
	if out.Err != nil {
		a.s.FailureDetail = out.Err.Error()
	}
	switch {
	case pkg != nil:
		// sealed, but the report was never written
		pkg.Partial = true
		a.s.EvidencePackage = pkg
		a.touch()
		a.log.Appendf(entity.ActivityKindEvidence, actorSystem, "Evidence package %s sealed over %d artifact(s) without a report",
			pkg.ManifestHash, len(pkg.Artifacts))
	case len(arts) > 0 && !integrityFailure(out.Err):
		a.packagePartial(arts)
	}
	if err := a.transition(EventTeardownFailed, actorSystem); err != nil {
		a.logger.Error("Failed to record teardown failure", logger.Error(err))
	}
}

// integrityFailure reports whether a tampered artifact caused err. Step
// failures wrap the executor error, so the whole chain is checked.
func integrityFailure(err error) bool {
	for ; err != nil; err = stderrors.Unwrap(err) {
		if errors.IsIntegrityMismatch(err) {
			return true
		}
	}
	return false
}

// packagePartial seals whatever was collected before teardown failed
func (a *actor) packagePartial(arts []entity.Artifact) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	pkg, err := a.o.packager.Package(ctx, a.s.ID, arts, a.s.Notes)
	if err != nil {
		a.logger.Error("Best-effort evidence packaging failed", logger.Error(err))
		a.log.Appendf(entity.ActivityKindEvidence, actorSystem, "Partial evidence packaging failed: %v", err)
		return
	}
	pkg.Partial = true
	a.s.EvidencePackage = pkg
	a.touch()
	a.log.Appendf(entity.ActivityKindEvidence, actorSystem, "Partial evidence package %s sealed over %d artifact(s)",
		pkg.ManifestHash, len(pkg.Artifacts))
}

// deliver sends the package to dest and records the attempt
func (a *actor) deliver(dest entity.Destination) (entity.Delivery, error) {
	if a.o.deliverer == nil {
		return entity.Delivery{}, errors.NewServiceUnavailable("no delivery channel configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	d, err := a.o.deliverer.Deliver(ctx, a.s.ID, a.s.EvidencePackage, dest)
	d.Destination = dest
	if d.AttemptedAt.IsZero() {
		d.AttemptedAt = a.o.clock.Now()
	}
	status := "ok"
	if err != nil {
		status = "error"
		d.Error = err.Error()
		a.logger.Error("Evidence delivery failed", logger.String("kind", string(dest.Kind)), logger.Error(err))
		a.log.Appendf(entity.ActivityKindDelivery, actorSystem, "Delivery via %s failed: %v", dest.Kind, err)
	} else {
		a.logger.Info("Evidence delivered", logger.String("kind", string(dest.Kind)))
		a.log.Appendf(entity.ActivityKindDelivery, actorSystem, "Evidence delivered via %s", describe(dest))
	}
	metrics.Deliveries.WithLabelValues(string(dest.Kind), status).Inc()
	a.s.Deliveries = append(a.s.Deliveries, d)
	a.touch()
	return d, err
}

func describe(dest entity.Destination) string {
	if dest.Target == "" {
		return string(dest.Kind)
	}
	return fmt.Sprintf("%s to %s", dest.Kind, dest.Target)
}

// collectEvidence enumerates the driver's artifacts, then hashes and stores
// each one under its content address.
func (o *Orchestrator) collectEvidence(ctx context.Context, sessionID string) ([]entity.Artifact, error) {
	collected, err := o.driver.EnumerateArtifacts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]entity.Artifact, len(collected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.HashConcurrency)
	for i, c := range collected {
		i, c := i, c
		g.Go(func() error {
			art, err := o.storeArtifact(gctx, sessionID, c)
			if err != nil {
				return fmt.Errorf("collect %s: %w", c.Name, err)
			}
			out[i] = art
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// keep what made it, for best-effort packaging
		kept := out[:0]
		for _, art := range out {
			if art.ContentHash != "" {
				kept = append(kept, art)
			}
		}
		return kept, err
	}
	return out, nil
}

func (o *Orchestrator) storeArtifact(ctx context.Context, sessionID string, c CollectedArtifact) (entity.Artifact, error) {
	rc, err := c.Open(ctx)
	if err != nil {
		return entity.Artifact{}, err
	}
	content, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return entity.Artifact{}, err
	}

	hash := evidence.HashBytes(content)
	key := blob.ArtifactKey(sessionID, strings.TrimPrefix(hash, evidence.HashPrefix))
	_, err = o.store.Put(ctx, key, bytes.NewReader(content), blob.PutOptions{
		Metadata: map[string]string{"name": c.Name, "kind": c.Kind},
	})
	if err != nil && !stderrors.Is(err, blob.ErrExists) {
		return entity.Artifact{}, errors.NewStorageError("failed to store artifact").WithError(err)
	}
	metrics.ArtifactBytes.Observe(float64(len(content)))

	collectedAt := c.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = o.clock.Now()
	}
	return entity.Artifact{
		ID:          uuid.NewString(),
		Name:        c.Name,
		Kind:        c.Kind,
		SizeBytes:   int64(len(content)),
		ContentHash: hash,
		StorageKey:  key,
		CollectedAt: collectedAt,
	}, nil
}

func (o *Orchestrator) writeReport(ctx context.Context, r report) (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.NewInternal("failed to encode report").WithError(err)
	}
	key := blob.ReportKey(r.SessionID)
	if _, err := o.store.Put(ctx, key, bytes.NewReader(b), blob.PutOptions{ContentType: "application/json"}); err != nil {
		return "", errors.NewStorageError("failed to write report").WithError(err)
	}
	return key, nil
}
