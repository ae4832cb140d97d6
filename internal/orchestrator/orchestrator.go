// Package orchestrator drives lab sessions through their lifecycle: guardrail
// admission, provisioning, the timed active window, teardown and evidence
// delivery. Each session is owned by a single actor that processes its
// triggers one at a time; different sessions never share a lock.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/domain/repository"
	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/internal/infrastructure/db"
	"github.com/zerozero/octolab/internal/orchestrator/evidence"
	"github.com/zerozero/octolab/internal/orchestrator/guardrail"
	"github.com/zerozero/octolab/pkg/config"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
	"github.com/zerozero/octolab/pkg/metrics"
)

var tracer = otel.Tracer("github.com/zerozero/octolab/internal/orchestrator")

// Config holds the lifecycle policy
type Config struct {
	DefaultTTL     time.Duration
	MaxTTLStandard time.Duration
	MaxTTLAdmin    time.Duration
	// StopTimeout bounds how long provisioning cancellation waits for the
	// running step to acknowledge
	StopTimeout     time.Duration
	ActivityLogCap  int
	HashConcurrency int
	Retention       time.Duration
}

// ConfigFromLab maps the service configuration onto the orchestrator policy
func ConfigFromLab(lab config.LabConfig, ev config.EvidenceConfig) Config {
	return Config{
		DefaultTTL:     lab.DefaultTTL,
		MaxTTLStandard: lab.MaxTTLStandard,
		MaxTTLAdmin:    lab.MaxTTLAdmin,
		StopTimeout:    lab.StopTimeout,
		ActivityLogCap: lab.ActivityLogCap,
		Retention:      ev.PackageRetention,
	}
}

func (c Config) maxTTL(tier entity.Tier) time.Duration {
	if tier == entity.TierAdmin {
		return c.MaxTTLAdmin
	}
	return c.MaxTTLStandard
}

// Deps are the collaborators the orchestrator drives
type Deps struct {
	Repo      repository.SessionRepository
	Driver    InfraDriver
	Store     blob.Store
	Signer    evidence.Signer
	Deliverer Deliverer
	Clock     clock.Clock
	Logger    logger.Logger
}

// Orchestrator is the sole mutator of lab sessions
type Orchestrator struct {
	cfg       Config
	repo      repository.SessionRepository
	driver    InfraDriver
	store     blob.Store
	packager  *evidence.Packager
	deliverer Deliverer
	clock     clock.Clock
	logger    logger.Logger

	users *keyedMutex

	mu       sync.RWMutex
	sessions map[string]*actor
	active   map[string]string // user id -> non-terminal session id
}

// New creates an orchestrator. Driver and Signer are required.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 4 * time.Hour
	}
	if cfg.MaxTTLStandard <= 0 {
		cfg.MaxTTLStandard = cfg.DefaultTTL + cfg.DefaultTTL/2
	}
	if cfg.MaxTTLAdmin <= 0 {
		cfg.MaxTTLAdmin = 2 * cfg.DefaultTTL
	}
	if cfg.MaxTTLAdmin < cfg.MaxTTLStandard {
		cfg.MaxTTLAdmin = cfg.MaxTTLStandard
	}
	if cfg.HashConcurrency <= 0 {
		cfg.HashConcurrency = 4
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Repo == nil {
		deps.Repo = db.NewMemoryRepository()
	}
	if deps.Store == nil {
		deps.Store = blob.NewMemoryStore()
	}

	return &Orchestrator{
		cfg:       cfg,
		repo:      deps.Repo,
		driver:    deps.Driver,
		store:     deps.Store,
		packager:  evidence.NewPackager(blob.Reader{Store: deps.Store}, deps.Signer, deps.Clock, cfg.Retention),
		deliverer: deps.Deliverer,
		clock:     deps.Clock,
		logger:    deps.Logger,
		users:     newKeyedMutex(),
		sessions:  make(map[string]*actor),
		active:    make(map[string]string),
	}
}

// Submit evaluates the guardrail and, unless rejected, creates a session.
// The guardrail check and the session registration happen under the
// caller's per-user lock, so concurrent submissions cannot both pass.
func (o *Orchestrator) Submit(ctx context.Context, p entity.Principal, bp entity.Blueprint, approvalToken string) (*entity.LabSession, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Submit",
		trace.WithAttributes(attribute.String("user_id", p.UserID), attribute.String("blueprint", bp.Ref)))
	defer span.End()

	if err := p.Validate(); err != nil {
		return nil, errors.NewValidation(err.Error())
	}
	if err := bp.Validate(); err != nil {
		return nil, errors.NewValidation(err.Error()).WithMetadata("blueprint", bp.Ref)
	}

	unlock := o.users.Lock(p.UserID)
	defer unlock()

	activeCount := 0
	if _, ok := o.activeSessionID(p.UserID); ok {
		activeCount = 1
	}
	res := guardrail.Evaluate(guardrail.Input{
		UserID:         p.UserID,
		Blueprint:      bp,
		ActiveSessions: activeCount,
		ApprovalToken:  approvalToken,
	})
	metrics.SessionsSubmitted.WithLabelValues(bp.Severity.String(), string(res.Decision)).Inc()
	if err := res.Err(); err != nil {
		o.logger.Info("Guardrail rejected lab request",
			logger.String("user_id", p.UserID), logger.String("reason", res.Reason))
		if appErr, ok := errors.AsAppError(err); ok {
			appErr.WithMetadata("user_id", p.UserID)
		}
		return nil, err
	}

	now := o.clock.Now()
	s := &entity.LabSession{
		ID: uuid.NewString(),
		Request: entity.LabRequest{
			ID:            uuid.NewString(),
			UserID:        p.UserID,
			BlueprintRef:  bp.Ref,
			ApprovalToken: approvalToken,
			RequestedAt:   now,
		},
		Blueprint: bp,
		Tier:      p.Tier,
		State:     entity.LabStateRequested,
		Guardrail: res.Snapshot(now),
		Steps:     pendingSteps(provisioningSteps),
		CreatedAt: now,
		UpdatedAt: now,
	}
	a := newActor(o, s)

	o.mu.Lock()
	o.sessions[s.ID] = a
	o.active[p.UserID] = s.ID
	o.mu.Unlock()
	metrics.ActiveSessions.Inc()

	a.log.Appendf(entity.ActivityKindStateChange, p.UserID, "Lab requested: %s (%s)", bp.Title(), bp.Severity)
	if approvalToken != "" {
		a.log.Append(entity.ActivityKindApproval, "Approval token presented with request", p.UserID)
	}
	o.logger.Info("Lab session created",
		logger.String("session_id", s.ID), logger.String("user_id", p.UserID), logger.String("decision", string(res.Decision)))

	ev := EventGuardrailApproved
	if res.Decision == guardrail.DecisionPendingApproval {
		ev = EventGuardrailNeedsApproval
	}
	var view *entity.LabSession
	err := a.call(context.WithoutCancel(ctx), func() error {
		a.dirty = true
		if err := a.admit(ev); err != nil {
			return err
		}
		view = a.view()
		return nil
	})
	return view, err
}

// Approve releases a session held at PendingApproval into provisioning
func (o *Orchestrator) Approve(ctx context.Context, sessionID, reviewer string) (*entity.LabSession, error) {
	return o.apply(ctx, "orchestrator.Approve", sessionID, func(a *actor) error {
		if err := a.transition(EventApprove, reviewer); err != nil {
			return err
		}
		a.log.Append(entity.ActivityKindApproval, "Request approved by "+reviewer, reviewer)
		a.startProvisioning()
		return nil
	})
}

// Deny cancels a session held at PendingApproval
func (o *Orchestrator) Deny(ctx context.Context, sessionID, reviewer, reason string) (*entity.LabSession, error) {
	return o.apply(ctx, "orchestrator.Deny", sessionID, func(a *actor) error {
		if err := a.transition(EventDeny, reviewer); err != nil {
			return err
		}
		msg := "Request denied by " + reviewer
		if reason = strings.TrimSpace(reason); reason != "" {
			msg += ": " + reason
		}
		a.s.FailureDetail = msg
		a.log.Append(entity.ActivityKindApproval, msg, reviewer)
		return nil
	})
}

// CancelProvisioning asks the running provisioning step to stop. The session
// becomes Cancelled once the step acknowledges. Repeating the request while
// the stop is pending is a no-op.
func (o *Orchestrator) CancelProvisioning(ctx context.Context, sessionID, by string) (*entity.LabSession, error) {
	return o.apply(ctx, "orchestrator.CancelProvisioning", sessionID, func(a *actor) error {
		if err := a.requireState(entity.LabStateProvisioning, string(EventProvisioningCancelled)); err != nil {
			return err
		}
		if a.provisioning.Cancel() {
			a.logger.Info("Provisioning cancellation requested", logger.String("by", by))
		}
		return nil
	})
}

// End finishes an Active session early and starts teardown. Notes are
// included in the evidence manifest.
func (o *Orchestrator) End(ctx context.Context, sessionID, by, notes string) (*entity.LabSession, error) {
	return o.apply(ctx, "orchestrator.End", sessionID, func(a *actor) error {
		if err := a.transition(EventEndSession, by); err != nil {
			return err
		}
		a.timer.Stop()
		if notes = strings.TrimSpace(notes); notes != "" {
			a.s.Notes = notes
			a.log.Append(entity.ActivityKindEvidence, "Wrap-up notes recorded", by)
		}
		a.startTeardown()
		return nil
	})
}

// Extend pushes the TTL deadline out by d, within the tier's maximum
func (o *Orchestrator) Extend(ctx context.Context, sessionID, by string, d time.Duration) (*entity.LabSession, error) {
	return o.apply(ctx, "orchestrator.Extend", sessionID, func(a *actor) error {
		return a.extend(d, by)
	})
}

// RecordActivity appends session telemetry. ts is optional; when given it
// must not be older than the newest entry nor ahead of the clock by more
// than session.MaxClockSkew.
func (o *Orchestrator) RecordActivity(ctx context.Context, sessionID, kind, message, by string, ts *time.Time) (entity.ActivityEntry, error) {
	a, err := o.lookup(sessionID)
	if err != nil {
		return entity.ActivityEntry{}, err
	}
	var entry entity.ActivityEntry
	err = a.call(ctx, func() error {
		var err error
		entry, err = a.recordActivity(kind, message, by, ts)
		return err
	})
	return entry, err
}

// Share delivers a Delivered session's evidence package to dest
func (o *Orchestrator) Share(ctx context.Context, sessionID string, dest entity.Destination) (entity.Delivery, error) {
	a, err := o.lookup(sessionID)
	if err != nil {
		return entity.Delivery{}, err
	}
	var d entity.Delivery
	err = a.call(ctx, func() error {
		if err := a.requireState(entity.LabStateDelivered, "share_evidence"); err != nil {
			return err
		}
		if a.s.EvidencePackage == nil {
			return a.annotate(errors.NewNotFound("evidence package"))
		}
		switch dest.Kind {
		case entity.DestinationLink:
		case entity.DestinationEmail:
			if strings.TrimSpace(dest.Target) == "" {
				return a.annotate(errors.NewValidation("email destination requires a target"))
			}
		default:
			return a.annotate(errors.NewValidation("unknown destination kind").WithMetadata("kind", dest.Kind))
		}
		var err error
		d, err = a.deliver(dest)
		if err != nil {
			if _, ok := errors.AsAppError(err); !ok {
				err = errors.NewExternalService("evidence delivery failed").WithError(err)
			}
			return a.annotate(err)
		}
		return nil
	})
	return d, err
}

// Get returns a read-only snapshot of the session
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*entity.LabSession, error) {
	a, err := o.lookup(sessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return o.repo.GetByID(ctx, sessionID)
		}
		return nil, err
	}
	var view *entity.LabSession
	err = a.call(ctx, func() error {
		view = a.view()
		return nil
	})
	return view, err
}

// ActiveSession returns the user's non-terminal session, if any
func (o *Orchestrator) ActiveSession(ctx context.Context, userID string) (*entity.LabSession, bool, error) {
	id, ok := o.activeSessionID(userID)
	if !ok {
		return nil, false, nil
	}
	s, err := o.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return s, !s.State.IsTerminal(), nil
}

// List returns the user's sessions, newest first
func (o *Orchestrator) List(ctx context.Context, userID string, limit, offset int) ([]*entity.LabSession, error) {
	return o.repo.ListByUserID(ctx, userID, limit, offset)
}

func (o *Orchestrator) apply(ctx context.Context, op, sessionID string, fn func(a *actor) error) (*entity.LabSession, error) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	a, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	var view *entity.LabSession
	err = a.call(ctx, func() error {
		if err := fn(a); err != nil {
			return err
		}
		view = a.view()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return view, nil
}

func (o *Orchestrator) lookup(sessionID string) (*actor, error) {
	o.mu.RLock()
	a, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound("lab session").WithMetadata("session_id", sessionID)
	}
	return a, nil
}

func (o *Orchestrator) activeSessionID(userID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.active[userID]
	return id, ok
}

// release frees the user's slot once their session is terminal
func (o *Orchestrator) release(userID, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[userID] == sessionID {
		delete(o.active, userID)
	}
}
