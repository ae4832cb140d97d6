package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/orchestrator/guardrail"
	"github.com/zerozero/octolab/internal/orchestrator/pipeline"
	"github.com/zerozero/octolab/internal/orchestrator/session"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
	"github.com/zerozero/octolab/pkg/metrics"
)

const (
	actorSystem = "system"
	actorTimer  = "timer"

	persistTimeout = 5 * time.Second
)

// actor owns one LabSession. Every trigger is queued and handled one at a
// time in arrival order; fields below the queue are only touched by handlers.
type actor struct {
	o      *Orchestrator
	logger logger.Logger

	qmu     sync.Mutex
	queue   []func()
	running bool

	s            *entity.LabSession
	log          *session.ActivityLog
	timer        *session.Timer
	provisioning *pipeline.Handle
	teardown     *teardownRun
	dirty        bool
}

func newActor(o *Orchestrator, s *entity.LabSession) *actor {
	a := &actor{
		o: o,
		s: s,
		logger: o.logger.WithFields(
			logger.String("session_id", s.ID),
			logger.String("user_id", s.Request.UserID),
		),
		log: session.NewActivityLog(o.clock, o.cfg.ActivityLogCap),
	}
	a.timer = session.NewTimer(o.clock, func() { a.enqueue(a.onExpired) })
	return a
}

// enqueue schedules fn behind everything already queued
func (a *actor) enqueue(fn func()) {
	a.qmu.Lock()
	a.queue = append(a.queue, fn)
	if !a.running {
		a.running = true
		go a.drain()
	}
	a.qmu.Unlock()
}

func (a *actor) drain() {
	for {
		a.qmu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.qmu.Unlock()
			return
		}
		fn := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.qmu.Unlock()

		fn()
		if a.dirty {
			a.dirty = false
			a.persist()
		}
	}
}

// call runs fn on the session queue and waits for its result
func (a *actor) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	a.enqueue(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) touch() {
	a.s.UpdatedAt = a.o.clock.Now()
	a.dirty = true
}

// view is the read-only projection handed to callers
func (a *actor) view() *entity.LabSession {
	v := a.s.Clone()
	if a.provisioning != nil {
		v.Steps = a.provisioning.Snapshot()
	}
	if a.teardown != nil {
		if steps := a.teardown.steps(); steps != nil {
			v.TeardownSteps = steps
		}
	}
	v.ActivityLog = a.log.Entries()
	v.ActivityDropped = a.log.Dropped()
	return v
}

func (a *actor) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.o.repo.Save(ctx, a.view()); err != nil {
		a.logger.Error("Failed to persist lab session", logger.Error(err), logger.String("state", a.s.State.String()))
	}
}

// annotate attaches the session context to err
func (a *actor) annotate(err error) error {
	if appErr, ok := errors.AsAppError(err); ok {
		return appErr.WithSession(a.s.ID, a.s.State.String())
	}
	return err
}

// transition applies ev or returns InvalidStateTransition without touching
// the session.
func (a *actor) transition(ev Event, by string) error {
	from := a.s.State
	to, err := Next(from, ev)
	if err != nil {
		metrics.RejectedTransitions.WithLabelValues(from.String(), string(ev)).Inc()
		a.logger.Warn("Rejected state transition",
			logger.String("state", from.String()), logger.String("event", string(ev)))
		return a.annotate(err)
	}

	a.s.State = to
	a.touch()
	a.log.Appendf(entity.ActivityKindStateChange, by, "%s -> %s (%s)", from, to, ev)
	metrics.SessionTransitions.WithLabelValues(from.String(), to.String()).Inc()
	a.logger.Info("Lab session transitioned",
		logger.String("from", from.String()), logger.String("to", to.String()), logger.String("event", string(ev)))

	if to.IsTerminal() {
		a.timer.Stop()
		a.o.release(a.s.Request.UserID, a.s.ID)
		metrics.ActiveSessions.Dec()
	}
	return nil
}

// requireState rejects an operation that is only valid in want
func (a *actor) requireState(want entity.LabState, op string) error {
	if a.s.State == want {
		return nil
	}
	metrics.RejectedTransitions.WithLabelValues(a.s.State.String(), op).Inc()
	return a.annotate(errors.NewInvalidStateTransition(a.s.State.String(), op))
}

func (a *actor) admit(ev Event) error {
	if err := a.transition(ev, actorSystem); err != nil {
		return err
	}
	if a.s.State == entity.LabStateProvisioning {
		a.startProvisioning()
	}
	return nil
}

func (a *actor) onExpired() {
	if a.s.State != entity.LabStateActive {
		return
	}
	a.log.Append(entity.ActivityKindStateChange, "Session time limit reached", actorTimer)
	if err := a.transition(EventTimerExpired, actorTimer); err != nil {
		a.logger.Error("Failed to end expired session", logger.Error(err))
		return
	}
	a.startTeardown()
}

func (a *actor) activate() {
	deadline, err := a.timer.Start(a.o.cfg.DefaultTTL)
	if err != nil {
		a.logger.Error("Failed to start session timer", logger.Error(err))
		return
	}
	now := a.o.clock.Now()
	a.s.ActiveSince = &now
	a.s.TTLDeadline = &deadline
	a.touch()
	a.log.Appendf(entity.ActivityKindStateChange, actorSystem,
		"Lab environment ready; session ends at %s", deadline.UTC().Format(time.RFC3339))
}

func (a *actor) extend(by time.Duration, who string) error {
	if a.s.State != entity.LabStateActive || a.s.ActiveSince == nil || a.s.TTLDeadline == nil {
		metrics.SessionExtensions.WithLabelValues("invalid_state").Inc()
		return a.annotate(errors.NewTimerInvariantViolation("sessions can only be extended while Active"))
	}
	if by <= 0 {
		return a.annotate(errors.NewValidation("extension must be positive"))
	}

	res := guardrail.EvaluateExtension(guardrail.ExtensionInput{
		ActiveSince: *a.s.ActiveSince,
		Deadline:    *a.s.TTLDeadline,
		By:          by,
		MaxTTL:      a.o.cfg.maxTTL(a.s.Tier),
	})
	if err := res.Err(); err != nil {
		metrics.SessionExtensions.WithLabelValues("rejected").Inc()
		a.logger.Info("Rejected session extension", logger.Duration("by", by))
		return a.annotate(err)
	}

	deadline, err := a.timer.Extend(by)
	if err != nil {
		metrics.SessionExtensions.WithLabelValues("invalid_state").Inc()
		return a.annotate(err)
	}
	a.s.TTLDeadline = &deadline
	a.s.Extended += by
	a.touch()
	a.log.Appendf(entity.ActivityKindExtension, who, "Session extended by %s; ends at %s",
		by, deadline.UTC().Format(time.RFC3339))
	metrics.SessionExtensions.WithLabelValues("approved").Inc()
	return nil
}

func (a *actor) recordActivity(kind, message, who string, ts *time.Time) (entity.ActivityEntry, error) {
	if err := a.requireState(entity.LabStateActive, "record_activity"); err != nil {
		return entity.ActivityEntry{}, err
	}
	if kind == "" {
		return entity.ActivityEntry{}, a.annotate(errors.NewValidation("activity kind is required"))
	}
	a.dirty = true
	if ts == nil {
		return a.log.Append(kind, message, who), nil
	}
	entry, err := a.log.AppendAt(*ts, kind, message, who)
	if err != nil {
		return entry, a.annotate(err)
	}
	return entry, nil
}
