// Package pipeline sequences named, asynchronous, progress-reporting steps.
//
// Steps run strictly one at a time in construction order. Each step's
// executor runs on its own goroutine and reports back through a Reporter;
// the engine clamps progress, advances on completion, and emits exactly one
// terminal signal (Completed, Cancelled or Failed).
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
	"github.com/zerozero/octolab/pkg/metrics"
)

// CancelledDetail is the error detail of steps failed by cancellation
const CancelledDetail = "cancelled"

// Signal is the terminal outcome of a pipeline
type Signal string

const (
	SignalCompleted Signal = "Completed"
	SignalCancelled Signal = "Cancelled"
	SignalFailed    Signal = "Failed"
)

// Reporter is handed to each executor. Reports from a step that is no longer
// current are ignored.
type Reporter interface {
	// Progress reports percent complete in [0,100]
	Progress(pct int)
	// Done reports the step finished; a non-nil err fails the pipeline
	Done(err error)
}

// Executor performs a step. It must eventually call r.Done exactly once and
// should return early when ctx is cancelled.
type Executor func(ctx context.Context, r Reporter)

// StepSpec describes one step
type StepSpec struct {
	Key string
	// Name is the display name used in snapshots and the activity log
	Name string
	// Granular steps report progress; reaching 100 completes them
	Granular bool
	Run      Executor
}

// Journal receives one entry per status change
type Journal interface {
	Append(kind, message, actor string) entity.ActivityEntry
}

// Outcome is the terminal result of a pipeline
type Outcome struct {
	Signal Signal
	// Step is the name of the failing or interrupted step, if any
	Step string
	Err  error
}

// Options configures a pipeline run
type Options struct {
	// Name identifies the pipeline in logs, metrics and activity entries
	Name   string
	Clock  clock.Clock
	Logger logger.Logger
	Log    Journal
	// NonCancellable pipelines ignore Cancel
	NonCancellable bool
	// StopTimeout bounds how long a stop request waits for the running step
	// to acknowledge; zero waits indefinitely.
	StopTimeout time.Duration
	// OnStep is called after every step status change, outside the lock
	OnStep func(step entity.Step)
	// OnSignal is called once with the terminal outcome, outside the lock
	OnSignal func(Outcome)
}

// Handle is a running pipeline
type Handle struct {
	mu    sync.Mutex
	opts  Options
	specs []StepSpec
	steps []entity.Step

	ctx        context.Context
	cancelStep context.CancelFunc
	current    int
	started    time.Time

	stopping  bool
	stopTimer *clock.Timer
	finished  bool
	outcome   Outcome
	done      chan struct{}
}

// Start begins executing step 0 and returns immediately
func Start(ctx context.Context, specs []StepSpec, opts Options) *Handle {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "pipeline"
	}
	if opts.Log == nil {
		opts.Log = discardJournal{}
	}
	opts.Logger = opts.Logger.WithFields(logger.String("pipeline", opts.Name))

	h := &Handle{
		opts:    opts,
		specs:   append([]StepSpec(nil), specs...),
		steps:   make([]entity.Step, len(specs)),
		ctx:     ctx,
		current: -1,
		started: opts.Clock.Now(),
		done:    make(chan struct{}),
	}
	for i, spec := range specs {
		h.steps[i] = entity.Step{ID: i, Key: spec.Key, Name: spec.Name, Status: entity.StepStatusPending}
		if spec.Granular {
			zero := 0
			h.steps[i].Progress = &zero
		}
	}

	h.update(func(n *notifications) {
		h.advance(n)
	})
	return h
}

// Snapshot returns a copy of the steps
func (h *Handle) Snapshot() []entity.Step {
	h.mu.Lock()
	defer h.mu.Unlock()
	return entity.CloneSteps(h.steps)
}

// Done is closed once the terminal signal has been emitted
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal outcome once finished
func (h *Handle) Outcome() (Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.finished
}

// Cancel asks the running step to stop. The pipeline reports Cancelled once
// the step acknowledges (or the stop timeout elapses). It returns false, and
// changes nothing, when the pipeline already finished, a cancel is already in
// flight, or the pipeline is non-cancellable.
func (h *Handle) Cancel() bool {
	accepted := false
	h.update(func(n *notifications) {
		if h.finished || h.stopping || h.opts.NonCancellable {
			return
		}
		accepted = true
		h.stopping = true
		name := h.steps[h.current].Name
		h.opts.Log.Append(entity.ActivityKindPipeline,
			fmt.Sprintf("%s: cancellation requested during %q", h.opts.Name, name), h.opts.Name)
		h.cancelStep()
		if h.opts.StopTimeout > 0 {
			idx := h.current
			h.stopTimer = h.opts.Clock.AfterFunc(h.opts.StopTimeout, func() { h.stopExpired(idx) })
		}
	})
	return accepted
}

// notifications collects callbacks to run after the lock is released
type notifications struct {
	steps   []entity.Step
	outcome *Outcome
}

func (h *Handle) update(fn func(n *notifications)) {
	var n notifications
	h.mu.Lock()
	fn(&n)
	h.mu.Unlock()

	if h.opts.OnStep != nil {
		for _, st := range n.steps {
			h.opts.OnStep(st)
		}
	}
	if n.outcome != nil && h.opts.OnSignal != nil {
		h.opts.OnSignal(*n.outcome)
	}
}

// advance starts the next pending step, or completes the pipeline
func (h *Handle) advance(n *notifications) {
	next := h.current + 1
	if next >= len(h.steps) {
		h.finish(n, Outcome{Signal: SignalCompleted})
		return
	}

	h.current = next
	now := h.opts.Clock.Now()
	h.steps[next].StartedAt = &now
	h.setStatus(n, next, entity.StepStatusRunning, "")

	stepCtx, cancel := context.WithCancel(h.ctx)
	h.cancelStep = cancel
	r := &reporter{h: h, idx: next}
	run := h.specs[next].Run
	go run(stepCtx, r)
}

func (h *Handle) setStatus(n *notifications, idx int, status entity.StepStatus, detail string) {
	st := &h.steps[idx]
	if st.Status.IsFinal() {
		return
	}
	st.Status = status
	if status.IsFinal() {
		now := h.opts.Clock.Now()
		st.FinishedAt = &now
		st.ErrorDetail = detail
		if st.StartedAt != nil {
			metrics.StepDuration.WithLabelValues(st.Key, string(status)).Observe(now.Sub(*st.StartedAt).Seconds())
		}
	}

	msg := fmt.Sprintf("%s: %s", st.Name, status)
	if detail != "" {
		msg += " (" + detail + ")"
	}
	h.opts.Log.Append(entity.ActivityKindStep, msg, h.opts.Name)
	n.steps = append(n.steps, *cloneStep(st))
}

// failRemaining marks the current step and every pending step failed
func (h *Handle) failRemaining(n *notifications, currentDetail string) {
	for i := h.current; i < len(h.steps); i++ {
		if i < 0 {
			continue
		}
		detail := CancelledDetail
		if i == h.current {
			detail = currentDetail
		}
		h.setStatus(n, i, entity.StepStatusFailed, detail)
	}
}

func (h *Handle) finish(n *notifications, out Outcome) {
	h.finished = true
	h.outcome = out
	if h.stopTimer != nil {
		h.stopTimer.Stop()
		h.stopTimer = nil
	}
	if h.cancelStep != nil {
		h.cancelStep()
	}
	close(h.done)

	msg := fmt.Sprintf("%s pipeline %s", h.opts.Name, out.Signal)
	if out.Step != "" {
		msg += fmt.Sprintf(" at %q", out.Step)
	}
	h.opts.Log.Append(entity.ActivityKindPipeline, msg, h.opts.Name)
	metrics.PipelineOutcomes.WithLabelValues(h.opts.Name, string(out.Signal)).Inc()
	metrics.PipelineDuration.WithLabelValues(h.opts.Name).Observe(h.opts.Clock.Now().Sub(h.started).Seconds())
	n.outcome = &out
}

func (h *Handle) progress(idx, pct int) {
	h.update(func(n *notifications) {
		if h.finished || h.stopping || idx != h.current {
			return
		}
		st := &h.steps[idx]
		spec := h.specs[idx]
		log := h.opts.Logger.WithFields(logger.String("step", st.Name), logger.Int("reported", pct))
		if !spec.Granular {
			log.Debug("Ignoring progress report from non-granular step")
			return
		}

		prev := *st.Progress
		val := pct
		if val < 0 {
			val = 0
		}
		if val > 100 {
			val = 100
		}
		if val < prev {
			val = prev
		}
		if val != pct {
			log.Warn("Clamped step progress report", logger.Int("previous", prev), logger.Int("applied", val))
			metrics.ProgressClamped.WithLabelValues(spec.Key).Inc()
		}
		if val == prev {
			return
		}
		*st.Progress = val
		n.steps = append(n.steps, *cloneStep(st))
		if val == 100 {
			h.setStatus(n, idx, entity.StepStatusDone, "")
			h.advance(n)
		}
	})
}

func (h *Handle) complete(idx int, err error) {
	h.update(func(n *notifications) {
		if h.finished || idx != h.current {
			return
		}
		st := &h.steps[idx]
		if h.stopping {
			// any report after a stop request is the acknowledgment
			h.failRemaining(n, CancelledDetail)
			h.finish(n, Outcome{Signal: SignalCancelled, Step: st.Name})
			return
		}
		if err != nil {
			h.opts.Logger.Error("Pipeline step failed", logger.String("step", st.Name), logger.Error(err))
			h.failRemaining(n, err.Error())
			h.finish(n, Outcome{
				Signal: SignalFailed,
				Step:   st.Name,
				Err:    errors.NewPipelineStepFailure(st.Name, err),
			})
			return
		}
		if st.Progress != nil {
			*st.Progress = 100
		}
		h.setStatus(n, idx, entity.StepStatusDone, "")
		h.advance(n)
	})
}

func (h *Handle) stopExpired(idx int) {
	h.update(func(n *notifications) {
		if h.finished || idx != h.current {
			return
		}
		name := h.steps[idx].Name
		h.opts.Logger.Warn("Step did not acknowledge stop request in time",
			logger.String("step", name), logger.Duration("timeout", h.opts.StopTimeout))
		h.failRemaining(n, CancelledDetail+": stop not acknowledged")
		h.finish(n, Outcome{Signal: SignalCancelled, Step: name})
	})
}

type reporter struct {
	h    *Handle
	idx  int
	once sync.Once
}

func (r *reporter) Progress(pct int) {
	r.h.progress(r.idx, pct)
}

func (r *reporter) Done(err error) {
	r.once.Do(func() { r.h.complete(r.idx, err) })
}

type discardJournal struct{}

func (discardJournal) Append(kind, message, actor string) entity.ActivityEntry {
	return entity.ActivityEntry{Kind: kind, Message: message, Actor: actor}
}

func cloneStep(st *entity.Step) *entity.Step {
	out := entity.CloneSteps([]entity.Step{*st})
	return &out[0]
}
