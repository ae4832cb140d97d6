package pipeline

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
)

const waitFor = 2 * time.Second

// harness captures each step's reporter so tests drive executors by hand
type harness struct {
	mu        sync.Mutex
	reporters map[int]Reporter
	ctxs      map[int]context.Context
	started   chan int
	signals   chan Outcome
	journal   *recordingJournal
	steps     []entity.Step
}

func newHarness() *harness {
	return &harness{
		reporters: make(map[int]Reporter),
		ctxs:      make(map[int]context.Context),
		started:   make(chan int, 16),
		signals:   make(chan Outcome, 4),
		journal:   &recordingJournal{},
	}
}

func (hs *harness) exec(idx int) Executor {
	return func(ctx context.Context, r Reporter) {
		hs.mu.Lock()
		hs.reporters[idx] = r
		hs.ctxs[idx] = ctx
		hs.mu.Unlock()
		hs.started <- idx
	}
}

func (hs *harness) reporter(idx int) Reporter {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.reporters[idx]
}

func (hs *harness) ctx(idx int) context.Context {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.ctxs[idx]
}

func (hs *harness) specs(names []string, granular int) []StepSpec {
	specs := make([]StepSpec, len(names))
	for i, n := range names {
		specs[i] = StepSpec{Key: n, Name: n, Granular: i == granular, Run: hs.exec(i)}
	}
	return specs
}

func (hs *harness) options(c clock.Clock) Options {
	return Options{
		Name:  "provisioning",
		Clock: c,
		Log:   hs.journal,
		OnStep: func(st entity.Step) {
			hs.mu.Lock()
			hs.steps = append(hs.steps, st)
			hs.mu.Unlock()
		},
		OnSignal: func(o Outcome) { hs.signals <- o },
	}
}

func (hs *harness) waitStarted(t *testing.T, want int) {
	t.Helper()
	select {
	case got := <-hs.started:
		require.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Fatalf("step %d never started", want)
	}
}

func (hs *harness) waitSignal(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-hs.signals:
		return o
	case <-time.After(waitFor):
		t.Fatal("no terminal signal")
		return Outcome{}
	}
}

func (hs *harness) assertNoSignal(t *testing.T) {
	t.Helper()
	select {
	case o := <-hs.signals:
		t.Fatalf("unexpected signal %s", o.Signal)
	case <-time.After(20 * time.Millisecond):
	}
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []entity.ActivityEntry
}

func (j *recordingJournal) Append(kind, message, actor string) entity.ActivityEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := entity.ActivityEntry{Sequence: int64(len(j.entries) + 1), Kind: kind, Message: message, Actor: actor}
	j.entries = append(j.entries, e)
	return e
}

func (j *recordingJournal) count(kind string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var provisioningNames = []string{
	"Resolve blueprint",
	"Build container bundle",
	"Pull dependencies",
	"Run smoke tests",
	"Configure networking",
}

func statuses(steps []entity.Step) []entity.StepStatus {
	out := make([]entity.StepStatus, len(steps))
	for i, s := range steps {
		out[i] = s.Status
	}
	return out
}

func runningCount(steps []entity.Step) int {
	n := 0
	for _, s := range steps {
		if s.Status == entity.StepStatusRunning {
			n++
		}
	}
	return n
}

func TestPipeline_RunsStepsInOrderAndCompletes(t *testing.T) {
	hs := newHarness()
	h := Start(context.Background(), hs.specs(provisioningNames, 1), hs.options(clock.NewMock()))

	for i := range provisioningNames {
		hs.waitStarted(t, i)
		snap := h.Snapshot()
		assert.Equal(t, 1, runningCount(snap), "exactly one step runs at a time")
		assert.Equal(t, entity.StepStatusRunning, snap[i].Status)
		for j := i + 1; j < len(snap); j++ {
			assert.Equal(t, entity.StepStatusPending, snap[j].Status)
		}
		hs.reporter(i).Done(nil)
	}

	out := hs.waitSignal(t)
	assert.Equal(t, SignalCompleted, out.Signal)
	hs.assertNoSignal(t)

	snap := h.Snapshot()
	for _, s := range snap {
		assert.Equal(t, entity.StepStatusDone, s.Status)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.FinishedAt)
	}
	require.NotNil(t, snap[1].Progress)
	assert.Equal(t, 100, *snap[1].Progress)

	// running + done per step
	assert.Equal(t, 2*len(provisioningNames), hs.journal.count(entity.ActivityKindStep))
	assert.Equal(t, 1, hs.journal.count(entity.ActivityKindPipeline))

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestPipeline_StatusesAreMonotonic(t *testing.T) {
	hs := newHarness()
	Start(context.Background(), hs.specs(provisioningNames, 1), hs.options(clock.NewMock()))
	for i := range provisioningNames {
		hs.waitStarted(t, i)
		if i == 1 {
			for _, p := range []int{10, 50, 30, 90} {
				hs.reporter(i).Progress(p)
			}
		}
		hs.reporter(i).Done(nil)
	}
	hs.waitSignal(t)

	rank := map[entity.StepStatus]int{
		entity.StepStatusPending: 0,
		entity.StepStatusRunning: 1,
		entity.StepStatusDone:    2,
		entity.StepStatusFailed:  2,
	}
	last := map[int]entity.Step{}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for _, st := range hs.steps {
		if prev, ok := last[st.ID]; ok {
			assert.GreaterOrEqual(t, rank[st.Status], rank[prev.Status], "step %d regressed", st.ID)
			if prev.Progress != nil && st.Progress != nil {
				assert.GreaterOrEqual(t, *st.Progress, *prev.Progress)
			}
		}
		last[st.ID] = st
	}
}

func TestPipeline_ProgressClamping(t *testing.T) {
	hs := newHarness()
	h := Start(context.Background(), hs.specs(provisioningNames[:3], 1), hs.options(clock.NewMock()))

	hs.waitStarted(t, 0)
	hs.reporter(0).Done(nil)
	hs.waitStarted(t, 1)
	r := hs.reporter(1)

	progressOf := func() int { return *h.Snapshot()[1].Progress }

	r.Progress(40)
	assert.Equal(t, 40, progressOf())

	r.Progress(30)
	assert.Equal(t, 40, progressOf(), "decreasing report is clamped")

	r.Progress(-5)
	assert.Equal(t, 40, progressOf(), "negative report is clamped")

	assert.Equal(t, entity.StepStatusRunning, h.Snapshot()[1].Status)

	r.Progress(140)
	assert.Equal(t, 100, progressOf(), "over-range report is clamped to 100")
	assert.Equal(t, entity.StepStatusDone, h.Snapshot()[1].Status, "reaching 100 completes the step")
	hs.waitStarted(t, 2)

	// the late completion callback of an already-done step is ignored
	r.Done(stderrors.New("late"))
	assert.Equal(t, entity.StepStatusRunning, h.Snapshot()[2].Status)
	hs.assertNoSignal(t)
}

func TestPipeline_NonGranularIgnoresProgress(t *testing.T) {
	hs := newHarness()
	h := Start(context.Background(), hs.specs(provisioningNames[:2], -1), hs.options(clock.NewMock()))
	hs.waitStarted(t, 0)

	hs.reporter(0).Progress(100)
	snap := h.Snapshot()
	assert.Equal(t, entity.StepStatusRunning, snap[0].Status)
	assert.Nil(t, snap[0].Progress)
}

func TestPipeline_CancelDuringStep(t *testing.T) {
	hs := newHarness()
	h := Start(context.Background(), hs.specs(provisioningNames, 1), hs.options(clock.NewMock()))

	hs.waitStarted(t, 0)
	hs.reporter(0).Done(nil)
	hs.waitStarted(t, 1)
	hs.reporter(1).Progress(100)
	hs.waitStarted(t, 2)

	require.True(t, h.Cancel())
	assert.Error(t, hs.ctx(2).Err(), "running step is asked to stop")

	// cooperative: nothing is reported until the step acknowledges
	hs.assertNoSignal(t)
	assert.Equal(t, entity.StepStatusRunning, h.Snapshot()[2].Status)
	assert.False(t, h.Cancel(), "second cancel while stopping is a no-op")

	hs.reporter(2).Done(hs.ctx(2).Err())
	out := hs.waitSignal(t)
	assert.Equal(t, SignalCancelled, out.Signal)
	assert.Equal(t, "Pull dependencies", out.Step)

	snap := h.Snapshot()
	assert.Equal(t, []entity.StepStatus{
		entity.StepStatusDone,
		entity.StepStatusDone,
		entity.StepStatusFailed,
		entity.StepStatusFailed,
		entity.StepStatusFailed,
	}, statuses(snap))
	for _, s := range snap[2:] {
		assert.Equal(t, CancelledDetail, s.ErrorDetail)
	}
	assert.False(t, h.Cancel())
}

func TestPipeline_CancelAfterCompletionIsNoop(t *testing.T) {
	hs := newHarness()
	h := Start(context.Background(), hs.specs(provisioningNames[:2], -1), hs.options(clock.NewMock()))
	hs.waitStarted(t, 0)
	hs.reporter(0).Done(nil)
	hs.waitStarted(t, 1)
	hs.reporter(1).Done(nil)
	require.Equal(t, SignalCompleted, hs.waitSignal(t).Signal)

	before := h.Snapshot()
	entries := hs.journal.count(entity.ActivityKindStep)

	assert.False(t, h.Cancel())
	assert.Equal(t, before, h.Snapshot())
	assert.Equal(t, entries, hs.journal.count(entity.ActivityKindStep))
	hs.assertNoSignal(t)
}

func TestPipeline_DriverFailure(t *testing.T) {
	hs := newHarness()
	h := Start(context.Background(), hs.specs(provisioningNames, 1), hs.options(clock.NewMock()))
	hs.waitStarted(t, 0)
	hs.reporter(0).Done(nil)
	hs.waitStarted(t, 1)

	hs.reporter(1).Done(stderrors.New("registry unreachable"))
	out := hs.waitSignal(t)
	assert.Equal(t, SignalFailed, out.Signal)
	assert.Equal(t, "Build container bundle", out.Step)
	assert.True(t, errors.HasCode(out.Err, errors.ErrPipelineStepFailure))

	snap := h.Snapshot()
	assert.Equal(t, entity.StepStatusDone, snap[0].Status)
	assert.Equal(t, "registry unreachable", snap[1].ErrorDetail)
	for _, s := range snap[1:] {
		assert.Equal(t, entity.StepStatusFailed, s.Status)
	}
	assert.Equal(t, CancelledDetail, snap[4].ErrorDetail)
	hs.assertNoSignal(t)
}

func TestPipeline_NonCancellable(t *testing.T) {
	hs := newHarness()
	opts := hs.options(clock.NewMock())
	opts.Name = "teardown"
	opts.NonCancellable = true
	h := Start(context.Background(), hs.specs([]string{"Stop containers", "Clean up resources"}, -1), opts)

	hs.waitStarted(t, 0)
	assert.False(t, h.Cancel())
	assert.NoError(t, hs.ctx(0).Err())

	hs.reporter(0).Done(nil)
	hs.waitStarted(t, 1)
	hs.reporter(1).Done(nil)
	assert.Equal(t, SignalCompleted, hs.waitSignal(t).Signal)
}

func TestPipeline_StopTimeout(t *testing.T) {
	mock := clock.NewMock()
	hs := newHarness()
	opts := hs.options(mock)
	opts.StopTimeout = time.Minute
	h := Start(context.Background(), hs.specs(provisioningNames[:2], -1), opts)
	hs.waitStarted(t, 0)

	require.True(t, h.Cancel())
	mock.Add(59 * time.Second)
	hs.assertNoSignal(t)

	mock.Add(time.Second)
	out := hs.waitSignal(t)
	assert.Equal(t, SignalCancelled, out.Signal)
	assert.Contains(t, h.Snapshot()[0].ErrorDetail, "not acknowledged")

	// a late acknowledgment changes nothing
	hs.reporter(0).Done(nil)
	hs.assertNoSignal(t)
}

func TestPipeline_EmptyCompletesImmediately(t *testing.T) {
	hs := newHarness()
	h := Start(context.Background(), nil, hs.options(clock.NewMock()))
	assert.Equal(t, SignalCompleted, hs.waitSignal(t).Signal)
	out, finished := h.Outcome()
	assert.True(t, finished)
	assert.Equal(t, SignalCompleted, out.Signal)
}
