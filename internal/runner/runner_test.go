package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/pool"
	"github.com/browsergrid/browsergrid/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubSession is a pool.Session whose behavior is set per test.
type stubSession struct {
	id      string
	execute func(ctx context.Context, a models.Action) (models.ActionResult, error)
}

func (s *stubSession) ID() string { return s.id }

func (s *stubSession) Execute(ctx context.Context, a models.Action) (models.ActionResult, error) {
	if s.execute != nil {
		return s.execute(ctx, a)
	}
	return models.ActionResult{Type: a.Type, OK: true}, nil
}

func (s *stubSession) Close() error { return nil }

type testRig struct {
	runner   *Runner
	pool     *pool.Pool
	launches *atomic.Int64
}

func newTestRig(t *testing.T, capacity int, cfg Config, execute func(ctx context.Context, a models.Action) (models.ActionResult, error)) *testRig {
	t.Helper()

	var launches atomic.Int64
	launch := func(ctx context.Context) (pool.Session, error) {
		n := launches.Add(1)
		return &stubSession{id: fmt.Sprintf("s-%d", n), execute: execute}, nil
	}

	p := pool.New(pool.Config{Capacity: capacity}, launch, zap.NewNop())
	run := New(p, executor.New(nil, zap.NewNop()), NewRegistry(), cfg, zap.NewNop())

	t.Cleanup(func() {
		run.Close()
		p.Close()
	})
	return &testRig{runner: run, pool: p, launches: &launches}
}

func simpleRequest() models.TaskRequest {
	return models.TaskRequest{
		Actions: []models.Action{
			{Type: models.ActionNavigate, URL: "https://example.com"},
			{Type: models.ActionExtract, Selector: "h1"},
		},
	}
}

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	rig := newTestRig(t, 1, Config{}, nil)

	task, err := rig.runner.Submit(context.Background(), simpleRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, task.Status)
	require.NotNil(t, task.Result)
	assert.Len(t, task.Result.Results, 2)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	rig := newTestRig(t, 1, Config{}, nil)

	_, err := rig.runner.Submit(context.Background(), models.TaskRequest{})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidRequest))
}

func TestSubmitActionFailureKeepsSessionForNextTask(t *testing.T) {
	var calls atomic.Int64
	execute := func(ctx context.Context, a models.Action) (models.ActionResult, error) {
		if calls.Add(1) == 2 {
			err := models.NewError(models.KindActionFailure, "selector matched nothing")
			return models.ActionResult{Type: a.Type, Error: err.Error()}, err
		}
		return models.ActionResult{Type: a.Type, OK: true}, nil
	}
	rig := newTestRig(t, 1, Config{}, execute)

	task, err := rig.runner.Submit(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, models.KindActionFailure, task.Result.ErrorKind)
	assert.Len(t, task.Result.Results, 2, "partial results include the failed action")

	// The browser survived a page-level failure; the next task reuses it.
	task, err = rig.runner.Submit(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, task.Status)
	assert.EqualValues(t, 1, rig.launches.Load())
}

func TestSubmitAsyncReachesTerminalStatus(t *testing.T) {
	rig := newTestRig(t, 1, Config{}, nil)

	task, err := rig.runner.SubmitAsync(simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)

	require.Eventually(t, func() bool {
		got, ok := rig.runner.Registry().Get(task.ID)
		return ok && got.Status.Terminal()
	}, time.Second, 5*time.Millisecond)

	got, _ := rig.runner.Registry().Get(task.ID)
	assert.Equal(t, models.StatusSucceeded, got.Status)
}

func TestSubmitTimesOutWaitingForSession(t *testing.T) {
	block := make(chan struct{})
	execute := func(ctx context.Context, a models.Action) (models.ActionResult, error) {
		select {
		case <-block:
			return models.ActionResult{Type: a.Type, OK: true}, nil
		case <-ctx.Done():
			return models.ActionResult{Type: a.Type, Error: ctx.Err().Error()}, ctx.Err()
		}
	}
	rig := newTestRig(t, 1, Config{DefaultTimeout: 50 * time.Millisecond}, execute)
	defer close(block)

	// Occupy the only session well past the second task's deadline.
	holder := simpleRequest()
	holder.TimeoutSeconds = 30
	first, err := rig.runner.SubmitAsync(holder)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rig.pool.Stats().InUse == 1
	}, time.Second, time.Millisecond)

	// The second task queues and its deadline elapses before a session frees.
	task, err := rig.runner.Submit(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, task.Status)
	assert.Equal(t, models.KindPoolTimeout, task.Result.ErrorKind)

	// Withdraw the holder so shutdown does not wait on it.
	require.NoError(t, rig.runner.Cancel(first.ID))
	require.Eventually(t, func() bool {
		got, _ := rig.runner.Registry().Get(first.ID)
		return got.Status == models.StatusCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestCancelQueuedTask(t *testing.T) {
	block := make(chan struct{})
	execute := func(ctx context.Context, a models.Action) (models.ActionResult, error) {
		select {
		case <-block:
			return models.ActionResult{Type: a.Type, OK: true}, nil
		case <-ctx.Done():
			return models.ActionResult{Type: a.Type, Error: ctx.Err().Error()}, ctx.Err()
		}
	}
	rig := newTestRig(t, 1, Config{}, execute)

	first, err := rig.runner.SubmitAsync(simpleRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rig.pool.Stats().InUse == 1
	}, time.Second, time.Millisecond)

	queued, err := rig.runner.SubmitAsync(simpleRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rig.pool.Stats().Queued == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, rig.runner.Cancel(queued.ID))
	require.Eventually(t, func() bool {
		got, _ := rig.runner.Registry().Get(queued.ID)
		return got.Status == models.StatusCancelled
	}, time.Second, 5*time.Millisecond)

	// The running task is unaffected; release it and let it finish.
	close(block)
	require.Eventually(t, func() bool {
		got, _ := rig.runner.Registry().Get(first.ID)
		return got.Status == models.StatusSucceeded
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeStreamsEventsAndCloses(t *testing.T) {
	block := make(chan struct{})
	execute := func(ctx context.Context, a models.Action) (models.ActionResult, error) {
		<-block
		return models.ActionResult{Type: a.Type, OK: true}, nil
	}
	rig := newTestRig(t, 1, Config{}, execute)

	task, err := rig.runner.SubmitAsync(simpleRequest())
	require.NoError(t, err)

	ch, unsub, err := rig.runner.Subscribe(task.ID)
	require.NoError(t, err)
	defer unsub()

	close(block)

	var sawAction, sawTerminal bool
	for ev := range ch {
		switch ev.Type {
		case EventAction:
			sawAction = true
		case EventStatus:
			if ev.Status.Terminal() {
				sawTerminal = true
			}
		}
	}
	assert.True(t, sawAction)
	assert.True(t, sawTerminal)
}

func TestSubscribeReplaysFinishedTask(t *testing.T) {
	rig := newTestRig(t, 1, Config{}, nil)

	task, err := rig.runner.Submit(context.Background(), simpleRequest())
	require.NoError(t, err)
	require.True(t, task.Status.Terminal())

	ch, unsub, err := rig.runner.Subscribe(task.ID)
	require.NoError(t, err)
	defer unsub()

	ev, open := <-ch
	require.True(t, open)
	assert.Equal(t, models.StatusSucceeded, ev.Status)

	_, open = <-ch
	assert.False(t, open)
}

func TestSubscribeUnknownTask(t *testing.T) {
	rig := newTestRig(t, 1, Config{}, nil)

	_, _, err := rig.runner.Subscribe("no-such-task")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidRequest))
}
