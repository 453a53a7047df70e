package studio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ChaosCore/internal/errors"
)

func newTestGraph(opts ...GraphOption) *Graph {
	var seq int64
	base := []GraphOption{
		WithTaskIDGenerator(func() string {
			return fmt.Sprintf("task-%d", atomic.AddInt64(&seq, 1))
		}),
	}
	return NewGraph("studio-1", append(base, opts...)...)
}

func mustAdd(t *testing.T, g *Graph, spec TaskSpec) *Task {
	t.Helper()
	task, err := g.AddTask(context.Background(), spec)
	require.NoError(t, err)
	return task
}

func runToCompletion(t *testing.T, g *Graph, taskID, agentID string) {
	t.Helper()
	ctx := context.Background()
	_, err := g.AssignTask(ctx, taskID, agentID)
	require.NoError(t, err)
	_, err = g.StartTask(ctx, taskID, agentID)
	require.NoError(t, err)
	_, err = g.CompleteTask(ctx, taskID, agentID, map[string]any{"ok": true}, nil)
	require.NoError(t, err)
}

func TestAddTaskRejectsUnknownDependency(t *testing.T) {
	g := newTestGraph()
	_, err := g.AddTask(context.Background(), TaskSpec{Name: "t", Dependencies: []string{"ghost"}})
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, 0, g.Len())

	_, err = g.AddTask(context.Background(), TaskSpec{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestAddTaskNormalizesInput(t *testing.T) {
	g := newTestGraph()
	t1 := mustAdd(t, g, TaskSpec{Name: "collect"})
	t2 := mustAdd(t, g, TaskSpec{
		Name:                 "analyze",
		Dependencies:         []string{t1.ID, t1.ID},
		RequiredCapabilities: []string{" Analysis", "analysis", "defi"},
		Timeout:              time.Minute,
	})
	assert.Equal(t, []string{t1.ID}, t2.Dependencies)
	assert.Equal(t, []string{"analysis", "defi"}, t2.RequiredCapabilities)
	assert.Equal(t, TaskPending, t2.Status)
	assert.Equal(t, "studio-1", t2.StudioID)
	assert.Equal(t, time.Minute, t2.Timeout)
}

func TestTaskLifecycle(t *testing.T) {
	g := newTestGraph()
	ctx := context.Background()
	task := mustAdd(t, g, TaskSpec{Name: "collect"})

	_, err := g.StartTask(ctx, task.ID, "agent-a")
	require.ErrorIs(t, err, ErrInvalidTaskState)

	assigned, err := g.AssignTask(ctx, task.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, TaskAssigned, assigned.Status)
	assert.Equal(t, "agent-a", assigned.AssignedAgentID)

	_, err = g.AssignTask(ctx, task.ID, "agent-b")
	require.ErrorIs(t, err, ErrInvalidTaskState)

	_, err = g.StartTask(ctx, task.ID, "agent-b")
	require.ErrorIs(t, err, ErrInvalidTaskState)

	started, err := g.StartTask(ctx, task.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, started.Status)

	_, err = g.CompleteTask(ctx, task.ID, "agent-b", nil, nil)
	require.ErrorIs(t, err, ErrInvalidTaskState)

	done, err := g.CompleteTask(ctx, task.ID, "agent-a", map[string]any{"rows": 3}, map[string]any{"source": "api"})
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, TaskCompleted, done.Result.Status)
	assert.Equal(t, map[string]any{"rows": 3}, done.Result.Output)
	assert.Equal(t, map[string]any{"source": "api"}, done.Result.Metadata)

	_, err = g.CancelTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrInvalidTaskState)
}

func TestFailTask(t *testing.T) {
	g := newTestGraph()
	ctx := context.Background()
	task := mustAdd(t, g, TaskSpec{Name: "collect"})

	_, err := g.FailTask(ctx, task.ID, "agent-a", "not assigned", nil)
	require.ErrorIs(t, err, ErrInvalidTaskState)

	_, err = g.AssignTask(ctx, task.ID, "agent-a")
	require.NoError(t, err)
	_, err = g.FailTask(ctx, task.ID, "agent-b", "wrong agent", nil)
	require.ErrorIs(t, err, ErrInvalidTaskState)

	failed, err := g.FailTask(ctx, task.ID, "agent-a", "rpc timeout", map[string]any{"attempt": 2})
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, failed.Status)
	assert.Equal(t, map[string]any{"attempt": 2, "reason": "rpc timeout"}, failed.Result.Metadata)
	assert.Empty(t, failed.Result.Output)
}

func TestCancelTask(t *testing.T) {
	g := newTestGraph()
	ctx := context.Background()
	pending := mustAdd(t, g, TaskSpec{Name: "a"})
	running := mustAdd(t, g, TaskSpec{Name: "b"})
	_, err := g.AssignTask(ctx, running.ID, "agent-a")
	require.NoError(t, err)
	_, err = g.StartTask(ctx, running.ID, "agent-a")
	require.NoError(t, err)

	for _, id := range []string{pending.ID, running.ID} {
		cancelled, err := g.CancelTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TaskCancelled, cancelled.Status)
		assert.Equal(t, map[string]any{"reason": "cancelled"}, cancelled.Result.Metadata)
	}

	_, err = g.CancelTask(ctx, pending.ID)
	require.ErrorIs(t, err, ErrInvalidTaskState)
	_, err = g.CancelTask(ctx, "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStartTaskWaitsForDependencies(t *testing.T) {
	g := newTestGraph()
	ctx := context.Background()
	t1 := mustAdd(t, g, TaskSpec{Name: "collect"})
	t2 := mustAdd(t, g, TaskSpec{Name: "analyze", Dependencies: []string{t1.ID}})

	_, err := g.AssignTask(ctx, t2.ID, "agent-b")
	require.NoError(t, err)
	_, err = g.StartTask(ctx, t2.ID, "agent-b")
	require.ErrorIs(t, err, ErrInvalidTaskState)

	runToCompletion(t, g, t1.ID, "agent-a")

	started, err := g.StartTask(ctx, t2.ID, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, started.Status)
}

func TestGetNextTaskFollowsDependencies(t *testing.T) {
	g := newTestGraph()
	t1 := mustAdd(t, g, TaskSpec{Name: "T1"})
	t2 := mustAdd(t, g, TaskSpec{Name: "T2", Dependencies: []string{t1.ID}})

	for _, agent := range []string{"agent-a", "agent-b"} {
		next := g.GetNextTask(agent, nil)
		require.NotNil(t, next)
		assert.Equal(t, t1.ID, next.ID)
	}

	ctx := context.Background()
	_, err := g.AssignTask(ctx, t1.ID, "agent-a")
	require.NoError(t, err)
	assert.Nil(t, g.GetNextTask("agent-b", nil))

	_, err = g.StartTask(ctx, t1.ID, "agent-a")
	require.NoError(t, err)
	_, err = g.CompleteTask(ctx, t1.ID, "agent-a", nil, nil)
	require.NoError(t, err)

	next := g.GetNextTask("agent-b", nil)
	require.NotNil(t, next)
	assert.Equal(t, t2.ID, next.ID)
}

func TestGetNextTaskMatchesCapabilities(t *testing.T) {
	g := newTestGraph()
	gated := mustAdd(t, g, TaskSpec{Name: "gated", RequiredCapabilities: []string{"audit", "solidity"}})
	open := mustAdd(t, g, TaskSpec{Name: "open"})

	next := g.GetNextTask("agent-a", nil)
	require.NotNil(t, next)
	assert.Equal(t, open.ID, next.ID)

	next = g.GetNextTask("agent-a", []string{"audit"})
	require.NotNil(t, next)
	assert.Equal(t, open.ID, next.ID)

	next = g.GetNextTask("agent-a", []string{"Solidity", "audit", "rust"})
	require.NotNil(t, next)
	assert.Equal(t, gated.ID, next.ID)

	_, err := g.CancelTask(context.Background(), open.ID)
	require.NoError(t, err)
	assert.Nil(t, g.GetNextTask("agent-a", []string{"audit"}))
}

func TestDependencyQueries(t *testing.T) {
	g := newTestGraph()
	root := mustAdd(t, g, TaskSpec{Name: "root"})
	left := mustAdd(t, g, TaskSpec{Name: "left", Dependencies: []string{root.ID}})
	right := mustAdd(t, g, TaskSpec{Name: "right", Dependencies: []string{root.ID}})
	join := mustAdd(t, g, TaskSpec{Name: "join", Dependencies: []string{left.ID, right.ID}})

	deps, err := g.GetTaskDependencies(join.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{left.ID, right.ID}, taskIDs(deps))

	dependents, err := g.GetTaskDependents(root.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{left.ID, right.ID}, taskIDs(dependents))

	none, err := g.GetTaskDependents(join.ID)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = g.GetTaskDependencies("ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = g.GetTaskDependents("ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestListTasksAndStats(t *testing.T) {
	g := newTestGraph()
	ctx := context.Background()
	a := mustAdd(t, g, TaskSpec{Name: "a"})
	b := mustAdd(t, g, TaskSpec{Name: "b"})
	mustAdd(t, g, TaskSpec{Name: "c"})
	_, err := g.AssignTask(ctx, a.ID, "agent-a")
	require.NoError(t, err)
	runToCompletion(t, g, b.ID, "agent-a")

	assert.Len(t, g.ListTasks(), 3)
	assert.Equal(t, []string{a.ID, b.ID}, taskIDs(g.ListTasks(WithAgent("agent-a"))))
	assert.Equal(t, []string{b.ID}, taskIDs(g.ListTasks(WithAgent("agent-a"), WithStatus(TaskCompleted))))
	assert.Empty(t, g.ListTasks(WithStatus(TaskFailed)))

	stats := g.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Assigned)
	assert.Equal(t, 1, stats.Completed)
	assert.False(t, stats.NewestUpdatedAt.Before(stats.OldestUpdatedAt))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	g := newTestGraph()
	task := mustAdd(t, g, TaskSpec{Name: "a", Inputs: map[string]any{"k": "v"}})
	task.Inputs["k"] = "mutated"
	task.Status = TaskCompleted

	stored, err := g.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", stored.Inputs["k"])
	assert.Equal(t, TaskPending, stored.Status)
}

func TestConcurrentAssignmentHasOneWinner(t *testing.T) {
	g := newTestGraph()
	task := mustAdd(t, g, TaskSpec{Name: "contended"})

	var (
		wg   sync.WaitGroup
		wins int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.AssignTask(context.Background(), task.ID, fmt.Sprintf("agent-%d", i)); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}

func TestObserversSeeTransitions(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	g := newTestGraph(WithObservers(ObserverFunc(func(_ context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s>%s", tr.From, tr.To))
	})))
	task := mustAdd(t, g, TaskSpec{Name: "a"})
	runToCompletion(t, g, task.ID, "agent-a")

	assert.Equal(t, []string{">pending", "pending>assigned", "assigned>in_progress", "in_progress>completed"}, seen)
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
