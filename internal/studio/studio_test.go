package studio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChaosCore/internal/anchor"
	"ChaosCore/internal/directory"
	"ChaosCore/internal/events"
	"ChaosCore/internal/ledger"
)

func steppingNow() func() time.Time {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(WithRegistryClock(steppingNow()))
	ctx := context.Background()

	first, err := r.CreateStudio(ctx, "research", "market research", map[string]any{"owner": "dao"})
	require.NoError(t, err)
	second, err := r.CreateStudio(ctx, "ops", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = r.CreateStudio(ctx, " ", "", nil)
	require.Error(t, err)

	got, err := r.GetStudio(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "dao", got.Metadata["owner"])
	require.NotNil(t, got.Graph())

	studios := r.ListStudios()
	require.Len(t, studios, 2)
	assert.Equal(t, first.ID, studios[0].ID)
	assert.Equal(t, second.ID, studios[1].ID)

	task, err := first.Graph().AddTask(ctx, TaskSpec{Name: "collect"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, task.StudioID)

	require.NoError(t, r.DeleteStudio(ctx, first.ID))
	_, err = r.GetStudio(first.ID)
	require.ErrorIs(t, err, ErrStudioNotFound)
	require.ErrorIs(t, r.DeleteStudio(ctx, first.ID), ErrStudioNotFound)
	assert.Len(t, r.ListStudios(), 1)
}

func TestStudiosHaveSeparateGraphs(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	a, err := r.CreateStudio(ctx, "a", "", nil)
	require.NoError(t, err)
	b, err := r.CreateStudio(ctx, "b", "", nil)
	require.NoError(t, err)

	task, err := a.Graph().AddTask(ctx, TaskSpec{Name: "only in a"})
	require.NoError(t, err)

	_, err = b.Graph().AddTask(ctx, TaskSpec{Name: "cross", Dependencies: []string{task.ID}})
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = b.Graph().GetTask(task.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestLedgerObserverLogsCompletedTasks(t *testing.T) {
	dir := directory.NewMemoryDirectory("agent-a")
	l := ledger.New(ledger.NewMemoryStore(), dir, anchor.NewMemoryGateway())
	r := NewRegistry(WithGraphOptions(WithObservers(NewLedgerObserver(l, dir))))
	ctx := context.Background()

	s, err := r.CreateStudio(ctx, "ops", "", nil)
	require.NoError(t, err)
	g := s.Graph()

	known, err := g.AddTask(ctx, TaskSpec{Name: "deploy"})
	require.NoError(t, err)
	unknown, err := g.AddTask(ctx, TaskSpec{Name: "external"})
	require.NoError(t, err)

	for task, agent := range map[string]string{known.ID: "agent-a", unknown.ID: "outsider"} {
		_, err := g.AssignTask(ctx, task, agent)
		require.NoError(t, err)
		_, err = g.StartTask(ctx, task, agent)
		require.NoError(t, err)
		_, err = g.CompleteTask(ctx, task, agent, map[string]any{"tx": "0x1"}, nil)
		require.NoError(t, err)
	}

	ids, err := l.ListActions(ctx, ledger.Filter{Type: ledger.TypeExecute})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	action, err := l.GetAction(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "agent-a", action.AgentID)
	assert.Equal(t, ledger.StatusPending, action.Status)
	assert.Equal(t, known.ID, action.Data["task_id"])
	assert.Equal(t, s.ID, action.Data["studio_id"])
}

func TestEventObserverPublishesTransitions(t *testing.T) {
	bus := events.NewMemoryBus(16)
	g := NewGraph("studio-x", WithObservers(EventObserver{Publisher: bus}))
	ctx := context.Background()

	task, err := g.AddTask(ctx, TaskSpec{Name: "a"})
	require.NoError(t, err)
	_, err = g.AssignTask(ctx, task.ID, "agent-a")
	require.NoError(t, err)

	published := bus.Drain()
	require.Len(t, published, 2)
	assert.Equal(t, events.TopicTaskChanged, published[1].Topic)
	assert.Equal(t, task.ID, published[1].Subject)
	assert.Equal(t, "assigned", published[1].Payload["to"])
	assert.Equal(t, "agent-a", published[1].Payload["agent_id"])
	assert.Equal(t, "studio-x", published[1].Payload["studio_id"])
}
