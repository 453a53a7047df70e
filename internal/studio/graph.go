package studio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/observability/metrics"
	"ChaosCore/pkg/logger"
)

const component = "studio"

type taskEntry struct {
	mu   sync.Mutex
	task *Task
}

func (e *taskEntry) snapshot() *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneTask(e.task)
}

// Graph 是单个工作室的任务图。索引锁只在插入与查找时持有，
// 状态迁移只锁定目标任务。依赖总是先于依赖方存在，
// 因此同时持有多把任务锁时加锁顺序恒为依赖方在前。
type Graph struct {
	studioID string
	now      func() time.Time
	newID    func() string

	mu         sync.RWMutex
	order      []string
	entries    map[string]*taskEntry
	dependents map[string][]string

	observerMu sync.RWMutex
	observers  []Observer
}

// GraphOption 定义任务图的可选配置。
type GraphOption func(*Graph)

// WithGraphClock 替换时间来源。
func WithGraphClock(now func() time.Time) GraphOption {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// WithTaskIDGenerator 替换任务 ID 生成器。
func WithTaskIDGenerator(gen func() string) GraphOption {
	return func(g *Graph) {
		if gen != nil {
			g.newID = gen
		}
	}
}

// WithObservers 注册状态变更观察者。
func WithObservers(observers ...Observer) GraphOption {
	return func(g *Graph) {
		g.observers = append(g.observers, observers...)
	}
}

// NewGraph 创建空的任务图。
func NewGraph(studioID string, opts ...GraphOption) *Graph {
	g := &Graph{
		studioID:   studioID,
		now:        time.Now,
		newID:      uuid.NewString,
		entries:    make(map[string]*taskEntry),
		dependents: make(map[string][]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Observe 追加一个观察者。
func (g *Graph) Observe(o Observer) {
	if o == nil {
		return
	}
	g.observerMu.Lock()
	g.observers = append(g.observers, o)
	g.observerMu.Unlock()
}

// AddTask 添加任务。所有依赖必须已存在于本任务图中，否则返回 TASK_NOT_FOUND。
func (g *Graph) AddTask(ctx context.Context, spec TaskSpec) (task *Task, err error) {
	defer metrics.Track(component, "add_task")(&err)

	if strings.TrimSpace(spec.Name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务名称不能为空")
	}
	if spec.Timeout < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务超时时间不能为负数")
	}
	deps := dedupe(spec.Dependencies)

	now := g.now().UTC()
	t := &Task{
		ID:                   g.newID(),
		StudioID:             g.studioID,
		Name:                 spec.Name,
		Description:          spec.Description,
		Inputs:               cloneMetadata(spec.Inputs),
		Dependencies:         deps,
		RequiredCapabilities: normalizeCapabilities(spec.RequiredCapabilities),
		Timeout:              spec.Timeout,
		Status:               TaskPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	g.mu.Lock()
	for _, dep := range deps {
		if _, ok := g.entries[dep]; !ok {
			g.mu.Unlock()
			return nil, taskNotFound(dep)
		}
	}
	if _, exists := g.entries[t.ID]; exists {
		g.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "任务 ID 冲突", xerrors.WithMetadata("task_id", t.ID))
	}
	g.entries[t.ID] = &taskEntry{task: t}
	g.order = append(g.order, t.ID)
	for _, dep := range deps {
		g.dependents[dep] = append(g.dependents[dep], t.ID)
	}
	snapshot := cloneTask(t)
	g.mu.Unlock()

	metrics.ObserveTransition("task", string(TaskPending))
	g.notify(ctx, "", snapshot)
	return snapshot, nil
}

// GetTask 返回任务快照。
func (g *Graph) GetTask(taskID string) (*Task, error) {
	entry, err := g.entry(taskID)
	if err != nil {
		return nil, err
	}
	return entry.snapshot(), nil
}

// ListTasks 按插入顺序返回满足条件的任务。
func (g *Graph) ListTasks(opts ...ListOption) []*Task {
	options := buildListOptions(opts)
	var tasks []*Task
	for _, entry := range g.orderedEntries() {
		t := entry.snapshot()
		if options.matches(t) {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// AssignTask 将 PENDING 任务分配给智能体。
func (g *Graph) AssignTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	return g.transition(ctx, taskID, "assign_task", func(t *Task) error {
		if t.Status != TaskPending {
			return invalidTaskState(t.ID, "任务 %s 处于 %s 状态，无法分配", t.ID, t.Status)
		}
		t.Status = TaskAssigned
		t.AssignedAgentID = agentID
		return nil
	})
}

// StartTask 由被分配的智能体开始执行任务，要求全部依赖已完成。
func (g *Graph) StartTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	return g.transition(ctx, taskID, "start_task", func(t *Task) error {
		if t.Status != TaskAssigned {
			return invalidTaskState(t.ID, "任务 %s 处于 %s 状态，无法开始", t.ID, t.Status)
		}
		if err := requireAssignee(t, agentID); err != nil {
			return err
		}
		for _, dep := range t.Dependencies {
			depTask, err := g.GetTask(dep)
			if err != nil {
				return err
			}
			if depTask.Status != TaskCompleted {
				return invalidTaskState(t.ID, "任务 %s 的依赖 %s 尚未完成", t.ID, dep)
			}
		}
		t.Status = TaskInProgress
		return nil
	})
}

// CompleteTask 记录任务输出并将其标记为 COMPLETED。
func (g *Graph) CompleteTask(ctx context.Context, taskID, agentID string, outputs, metadata map[string]any) (*Task, error) {
	return g.transition(ctx, taskID, "complete_task", func(t *Task) error {
		if t.Status != TaskInProgress {
			return invalidTaskState(t.ID, "任务 %s 处于 %s 状态，无法完成", t.ID, t.Status)
		}
		if err := requireAssignee(t, agentID); err != nil {
			return err
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		t.Status = TaskCompleted
		t.Result = g.result(t.ID, TaskCompleted, outputs, metadata)
		return nil
	})
}

// FailTask 将 ASSIGNED 或 IN_PROGRESS 任务标记为 FAILED，原因写入结果元数据。
func (g *Graph) FailTask(ctx context.Context, taskID, agentID, reason string, metadata map[string]any) (*Task, error) {
	return g.transition(ctx, taskID, "fail_task", func(t *Task) error {
		if t.Status != TaskAssigned && t.Status != TaskInProgress {
			return invalidTaskState(t.ID, "任务 %s 处于 %s 状态，无法标记失败", t.ID, t.Status)
		}
		if err := requireAssignee(t, agentID); err != nil {
			return err
		}
		meta := cloneMetadata(metadata)
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta["reason"] = reason
		t.Status = TaskFailed
		t.Result = g.result(t.ID, TaskFailed, map[string]any{}, meta)
		return nil
	})
}

// CancelTask 取消任何未结束的任务，不校验分配者。
func (g *Graph) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	return g.transition(ctx, taskID, "cancel_task", func(t *Task) error {
		if t.Status.Terminal() {
			return invalidTaskState(t.ID, "任务 %s 处于 %s 状态，无法取消", t.ID, t.Status)
		}
		t.Status = TaskCancelled
		t.Result = g.result(t.ID, TaskCancelled, map[string]any{}, map[string]any{"reason": "cancelled"})
		return nil
	})
}

// GetNextTask 按插入顺序返回第一个可执行的 PENDING 任务：所需能力全部包含在
// capabilities 中且依赖均已完成。没有可执行任务时返回 nil。
// 该方法只做选择，不会分配任务。
func (g *Graph) GetNextTask(agentID string, capabilities []string) *Task {
	for _, entry := range g.orderedEntries() {
		t := entry.snapshot()
		if t.Status != TaskPending || !t.CapableOf(capabilities) {
			continue
		}
		if g.dependenciesCompleted(t) {
			logger.L().Debug("选出下一个任务",
				slog.String("studio_id", g.studioID), slog.String("task_id", t.ID), slog.String("agent_id", agentID))
			return t
		}
	}
	return nil
}

// GetTaskDependencies 返回任务直接依赖的任务。
func (g *Graph) GetTaskDependencies(taskID string) ([]*Task, error) {
	t, err := g.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	deps := make([]*Task, 0, len(t.Dependencies))
	for _, id := range t.Dependencies {
		dep, err := g.GetTask(id)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// GetTaskDependents 返回直接依赖该任务的任务。
func (g *Graph) GetTaskDependents(taskID string) ([]*Task, error) {
	g.mu.RLock()
	if _, ok := g.entries[taskID]; !ok {
		g.mu.RUnlock()
		return nil, taskNotFound(taskID)
	}
	ids := append([]string(nil), g.dependents[taskID]...)
	g.mu.RUnlock()

	dependents := make([]*Task, 0, len(ids))
	for _, id := range ids {
		dep, err := g.GetTask(id)
		if err != nil {
			return nil, err
		}
		dependents = append(dependents, dep)
	}
	return dependents, nil
}

// Stats 返回任务状态统计。
func (g *Graph) Stats() Stats {
	var stats Stats
	for _, entry := range g.orderedEntries() {
		stats.add(entry.snapshot())
	}
	return stats
}

// Len 返回任务数量。
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

func (g *Graph) transition(ctx context.Context, taskID, op string, apply func(t *Task) error) (task *Task, err error) {
	defer metrics.Track(component, op)(&err)

	entry, err := g.entry(taskID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	from := entry.task.Status
	working := cloneTask(entry.task)
	if err := apply(working); err != nil {
		entry.mu.Unlock()
		return nil, err
	}
	working.UpdatedAt = g.now().UTC()
	entry.task = working
	snapshot := cloneTask(working)
	entry.mu.Unlock()

	metrics.ObserveTransition("task", string(snapshot.Status))
	logger.Audit().Info("任务状态变更",
		slog.String("studio_id", g.studioID),
		slog.String("task_id", taskID),
		slog.String("from", string(from)),
		slog.String("to", string(snapshot.Status)),
		slog.String("agent_id", snapshot.AssignedAgentID),
	)
	g.notify(ctx, from, snapshot)
	return snapshot, nil
}

func (g *Graph) notify(ctx context.Context, from TaskStatus, t *Task) {
	g.observerMu.RLock()
	observers := append([]Observer(nil), g.observers...)
	g.observerMu.RUnlock()
	for _, o := range observers {
		o.TaskChanged(ctx, Transition{StudioID: g.studioID, From: from, To: t.Status, Task: *cloneTask(t)})
	}
}

func (g *Graph) result(taskID string, status TaskStatus, output, metadata map[string]any) *TaskResult {
	return &TaskResult{
		TaskID:    taskID,
		Status:    status,
		Output:    cloneMetadata(output),
		Metadata:  cloneMetadata(metadata),
		Timestamp: g.now().UTC(),
	}
}

func (g *Graph) dependenciesCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		depTask, err := g.GetTask(dep)
		if err != nil || depTask.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (g *Graph) entry(taskID string) (*taskEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.entries[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	return entry, nil
}

func (g *Graph) orderedEntries() []*taskEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entries := make([]*taskEntry, 0, len(g.order))
	for _, id := range g.order {
		entries = append(entries, g.entries[id])
	}
	return entries
}

func requireAssignee(t *Task, agentID string) error {
	if t.AssignedAgentID != agentID {
		return invalidTaskState(t.ID, "任务 %s 未分配给智能体 %s", t.ID, agentID)
	}
	return nil
}
