package studio

import (
	"context"
	"log/slog"

	"ChaosCore/internal/events"
	"ChaosCore/pkg/logger"
)

// Transition 描述一次任务状态变更。
type Transition struct {
	StudioID string
	From     TaskStatus
	To       TaskStatus
	Task     Task
}

// Observer 在任务状态变更后被同步调用。
type Observer interface {
	TaskChanged(ctx context.Context, tr Transition)
}

// ObserverFunc 允许使用普通函数实现 Observer。
type ObserverFunc func(ctx context.Context, tr Transition)

// TaskChanged 实现 Observer 接口。
func (f ObserverFunc) TaskChanged(ctx context.Context, tr Transition) {
	f(ctx, tr)
}

// EventObserver 把任务状态变更发布为 task.changed 事件。
type EventObserver struct {
	Publisher events.Publisher
}

// TaskChanged 实现 Observer 接口。
func (o EventObserver) TaskChanged(ctx context.Context, tr Transition) {
	if o.Publisher == nil {
		return
	}
	payload := map[string]any{
		"studio_id": tr.StudioID,
		"from":      string(tr.From),
		"to":        string(tr.To),
		"name":      tr.Task.Name,
	}
	if tr.Task.AssignedAgentID != "" {
		payload["agent_id"] = tr.Task.AssignedAgentID
	}
	if err := o.Publisher.Publish(ctx, events.New(events.TopicTaskChanged, tr.Task.ID, payload)); err != nil {
		logger.L().Warn("发布任务事件失败",
			slog.String("task_id", tr.Task.ID), slog.String("to", string(tr.To)), slog.Any("error", err))
	}
}
