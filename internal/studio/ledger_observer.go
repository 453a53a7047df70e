package studio

import (
	"context"
	"fmt"
	"log/slog"

	"ChaosCore/internal/directory"
	"ChaosCore/internal/ledger"
	"ChaosCore/pkg/logger"
)

// ActionLogger 是 LedgerObserver 依赖的账本能力，*ledger.Ledger 满足该接口。
type ActionLogger interface {
	LogAction(ctx context.Context, agentID string, actionType ledger.ActionType, description string, data map[string]any) (string, error)
}

// LedgerObserver 在任务完成时为执行者登记一条 execute 行为。
// 执行者不在智能体目录中时跳过。
type LedgerObserver struct {
	ledger    ActionLogger
	directory directory.Directory
}

// NewLedgerObserver 创建账本观察者。
func NewLedgerObserver(l ActionLogger, dir directory.Directory) *LedgerObserver {
	return &LedgerObserver{ledger: l, directory: dir}
}

// TaskChanged 实现 Observer 接口。
func (o *LedgerObserver) TaskChanged(ctx context.Context, tr Transition) {
	if tr.To != TaskCompleted || tr.Task.AssignedAgentID == "" {
		return
	}
	agentID := tr.Task.AssignedAgentID
	ok, err := o.directory.Exists(ctx, agentID)
	if err != nil {
		logger.L().Warn("查询智能体目录失败", slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	data := map[string]any{
		"studio_id": tr.StudioID,
		"task_id":   tr.Task.ID,
	}
	if tr.Task.Result != nil && len(tr.Task.Result.Output) > 0 {
		data["output"] = cloneMetadata(tr.Task.Result.Output)
	}
	actionID, err := o.ledger.LogAction(ctx, agentID, ledger.TypeExecute, fmt.Sprintf("完成任务 %s", tr.Task.Name), data)
	if err != nil {
		logger.L().Warn("登记任务行为失败",
			slog.String("task_id", tr.Task.ID), slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}
	logger.L().Debug("任务完成已登记到账本",
		slog.String("task_id", tr.Task.ID), slog.String("action_id", actionID))
}

var _ Observer = (*LedgerObserver)(nil)
