package studio

import (
	"fmt"

	xerrors "ChaosCore/internal/errors"
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeInvalidTaskState xerrors.Code = "INVALID_TASK_STATE"
	CodeStudioNotFound   xerrors.Code = "STUDIO_NOT_FOUND"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrInvalidTaskState 表示任务在当前状态下无法进行所请求的操作。
	ErrInvalidTaskState = xerrors.New(CodeInvalidTaskState, "invalid task state")
	// ErrStudioNotFound 表示工作室不存在。
	ErrStudioNotFound = xerrors.New(CodeStudioNotFound, "studio not found")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTaskState, xerrors.Attributes{
		Message:  "invalid task state",
		Kind:     xerrors.KindInvalidState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeStudioNotFound, xerrors.Attributes{
		Message:  "studio not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
}

func taskNotFound(taskID string) error {
	return xerrors.New(CodeTaskNotFound, fmt.Sprintf("任务 %s 不存在", taskID), xerrors.WithMetadata("task_id", taskID))
}

func invalidTaskState(taskID string, format string, args ...any) error {
	return xerrors.New(CodeInvalidTaskState, fmt.Sprintf(format, args...), xerrors.WithMetadata("task_id", taskID))
}

func studioNotFound(studioID string) error {
	return xerrors.New(CodeStudioNotFound, fmt.Sprintf("工作室 %s 不存在", studioID), xerrors.WithMetadata("studio_id", studioID))
}
