package ledger

import (
	"fmt"

	xerrors "ChaosCore/internal/errors"
)

const (
	CodeActionNotFound  xerrors.Code = "ACTION_NOT_FOUND"
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeOutcomeNotFound xerrors.Code = "OUTCOME_NOT_FOUND"
	CodeInvalidState    xerrors.Code = "INVALID_STATE"
	CodeAnchoringFailed xerrors.Code = "ANCHORING_FAILED"
	CodeAnchorInFlight  xerrors.Code = "ANCHOR_IN_FLIGHT"
	CodeNotAnchored     xerrors.Code = "NOT_ANCHORED"
)

var (
	// ErrActionNotFound 表示行为不存在。
	ErrActionNotFound = xerrors.New(CodeActionNotFound, "action not found")
	// ErrAgentNotFound 表示智能体不在目录中。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrOutcomeNotFound 表示行为尚无结果记录。
	ErrOutcomeNotFound = xerrors.New(CodeOutcomeNotFound, "outcome not found")
	// ErrInvalidState 表示行为当前状态不允许该操作。
	ErrInvalidState = xerrors.New(CodeInvalidState, "invalid action state")
	// ErrAnchoringFailed 表示锚定网关调用未完成，行为保持 VERIFIED。
	ErrAnchoringFailed = xerrors.New(CodeAnchoringFailed, "anchoring failed")
	// ErrAnchorInFlight 表示同一行为已有锚定请求正在进行。
	ErrAnchorInFlight = xerrors.New(CodeAnchorInFlight, "anchoring already in flight")
	// ErrNotAnchored 表示行为尚无链上记录。
	ErrNotAnchored = xerrors.New(CodeNotAnchored, "action not anchored")
)

func init() {
	xerrors.Register(CodeActionNotFound, xerrors.Attributes{
		Message:  "action not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOutcomeNotFound, xerrors.Attributes{
		Message:  "outcome not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:  "invalid action state",
		Kind:     xerrors.KindInvalidState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAnchoringFailed, xerrors.Attributes{
		Message:   "anchoring failed",
		Kind:      xerrors.KindUnavailable,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNotAnchored, xerrors.Attributes{
		Message:  "action not anchored",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAnchorInFlight, xerrors.Attributes{
		Message:   "anchoring already in flight",
		Kind:      xerrors.KindInvalidState,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

func invalidState(actionID string, status Status, op string) error {
	return xerrors.New(CodeInvalidState,
		fmt.Sprintf("行为 %s 处于 %s 状态，不允许 %s", actionID, status, op),
		xerrors.WithMetadata("action_id", actionID),
		xerrors.WithMetadata("status", string(status)),
	)
}
