package reputation

import xerrors "ChaosCore/internal/errors"

// CodeScoreNotFound 表示智能体尚无信誉评分。
const CodeScoreNotFound xerrors.Code = "REPUTATION_NOT_FOUND"

// ErrScoreNotFound 是 CodeScoreNotFound 的哨兵值。
var ErrScoreNotFound = xerrors.New(CodeScoreNotFound, "reputation not found")

func init() {
	xerrors.Register(CodeScoreNotFound, xerrors.Attributes{
		Message:  "reputation not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
}
