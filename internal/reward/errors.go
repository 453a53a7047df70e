package reward

import xerrors "ChaosCore/internal/errors"

// CodeDistributionFailed 表示奖励无法计算或支付方拒绝了发放请求。
const CodeDistributionFailed xerrors.Code = "DISTRIBUTION_FAILED"

// ErrDistributionFailed 是 CodeDistributionFailed 的哨兵值。
var ErrDistributionFailed = xerrors.New(CodeDistributionFailed, "reward distribution failed")

func init() {
	xerrors.Register(CodeDistributionFailed, xerrors.Attributes{
		Message:   "reward distribution failed",
		Kind:      xerrors.KindUnavailable,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
