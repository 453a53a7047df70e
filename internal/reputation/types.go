package reputation

import (
	"fmt"
	"math"
	"time"

	xerrors "ChaosCore/internal/errors"
)

// 排行榜可选的分项。空字符串表示按总分排序。
const (
	CategoryOverall       = ""
	CategoryActionQuality = "action_quality"
	CategoryVerification  = "verification"
	CategoryConsistency   = "consistency"
)

const (
	maxScore                  = 100.0
	defaultVerificationPoints = 10.0
	weightTolerance           = 1e-9
)

// Components 是评分的三个分项。
type Components struct {
	ActionQuality float64 `json:"action_quality"`
	Verification  float64 `json:"verification"`
	Consistency   float64 `json:"consistency"`
}

// Score 是一次信誉计算的结果。
type Score struct {
	AgentID    string         `json:"agent_id"`
	Overall    float64        `json:"overall"`
	Components Components     `json:"components"`
	ComputedAt time.Time      `json:"computed_at"`
	Details    map[string]any `json:"details,omitempty"`
}

// Value 返回指定分项的分值。
func (s Score) Value(category string) (float64, error) {
	switch category {
	case CategoryOverall, "overall":
		return s.Overall, nil
	case CategoryActionQuality:
		return s.Components.ActionQuality, nil
	case CategoryVerification:
		return s.Components.Verification, nil
	case CategoryConsistency:
		return s.Components.Consistency, nil
	default:
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的信誉分项: %s", category)
	}
}

// Ranking 是排行榜中的一项。
type Ranking struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Weights 是总分的加权系数，三者之和必须为 1.0。
type Weights struct {
	ActionQuality float64 `json:"action_quality"`
	Verification  float64 `json:"verification"`
	Consistency   float64 `json:"consistency"`
}

// DefaultWeights 返回 0.5/0.3/0.2 的默认权重。
func DefaultWeights() Weights {
	return Weights{ActionQuality: 0.5, Verification: 0.3, Consistency: 0.2}
}

// Validate 检查权重非负且和为 1.0。
func (w Weights) Validate() error {
	if w.ActionQuality < 0 || w.Verification < 0 || w.Consistency < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "信誉权重不能为负数")
	}
	sum := w.ActionQuality + w.Verification + w.Consistency
	if math.Abs(sum-1.0) > weightTolerance {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("信誉权重之和必须为 1.0，当前为 %.4f", sum))
	}
	return nil
}

func (w Weights) overall(c Components) float64 {
	return w.ActionQuality*c.ActionQuality + w.Verification*c.Verification + w.Consistency*c.Consistency
}

func (w Weights) details() map[string]any {
	return map[string]any{
		"method": "weighted_average",
		"weights": map[string]any{
			CategoryActionQuality: w.ActionQuality,
			CategoryVerification:  w.Verification,
			CategoryConsistency:   w.Consistency,
		},
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > maxScore {
		return maxScore
	}
	return v
}

func cloneScore(s Score) Score {
	if s.Details != nil {
		details := make(map[string]any, len(s.Details))
		for k, v := range s.Details {
			details[k] = v
		}
		s.Details = details
	}
	return s
}
