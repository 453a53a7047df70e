package ledger

import (
	"strings"
	"time"

	xerrors "ChaosCore/internal/errors"
)

// ActionType 是行为类别。
type ActionType string

const (
	TypeAnalyze     ActionType = "analyze"
	TypePropose     ActionType = "propose"
	TypeVerify      ActionType = "verify"
	TypeExecute     ActionType = "execute"
	TypeMonitor     ActionType = "monitor"
	TypeCollaborate ActionType = "collaborate"
)

// ParseActionType 不区分大小写地解析行为类别。
func ParseActionType(raw string) (ActionType, error) {
	t := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "未知的行为类别: %s", raw)
	}
	return t, nil
}

// Valid 判断行为类别是否为支持的枚举值。
func (t ActionType) Valid() bool {
	switch t {
	case TypeAnalyze, TypePropose, TypeVerify, TypeExecute, TypeMonitor, TypeCollaborate:
		return true
	default:
		return false
	}
}

// Status 表示行为所处的生命周期阶段。
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusAnchored  Status = "anchored"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusDisputed  Status = "disputed"
)

// Valid 判断状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusAnchored, StatusCompleted, StatusRejected, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。DISPUTED 等待外部策略裁决，不是终态，
// 但核心内没有任何迁移可以离开它，只允许继续附加证明。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected:
		return true
	case StatusPending, StatusVerified, StatusAnchored, StatusDisputed:
		return false
	default:
		return false
	}
}

// CanTransition 返回从 s 到 next 是否为合法的状态迁移。DISPUTED 没有出口。
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusVerified || next == StatusRejected || next == StatusDisputed
	case StatusVerified:
		return next == StatusAnchored || next == StatusCompleted || next == StatusDisputed
	case StatusAnchored:
		return next == StatusCompleted || next == StatusDisputed
	case StatusDisputed, StatusCompleted, StatusRejected:
		return false
	default:
		return false
	}
}

// Action 是一条被登记的智能体行为。
type Action struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        ActionType     `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	Status      Status         `json:"status"`
	Attestation string         `json:"attestation,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Outcome 是行为完成后的唯一结果记录，写入后不可修改。
type Outcome struct {
	ActionID          string         `json:"action_id"`
	Success           bool           `json:"success"`
	ImpactScore       float64        `json:"impact_score"`
	Results           map[string]any `json:"results,omitempty"`
	VerificationProof string         `json:"verification_proof,omitempty"`
	RecordedAt        time.Time      `json:"recorded_at"`
}

// OnChainRecord 缓存锚定网关返回的回执，仅供参考。
type OnChainRecord struct {
	ActionID  string    `json:"action_id"`
	TxRef     string    `json:"tx_ref"`
	BlockRef  string    `json:"block_ref"`
	Timestamp time.Time `json:"timestamp"`
	DataHash  string    `json:"data_hash"`
	Verifiers []string  `json:"verifiers"`
}

// Record 聚合同一行为的全部账本数据，存储层以它为单位原子读写。
type Record struct {
	Action    Action
	Verifiers []string
	Outcome   *Outcome
	OnChain   *OnChainRecord
}

// HasVerifier 判断 verifierID 是否已验证过该行为。
func (r *Record) HasVerifier(verifierID string) bool {
	for _, v := range r.Verifiers {
		if v == verifierID {
			return true
		}
	}
	return false
}

// Filter 控制 ListActions 与 AgentActions 的筛选条件。零值表示不过滤。
type Filter struct {
	AgentID string
	Type    ActionType
	Status  Status
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// Matches 判断行为是否满足过滤条件，不考虑分页。
func (f Filter) Matches(a *Action) bool {
	if f.AgentID != "" && a.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Stats 汇总各状态的行为数量。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Verified  int `json:"verified"`
	Anchored  int `json:"anchored"`
	Completed int `json:"completed"`
	Rejected  int `json:"rejected"`
	Disputed  int `json:"disputed"`
}

func (s *Stats) add(status Status) {
	s.addN(status, 1)
}

func (s *Stats) addN(status Status, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusVerified:
		s.Verified += n
	case StatusAnchored:
		s.Anchored += n
	case StatusCompleted:
		s.Completed += n
	case StatusRejected:
		s.Rejected += n
	case StatusDisputed:
		s.Disputed += n
	}
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	clone := &Record{Action: r.Action}
	clone.Action.Data = cloneMap(r.Action.Data)
	clone.Verifiers = append([]string(nil), r.Verifiers...)
	if r.Outcome != nil {
		outcome := *r.Outcome
		outcome.Results = cloneMap(r.Outcome.Results)
		clone.Outcome = &outcome
	}
	if r.OnChain != nil {
		onChain := *r.OnChain
		onChain.Verifiers = append([]string(nil), r.OnChain.Verifiers...)
		clone.OnChain = &onChain
	}
	return clone
}

func cloneAction(a *Action) *Action {
	clone := *a
	clone.Data = cloneMap(a.Data)
	return &clone
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
