package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ChaosCore/internal/anchor"
	"ChaosCore/internal/directory"
	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/events"
	"ChaosCore/internal/observability/alerting"
	"ChaosCore/internal/observability/metrics"
	"ChaosCore/pkg/logger"
)

const (
	component            = "ledger"
	defaultAnchorTimeout = 30 * time.Second
)

// Ledger 是行为账本服务。
type Ledger struct {
	store         Store
	directory     directory.Directory
	gateway       anchor.Gateway
	publisher     events.Publisher
	alerter       alerting.Dispatcher
	anchorTimeout time.Duration
	now           func() time.Time
	newID         func() string

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option 定义可选配置。
type Option func(*Ledger)

// WithAnchorTimeout 设置单次锚定调用的超时时间。
func WithAnchorTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.anchorTimeout = d
		}
	}
}

// WithPublisher 配置里程碑事件的发布器。
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.publisher = p
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(l *Ledger) {
		l.alerter = d
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator 替换行为 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// New 构造 Ledger。
func New(store Store, dir directory.Directory, gateway anchor.Gateway, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		directory:     dir,
		gateway:       gateway,
		publisher:     events.Nop{},
		anchorTimeout: defaultAnchorTimeout,
		now:           time.Now,
		newID:         uuid.NewString,
		inflight:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// LogAction 为已注册的智能体登记一条 PENDING 行为。
func (l *Ledger) LogAction(ctx context.Context, agentID string, actionType ActionType, description string, data map[string]any) (id string, err error) {
	defer metrics.Track(component, "log_action")(&err)

	if !actionType.Valid() {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "未知的行为类别: %s", actionType)
	}
	if err := l.requireAgent(ctx, agentID); err != nil {
		return "", err
	}

	now := l.now().UTC()
	rec := &Record{Action: Action{
		ID:          l.newID(),
		AgentID:     agentID,
		Type:        actionType,
		Description: description,
		Data:        cloneMap(data),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	if err := l.store.Create(ctx, rec); err != nil {
		return "", err
	}

	l.audit(rec.Action.ID, "", StatusPending, slog.String("agent_id", agentID), slog.String("type", string(actionType)))
	l.publish(ctx, events.TopicActionLogged, rec.Action.ID, map[string]any{
		"agent_id": agentID,
		"type":     string(actionType),
	})
	return rec.Action.ID, nil
}

// VerifyAction 记录验证者并将行为推进到 VERIFIED。同一验证者不会被重复记录。
// 允许智能体验证自己的行为。
func (l *Ledger) VerifyAction(ctx context.Context, actionID, verifierID string) (err error) {
	defer metrics.Track(component, "verify_action")(&err)

	rec, err := l.store.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if rec.Action.Status != StatusPending {
		return invalidState(actionID, rec.Action.Status, "验证")
	}
	if err := l.requireAgent(ctx, verifierID); err != nil {
		return err
	}

	_, err = l.store.Update(ctx, actionID, func(r *Record) error {
		if r.Action.Status != StatusPending {
			return invalidState(actionID, r.Action.Status, "验证")
		}
		if !r.HasVerifier(verifierID) {
			r.Verifiers = append(r.Verifiers, verifierID)
		}
		r.Action.Status = StatusVerified
		r.Action.UpdatedAt = l.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	l.audit(actionID, StatusPending, StatusVerified, slog.String("verifier_id", verifierID))
	l.publish(ctx, events.TopicActionVerified, actionID, map[string]any{"verifier_id": verifierID})
	return nil
}

// AnchorAction 将 VERIFIED 行为的数据哈希提交给锚定网关。网关调用受超时约束，
// 失败时行为保持 VERIFIED 并返回 ANCHORING_FAILED，调用方可重试。
func (l *Ledger) AnchorAction(ctx context.Context, actionID string) (record *OnChainRecord, err error) {
	defer metrics.Track(component, "anchor_action")(&err)

	rec, err := l.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.Action.Status != StatusVerified {
		return nil, invalidState(actionID, rec.Action.Status, "锚定")
	}
	if !l.acquireAnchor(actionID) {
		return nil, ErrAnchorInFlight
	}
	defer l.releaseAnchor(actionID)

	dataHash, err := anchor.DataHash(rec.Action.Data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算行为数据哈希失败", xerrors.WithMetadata("action_id", actionID))
	}

	callCtx, cancel := context.WithTimeout(ctx, l.anchorTimeout)
	receipt, gwErr := l.gateway.Anchor(callCtx, actionID, dataHash)
	cancel()
	if gwErr != nil {
		message := "锚定网关调用失败"
		if stdErrors.Is(gwErr, context.DeadlineExceeded) {
			message = "锚定网关调用超时"
		}
		failure := xerrors.Wrap(CodeAnchoringFailed, gwErr, message, xerrors.WithMetadata("action_id", actionID))
		logger.L().Error("行为锚定失败", slog.String("action_id", actionID), slog.Any("error", gwErr))
		l.alert(ctx, actionID, failure)
		return nil, failure
	}

	updated, err := l.store.Update(ctx, actionID, func(r *Record) error {
		if r.Action.Status != StatusVerified {
			return invalidState(actionID, r.Action.Status, "锚定")
		}
		r.OnChain = &OnChainRecord{
			ActionID:  actionID,
			TxRef:     receipt.TxRef,
			BlockRef:  receipt.BlockRef,
			Timestamp: receipt.Timestamp,
			DataHash:  dataHash,
			Verifiers: append([]string(nil), r.Verifiers...),
		}
		r.Action.Status = StatusAnchored
		r.Action.UpdatedAt = l.now().UTC()
		return nil
	})
	if err != nil {
		if xerrors.CodeOf(err) == CodeInvalidState {
			logger.L().Warn("锚定回执到达时行为状态已变化，回执被丢弃",
				slog.String("action_id", actionID), slog.String("tx_ref", receipt.TxRef))
		}
		return nil, err
	}

	l.audit(actionID, StatusVerified, StatusAnchored, slog.String("tx_ref", receipt.TxRef), slog.String("data_hash", dataHash))
	l.publish(ctx, events.TopicActionAnchored, actionID, map[string]any{
		"tx_ref":    receipt.TxRef,
		"block_ref": receipt.BlockRef,
		"data_hash": dataHash,
	})
	onChain := *updated.OnChain
	return &onChain, nil
}

// OutcomeOption 定义结果记录的可选字段。
type OutcomeOption func(*Outcome)

// WithVerificationProof 附加结果的验证证明。
func WithVerificationProof(proof string) OutcomeOption {
	return func(o *Outcome) {
		o.VerificationProof = proof
	}
}

// RecordOutcome 为 VERIFIED 或 ANCHORED 的行为写入唯一结果并推进到 COMPLETED。
func (l *Ledger) RecordOutcome(ctx context.Context, actionID string, success bool, impactScore float64, results map[string]any, opts ...OutcomeOption) (outcome *Outcome, err error) {
	defer metrics.Track(component, "record_outcome")(&err)

	if err := ValidateImpact(impactScore); err != nil {
		return nil, err
	}
	var from Status
	updated, err := l.store.Update(ctx, actionID, func(r *Record) error {
		switch r.Action.Status {
		case StatusVerified, StatusAnchored:
		case StatusPending, StatusCompleted, StatusRejected, StatusDisputed:
			return invalidState(actionID, r.Action.Status, "记录结果")
		default:
			return invalidState(actionID, r.Action.Status, "记录结果")
		}
		if r.Outcome != nil {
			return invalidState(actionID, r.Action.Status, "重复记录结果")
		}
		now := l.now().UTC()
		o := &Outcome{
			ActionID:    actionID,
			Success:     success,
			ImpactScore: impactScore,
			Results:     cloneMap(results),
			RecordedAt:  now,
		}
		for _, opt := range opts {
			if opt != nil {
				opt(o)
			}
		}
		from = r.Action.Status
		r.Outcome = o
		r.Action.Status = StatusCompleted
		r.Action.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.audit(actionID, from, StatusCompleted, slog.Bool("success", success), slog.Float64("impact_score", impactScore))
	l.publish(ctx, events.TopicActionCompleted, actionID, map[string]any{
		"success":      success,
		"impact_score": impactScore,
	})
	result := *updated.Outcome
	return &result, nil
}

// DisputeAction 将非终态行为标记为 DISPUTED 并保存原因，不做其他处理。
func (l *Ledger) DisputeAction(ctx context.Context, actionID, reason string) (err error) {
	defer metrics.Track(component, "dispute_action")(&err)
	return l.sideExit(ctx, actionID, StatusDisputed, reason, events.TopicActionDisputed, "争议")
}

// RejectAction 拒绝一条尚未验证的行为。
func (l *Ledger) RejectAction(ctx context.Context, actionID, reason string) (err error) {
	defer metrics.Track(component, "reject_action")(&err)
	return l.sideExit(ctx, actionID, StatusRejected, reason, events.TopicActionRejected, "拒绝")
}

func (l *Ledger) sideExit(ctx context.Context, actionID string, to Status, reason, topic, op string) error {
	var from Status
	_, err := l.store.Update(ctx, actionID, func(r *Record) error {
		if !r.Action.Status.CanTransition(to) {
			return invalidState(actionID, r.Action.Status, op)
		}
		from = r.Action.Status
		r.Action.Status = to
		r.Action.Reason = strings.TrimSpace(reason)
		r.Action.UpdatedAt = l.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	l.audit(actionID, from, to, slog.String("reason", reason))
	l.publish(ctx, topic, actionID, map[string]any{"reason": reason})
	return nil
}

// AttachAttestation 为非终态行为设置证明材料。DISPUTED 行为仍可附加，作为外部裁决的依据。
func (l *Ledger) AttachAttestation(ctx context.Context, actionID, attestation string) (err error) {
	defer metrics.Track(component, "attach_attestation")(&err)

	_, err = l.store.Update(ctx, actionID, func(r *Record) error {
		if r.Action.Status.Terminal() {
			return invalidState(actionID, r.Action.Status, "附加证明")
		}
		r.Action.Attestation = attestation
		r.Action.UpdatedAt = l.now().UTC()
		return nil
	})
	return err
}

// GetAction 返回行为副本。
func (l *Ledger) GetAction(ctx context.Context, actionID string) (*Action, error) {
	rec, err := l.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	return &rec.Action, nil
}

// GetOutcome 返回行为结果，尚未记录时返回 ErrOutcomeNotFound。
func (l *Ledger) GetOutcome(ctx context.Context, actionID string) (*Outcome, error) {
	rec, err := l.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.Outcome == nil {
		return nil, ErrOutcomeNotFound
	}
	return rec.Outcome, nil
}

// Verifiers 返回行为的验证者列表。
func (l *Ledger) Verifiers(ctx context.Context, actionID string) ([]string, error) {
	rec, err := l.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	return rec.Verifiers, nil
}

// OnChainRecord 返回缓存的锚定回执。
func (l *Ledger) OnChainRecord(ctx context.Context, actionID string) (*OnChainRecord, error) {
	rec, err := l.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.OnChain == nil {
		return nil, ErrNotAnchored
	}
	return rec.OnChain, nil
}

// Snapshot 返回行为、验证者与结果的一致性快照。
func (l *Ledger) Snapshot(ctx context.Context, actionID string) (*Record, error) {
	return l.store.Get(ctx, actionID)
}

// ListActions 返回满足条件的行为 ID。调用方不应依赖返回顺序。
func (l *Ledger) ListActions(ctx context.Context, filter Filter) ([]string, error) {
	actions, err := l.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// AgentActions 按时间窗口与分页返回智能体的行为。
func (l *Ledger) AgentActions(ctx context.Context, agentID string, filter Filter) ([]*Action, error) {
	filter.AgentID = agentID
	return l.store.List(ctx, filter)
}

// AgentHistory 返回智能体发起的全部行为记录，不做缓存。
func (l *Ledger) AgentHistory(ctx context.Context, agentID string) ([]*Record, error) {
	return l.store.AgentRecords(ctx, agentID)
}

// VerificationCount 返回智能体在全系统范围内验证过的不同行为数量。
func (l *Ledger) VerificationCount(ctx context.Context, agentID string) (int, error) {
	return l.store.CountVerifiedBy(ctx, agentID)
}

// Stats 返回各状态的行为数量。
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	return l.store.Stats(ctx)
}

// ValidateImpact 检查影响分是否落在 [0,1]。
func ValidateImpact(score float64) error {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("impact_score 必须位于 [0,1]，当前为 %v", score))
	}
	return nil
}

func (l *Ledger) requireAgent(ctx context.Context, agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(CodeAgentNotFound, "智能体 ID 为空")
	}
	ok, err := l.directory.Exists(ctx, agentID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体目录失败", xerrors.WithMetadata("agent_id", agentID))
	}
	if !ok {
		return xerrors.New(CodeAgentNotFound, fmt.Sprintf("智能体 %s 不存在", agentID), xerrors.WithMetadata("agent_id", agentID))
	}
	return nil
}

func (l *Ledger) acquireAnchor(actionID string) bool {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	if _, busy := l.inflight[actionID]; busy {
		return false
	}
	l.inflight[actionID] = struct{}{}
	return true
}

func (l *Ledger) releaseAnchor(actionID string) {
	l.inflightMu.Lock()
	delete(l.inflight, actionID)
	l.inflightMu.Unlock()
}

func (l *Ledger) audit(actionID string, from, to Status, attrs ...slog.Attr) {
	metrics.ObserveTransition("action", string(to))
	args := []any{
		slog.String("action_id", actionID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	}
	for _, attr := range attrs {
		args = append(args, attr)
	}
	logger.Audit().Info("行为状态变更", args...)
}

func (l *Ledger) publish(ctx context.Context, topic, actionID string, payload map[string]any) {
	if err := l.publisher.Publish(ctx, events.New(topic, actionID, payload)); err != nil {
		logger.L().Warn("发布账本事件失败",
			slog.String("topic", topic), slog.String("action_id", actionID), slog.Any("error", err))
	}
}

func (l *Ledger) alert(ctx context.Context, actionID string, err error) {
	if l.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := l.alerter.Notify(ctx, alerting.FromError(component, actionID, err)); notifyErr != nil {
		logger.L().Warn("发送告警失败", slog.String("action_id", actionID), slog.Any("error", notifyErr))
	}
}
