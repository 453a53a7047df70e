package reward

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ChaosCore/internal/config"
	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/ledger"
	"ChaosCore/internal/observability/alerting"
	"ChaosCore/internal/observability/metrics"
	"ChaosCore/pkg/logger"
)

const component = "reward"

// Policy 是奖励公式的可调参数。
type Policy struct {
	BaseReward        float64
	VerifierShare     float64
	FailureMultiplier float64
}

// DefaultPolicy 返回默认策略：基础奖励 100，验证者 10%，失败系数 0.25。
func DefaultPolicy() Policy {
	return Policy{BaseReward: 100, VerifierShare: 0.10, FailureMultiplier: 0.25}
}

// PolicyFromConfig 从配置构造策略。未设置的字段使用默认值，显式的 0 保留。
func PolicyFromConfig(cfg config.RewardConfig) Policy {
	p := DefaultPolicy()
	if cfg.BaseReward != nil {
		p.BaseReward = *cfg.BaseReward
	}
	if cfg.VerifierShare != nil {
		p.VerifierShare = *cfg.VerifierShare
	}
	if cfg.FailureMultiplier != nil {
		p.FailureMultiplier = *cfg.FailureMultiplier
	}
	return p
}

// Source 提供计算奖励所需的账本快照，*ledger.Ledger 满足该接口。
type Source interface {
	Snapshot(ctx context.Context, actionID string) (*ledger.Record, error)
}

type cacheEntry struct {
	fingerprint string
	rewards     map[string]float64
}

type paidEntry struct {
	fingerprint string
	dist        Distribution
}

// payment 是一次进行中的发放，done 关闭后 ref 与 err 可读。
type payment struct {
	fingerprint string
	done        chan struct{}
	ref         string
	err         error
}

// Engine 计算并发放奖励。
type Engine struct {
	source  Source
	payout  Payout
	policy  Policy
	alerter alerting.Dispatcher
	now     func() time.Time

	mu            sync.Mutex
	cache         map[string]cacheEntry
	distributions map[string]paidEntry
	inflight      map[string]*payment
}

// Option 定义可选配置。
type Option func(*Engine)

// WithPolicy 覆盖默认奖励策略。
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithAlertDispatcher 配置发放失败时的告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = d
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 构造奖励引擎。
func NewEngine(source Source, payout Payout, opts ...Option) *Engine {
	e := &Engine{
		source:        source,
		payout:        payout,
		policy:        DefaultPolicy(),
		now:           time.Now,
		cache:         make(map[string]cacheEntry),
		distributions: make(map[string]paidEntry),
		inflight:      make(map[string]*payment),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy 返回当前策略。
func (e *Engine) Policy() Policy {
	return e.policy
}

// ComputeRewards 计算行为的奖励分配。行为必须处于 COMPLETED 且已有结果。
// 输入未变化时直接返回缓存结果。
func (e *Engine) ComputeRewards(ctx context.Context, actionID string) (rewards map[string]float64, err error) {
	defer metrics.Track(component, "compute_rewards")(&err)

	rewards, _, err = e.rewards(ctx, actionID)
	return rewards, err
}

func (e *Engine) rewards(ctx context.Context, actionID string) (map[string]float64, string, error) {
	rec, err := e.source.Snapshot(ctx, actionID)
	if err != nil {
		return nil, "", err
	}
	if rec.Action.Status != ledger.StatusCompleted || rec.Outcome == nil {
		return nil, "", xerrors.New(ledger.CodeInvalidState,
			fmt.Sprintf("行为 %s 处于 %s 状态，不能计算奖励", actionID, rec.Action.Status),
			xerrors.WithMetadata("action_id", actionID),
			xerrors.WithMetadata("status", string(rec.Action.Status)),
		)
	}

	fp := e.fingerprint(rec)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.cache[actionID]; ok && cached.fingerprint == fp {
		return copyRewards(cached.rewards), fp, nil
	}
	computed := e.compute(rec)
	e.cache[actionID] = cacheEntry{fingerprint: fp, rewards: computed}
	return copyRewards(computed), fp, nil
}

// DistributeRewards 计算奖励并交由支付方发放，返回发放凭据。
// 同一行为在输入未变化时只发放一次：重复或并发的调用等待首次发放并返回同一凭据。
func (e *Engine) DistributeRewards(ctx context.Context, actionID string) (ref string, err error) {
	defer metrics.Track(component, "distribute_rewards")(&err)

	rewards, fp, err := e.rewards(ctx, actionID)
	if err != nil {
		wrapped := xerrors.Wrap(CodeDistributionFailed, err, "无法计算奖励",
			xerrors.WithMetadata("action_id", actionID),
			xerrors.WithRetryable(xerrors.RetryableError(err)))
		return "", wrapped
	}

	for {
		e.mu.Lock()
		if prior, ok := e.distributions[actionID]; ok && prior.fingerprint == fp {
			e.mu.Unlock()
			return prior.dist.Ref, nil
		}
		if p, ok := e.inflight[actionID]; ok {
			e.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return "", xerrors.Wrap(CodeDistributionFailed, ctx.Err(), "等待进行中的发放被取消",
					xerrors.WithMetadata("action_id", actionID))
			}
			if p.fingerprint == fp {
				return p.ref, p.err
			}
			continue
		}
		p := &payment{fingerprint: fp, done: make(chan struct{})}
		e.inflight[actionID] = p
		e.mu.Unlock()
		return e.pay(ctx, actionID, rewards, p)
	}
}

// pay 执行已登记的发放，结束时释放 inflight 并唤醒等待者。
func (e *Engine) pay(ctx context.Context, actionID string, rewards map[string]float64, p *payment) (string, error) {
	dist := Distribution{ActionID: actionID, Rewards: rewards, CreatedAt: e.now().UTC()}
	ref, err := e.payout.Pay(ctx, dist)
	if err != nil {
		err = xerrors.Wrap(CodeDistributionFailed, err, "支付方拒绝发放", xerrors.WithMetadata("action_id", actionID))
		ref = ""
	}
	dist.Ref = ref

	e.mu.Lock()
	if err == nil {
		e.distributions[actionID] = paidEntry{fingerprint: p.fingerprint, dist: dist}
	}
	delete(e.inflight, actionID)
	p.ref, p.err = ref, err
	close(p.done)
	e.mu.Unlock()

	if err != nil {
		e.alert(ctx, actionID, err)
		return "", err
	}
	logger.Audit().Info("奖励已发放",
		slog.String("action_id", actionID),
		slog.String("ref", ref),
		slog.Any("rewards", rewards),
	)
	return ref, nil
}

// Distribution 返回已发放的记录。
func (e *Engine) Distribution(actionID string) (Distribution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.distributions[actionID]
	if !ok {
		return Distribution{}, false
	}
	dist := entry.dist
	dist.Rewards = copyRewards(dist.Rewards)
	return dist, true
}

func (e *Engine) compute(rec *ledger.Record) map[string]float64 {
	rewards := make(map[string]float64, len(rec.Verifiers)+1)
	multiplier := 1.0
	if !rec.Outcome.Success {
		multiplier = e.policy.FailureMultiplier
	}
	rewards[rec.Action.AgentID] = e.policy.BaseReward * rec.Outcome.ImpactScore * multiplier

	share := e.policy.BaseReward * e.policy.VerifierShare
	seen := make(map[string]struct{}, len(rec.Verifiers))
	for _, verifier := range rec.Verifiers {
		if _, dup := seen[verifier]; dup {
			continue
		}
		seen[verifier] = struct{}{}
		rewards[verifier] += share
	}
	return rewards
}

func (e *Engine) fingerprint(rec *ledger.Record) string {
	verifiers := append([]string(nil), rec.Verifiers...)
	sort.Strings(verifiers)
	parts := []string{
		rec.Action.AgentID,
		strconv.FormatBool(rec.Outcome.Success),
		strconv.FormatFloat(rec.Outcome.ImpactScore, 'g', -1, 64),
		strings.Join(verifiers, ","),
		strconv.FormatFloat(e.policy.BaseReward, 'g', -1, 64),
		strconv.FormatFloat(e.policy.VerifierShare, 'g', -1, 64),
		strconv.FormatFloat(e.policy.FailureMultiplier, 'g', -1, 64),
	}
	return strings.Join(parts, "|")
}

func (e *Engine) alert(ctx context.Context, actionID string, err error) {
	if e.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := e.alerter.Notify(ctx, alerting.FromError(component, actionID, err)); notifyErr != nil {
		logger.L().Warn("发送告警失败", slog.String("action_id", actionID), slog.Any("error", notifyErr))
	}
}

func copyRewards(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
