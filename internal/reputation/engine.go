package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ChaosCore/internal/config"
	"ChaosCore/internal/directory"
	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/ledger"
	"ChaosCore/internal/observability/metrics"
	"ChaosCore/pkg/logger"
)

const (
	component          = "reputation"
	defaultConcurrency = 4
)

// Source 提供智能体的账本历史，*ledger.Ledger 满足该接口。
type Source interface {
	AgentHistory(ctx context.Context, agentID string) ([]*ledger.Record, error)
	VerificationCount(ctx context.Context, agentID string) (int, error)
}

// Engine 负责计算与查询信誉评分。
type Engine struct {
	source             Source
	directory          directory.Directory
	store              Store
	weights            Weights
	verificationPoints float64
	concurrency        int
	now                func() time.Time
}

// Option 定义可选配置。
type Option func(*Engine)

// WithWeights 覆盖默认权重，NewEngine 会校验其和为 1.0。
func WithWeights(w Weights) Option {
	return func(e *Engine) {
		e.weights = w
	}
}

// WithVerificationPoints 设置每次验证贡献的分数。
func WithVerificationPoints(points float64) Option {
	return func(e *Engine) {
		if points > 0 {
			e.verificationPoints = points
		}
	}
}

// WithConcurrency 设置批量刷新时的并发度。
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
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

// OptionsFromConfig 把配置转换为引擎选项。
func OptionsFromConfig(cfg config.ReputationConfig) []Option {
	return []Option{
		WithWeights(Weights{
			ActionQuality: cfg.ActionQualityWeight,
			Verification:  cfg.VerificationWeight,
			Consistency:   cfg.ConsistencyWeight,
		}),
		WithVerificationPoints(cfg.VerificationPoints),
		WithConcurrency(cfg.Concurrency),
	}
}

// NewEngine 构造信誉引擎，权重不合法时返回错误。
func NewEngine(source Source, dir directory.Directory, store Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		source:             source,
		directory:          dir,
		store:              store,
		weights:            DefaultWeights(),
		verificationPoints: defaultVerificationPoints,
		concurrency:        defaultConcurrency,
		now:                time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.weights.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Weights 返回当前权重。
func (e *Engine) Weights() Weights {
	return e.weights
}

// ComputeReputation 读取智能体的完整历史计算评分，并追加到历史中。
func (e *Engine) ComputeReputation(ctx context.Context, agentID string) (score *Score, err error) {
	defer metrics.Track(component, "compute_reputation")(&err)

	ok, err := e.directory.Exists(ctx, agentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体目录失败", xerrors.WithMetadata("agent_id", agentID))
	}
	if !ok {
		return nil, xerrors.New(ledger.CodeAgentNotFound, fmt.Sprintf("智能体 %s 不存在", agentID), xerrors.WithMetadata("agent_id", agentID))
	}

	history, err := e.source.AgentHistory(ctx, agentID)
	if err != nil {
		return nil, err
	}
	verified, err := e.source.VerificationCount(ctx, agentID)
	if err != nil {
		return nil, err
	}

	components := Components{
		ActionQuality: clamp(actionQuality(history)),
		Verification:  clamp(float64(verified) * e.verificationPoints),
		Consistency:   clamp(consistency(history)),
	}
	result := Score{
		AgentID:    agentID,
		Overall:    clamp(e.weights.overall(components)),
		Components: components,
		ComputedAt: e.now().UTC(),
		Details:    e.weights.details(),
	}
	if err := e.store.Append(ctx, result); err != nil {
		return nil, err
	}
	metrics.SetReputation(agentID, result.Overall)
	logger.Audit().Info("信誉评分已更新",
		slog.String("agent_id", agentID),
		slog.Float64("overall", result.Overall),
		slog.Int("actions", len(history)),
		slog.Int("verifications", verified),
	)
	return &result, nil
}

// GetReputation 返回最新评分，不存在时返回 ErrScoreNotFound。
func (e *Engine) GetReputation(ctx context.Context, agentID string) (*Score, error) {
	score, err := e.store.Latest(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &score, nil
}

// GetReputationHistory 按时间倒序返回最多 limit 条评分。
func (e *Engine) GetReputationHistory(ctx context.Context, agentID string, limit int) ([]Score, error) {
	return e.store.History(ctx, agentID, limit)
}

// GetTopAgents 按最新评分降序返回排行榜，分值相同时按智能体 ID 升序。
// category 为空时按总分排序，否则按对应分项排序。limit <= 0 表示不限制。
func (e *Engine) GetTopAgents(ctx context.Context, limit int, category string) ([]Ranking, error) {
	if _, err := (Score{}).Value(category); err != nil {
		return nil, err
	}
	latest, err := e.store.LatestAll(ctx)
	if err != nil {
		return nil, err
	}
	rankings := make([]Ranking, 0, len(latest))
	for _, score := range latest {
		value, _ := score.Value(category)
		rankings = append(rankings, Ranking{AgentID: score.AgentID, Score: value})
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Score != rankings[j].Score {
			return rankings[i].Score > rankings[j].Score
		}
		return rankings[i].AgentID < rankings[j].AgentID
	})
	if limit > 0 && len(rankings) > limit {
		rankings = rankings[:limit]
	}
	return rankings, nil
}

// UpdateAllReputations 为目录中的每个智能体重新计算评分，返回各自的总分。
func (e *Engine) UpdateAllReputations(ctx context.Context) (map[string]float64, error) {
	agents, err := e.directory.List(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出智能体失败")
	}

	var (
		mu      sync.Mutex
		results = make(map[string]float64, len(agents))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, agentID := range agents {
		g.Go(func() error {
			score, err := e.ComputeReputation(gctx, agentID)
			if err != nil {
				return err
			}
			mu.Lock()
			results[agentID] = score.Overall
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Run 按固定间隔刷新全部信誉评分，直到 ctx 结束。
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scores, err := e.UpdateAllReputations(ctx)
			if err != nil {
				logger.L().Warn("刷新信誉评分失败", slog.Any("error", err))
				continue
			}
			logger.L().Debug("信誉评分已刷新", slog.Int("agents", len(scores)))
		}
	}
}

func actionQuality(history []*ledger.Record) float64 {
	var (
		total float64
		count int
	)
	for _, rec := range history {
		if rec.Action.Status != ledger.StatusCompleted || rec.Outcome == nil {
			continue
		}
		total += rec.Outcome.ImpactScore * maxScore
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func consistency(history []*ledger.Record) float64 {
	if len(history) == 0 {
		return 0
	}
	successful := 0
	for _, rec := range history {
		if rec.Action.Status == ledger.StatusCompleted && rec.Outcome != nil && rec.Outcome.Success {
			successful++
		}
	}
	return float64(successful) / float64(len(history)) * maxScore
}
