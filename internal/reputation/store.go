package reputation

import (
	"context"
	"sync"
)

// Store 保存信誉评分历史，只追加不修改。
type Store interface {
	Append(ctx context.Context, score Score) error
	// Latest 返回最新评分，不存在时返回 ErrScoreNotFound。
	Latest(ctx context.Context, agentID string) (Score, error)
	// History 按时间倒序返回最多 limit 条评分，limit <= 0 表示全部。
	History(ctx context.Context, agentID string, limit int) ([]Score, error)
	// LatestAll 返回每个智能体的最新评分。
	LatestAll(ctx context.Context) ([]Score, error)
	Close() error
}

// MemoryStore 是基于内存的评分历史，追加顺序即时间顺序。
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]Score
}

// NewMemoryStore 创建空的评分历史。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]Score)}
}

// Append 实现 Store 接口。
func (s *MemoryStore) Append(_ context.Context, score Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[score.AgentID] = append(s.history[score.AgentID], cloneScore(score))
	return nil
}

// Latest 实现 Store 接口。
func (s *MemoryStore) Latest(_ context.Context, agentID string) (Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := s.history[agentID]
	if len(scores) == 0 {
		return Score{}, ErrScoreNotFound
	}
	return cloneScore(scores[len(scores)-1]), nil
}

// History 实现 Store 接口。
func (s *MemoryStore) History(_ context.Context, agentID string, limit int) ([]Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := s.history[agentID]
	out := make([]Score, 0, len(scores))
	for i := len(scores) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneScore(scores[i]))
	}
	return out, nil
}

// LatestAll 实现 Store 接口。
func (s *MemoryStore) LatestAll(_ context.Context) ([]Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Score, 0, len(s.history))
	for _, scores := range s.history {
		if len(scores) > 0 {
			out = append(out, cloneScore(scores[len(scores)-1]))
		}
	}
	return out, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
