package ledger

import "context"

// Store 抽象了账本记录的持久化，所有写入以单条行为为单位保持原子性。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Update 在 id 对应的记录副本上执行 fn，fn 返回错误时不写入任何改动。
	Update(ctx context.Context, id string, fn func(rec *Record) error) (*Record, error)
	// List 按创建时间升序返回满足条件的行为。
	List(ctx context.Context, filter Filter) ([]*Action, error)
	// AgentRecords 返回智能体发起的全部行为记录。
	AgentRecords(ctx context.Context, agentID string) ([]*Record, error)
	// CountVerifiedBy 返回该智能体验证过的不同行为数量。
	CountVerifiedBy(ctx context.Context, verifierID string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
