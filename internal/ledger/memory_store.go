package ledger

import (
	"context"
	"sort"
	"sync"

	xerrors "ChaosCore/internal/errors"
)

// entry 是单条行为的存储单元，拥有独立的锁。
type entry struct {
	mu  sync.Mutex
	seq uint64
	rec *Record
}

func (e *entry) snapshot() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRecord(e.rec)
}

// MemoryStore 以内存方式保存账本。索引锁只在插入与查找时持有，
// 单条行为的读写由各自的锁串行化。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec == nil || rec.Action.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "行为 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[rec.Action.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "行为已存在", xerrors.WithMetadata("action_id", rec.Action.ID))
	}
	m.seq++
	m.entries[rec.Action.ID] = &entry{seq: m.seq, rec: cloneRecord(rec)}
	return nil
}

func (m *MemoryStore) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrActionNotFound
	}
	return e.snapshot(), nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, id string, fn func(rec *Record) error) (*Record, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrActionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	working := cloneRecord(e.rec)
	if err := fn(working); err != nil {
		return nil, err
	}
	e.rec = working
	return cloneRecord(working), nil
}

type seqRecord struct {
	seq uint64
	rec *Record
}

// all 返回全部记录的快照，按插入顺序排列。
func (m *MemoryStore) all() []seqRecord {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]seqRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, seqRecord{seq: e.seq, rec: e.snapshot()})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].rec.Action.CreatedAt, out[j].rec.Action.CreatedAt
		if ai.Equal(aj) {
			return out[i].seq < out[j].seq
		}
		return ai.Before(aj)
	})
	return out
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Action, error) {
	var matched []*Action
	for _, item := range m.all() {
		if filter.Matches(&item.rec.Action) {
			matched = append(matched, cloneAction(&item.rec.Action))
		}
	}
	return paginate(matched, filter.Offset, filter.Limit), nil
}

// AgentRecords 实现 Store 接口。
func (m *MemoryStore) AgentRecords(_ context.Context, agentID string) ([]*Record, error) {
	var out []*Record
	for _, item := range m.all() {
		if item.rec.Action.AgentID == agentID {
			out = append(out, item.rec)
		}
	}
	return out, nil
}

// CountVerifiedBy 实现 Store 接口。
func (m *MemoryStore) CountVerifiedBy(_ context.Context, verifierID string) (int, error) {
	count := 0
	for _, item := range m.all() {
		if item.rec.HasVerifier(verifierID) {
			count++
		}
	}
	return count, nil
}

// Stats 实现 Store 接口。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	var stats Stats
	for _, item := range m.all() {
		stats.add(item.rec.Action.Status)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
