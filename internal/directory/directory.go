// Package directory 提供只读的智能体目录，账本与信誉引擎通过它确认智能体身份。
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Directory 是智能体目录的只读视图。
type Directory interface {
	// Exists 判断智能体是否已注册。
	Exists(ctx context.Context, agentID string) (bool, error)
	// IsActive 判断智能体是否处于可用状态，未注册的智能体视为不可用。
	IsActive(ctx context.Context, agentID string) (bool, error)
	// List 返回全部已注册智能体的 ID。
	List(ctx context.Context) ([]string, error)
}

// MemoryDirectory 基于内存的静态目录，适用于测试与单机部署。
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]bool
}

// NewMemoryDirectory 创建目录并注册给定的活跃智能体。
func NewMemoryDirectory(agentIDs ...string) *MemoryDirectory {
	d := &MemoryDirectory{agents: make(map[string]bool, len(agentIDs))}
	for _, id := range agentIDs {
		d.Register(id, true)
	}
	return d
}

// Register 新增或更新一个智能体。
func (d *MemoryDirectory) Register(agentID string, active bool) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return
	}
	d.mu.Lock()
	d.agents[agentID] = active
	d.mu.Unlock()
}

// Exists 实现 Directory 接口。
func (d *MemoryDirectory) Exists(_ context.Context, agentID string) (bool, error) {
	d.mu.RLock()
	_, ok := d.agents[agentID]
	d.mu.RUnlock()
	return ok, nil
}

// IsActive 实现 Directory 接口。
func (d *MemoryDirectory) IsActive(_ context.Context, agentID string) (bool, error) {
	d.mu.RLock()
	active := d.agents[agentID]
	d.mu.RUnlock()
	return active, nil
}

// List 实现 Directory 接口，结果按 ID 排序。
func (d *MemoryDirectory) List(_ context.Context) ([]string, error) {
	d.mu.RLock()
	ids := make([]string, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}
