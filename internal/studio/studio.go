package studio

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/observability/metrics"
	"ChaosCore/pkg/logger"
)

// Studio 是承载一张任务图的工作空间。
type Studio struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	graph *Graph
}

// Graph 返回工作室拥有的任务图。
func (s *Studio) Graph() *Graph {
	return s.graph
}

// Registry 管理工作室的创建与删除。
type Registry struct {
	now       func() time.Time
	newID     func() string
	graphOpts []GraphOption

	mu      sync.RWMutex
	studios map[string]*Studio
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithRegistryClock 替换时间来源，同时作用于新建的任务图。
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
			r.graphOpts = append(r.graphOpts, WithGraphClock(now))
		}
	}
}

// WithStudioIDGenerator 替换工作室 ID 生成器。
func WithStudioIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithGraphOptions 为每个新建的任务图附加配置，例如观察者。
func WithGraphOptions(opts ...GraphOption) RegistryOption {
	return func(r *Registry) {
		r.graphOpts = append(r.graphOpts, opts...)
	}
}

// NewRegistry 创建空的工作室注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		now:     time.Now,
		newID:   uuid.NewString,
		studios: make(map[string]*Studio),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// CreateStudio 创建工作室及其空任务图。
func (r *Registry) CreateStudio(_ context.Context, name, description string, metadata map[string]any) (studio *Studio, err error) {
	defer metrics.Track(component, "create_studio")(&err)

	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作室名称不能为空")
	}
	id := r.newID()
	studio = &Studio{
		ID:          id,
		Name:        name,
		Description: description,
		Metadata:    cloneMetadata(metadata),
		CreatedAt:   r.now().UTC(),
		graph:       NewGraph(id, r.graphOpts...),
	}

	r.mu.Lock()
	if _, exists := r.studios[id]; exists {
		r.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "工作室 ID 冲突", xerrors.WithMetadata("studio_id", id))
	}
	r.studios[id] = studio
	r.mu.Unlock()

	logger.Audit().Info("工作室已创建", slog.String("studio_id", id), slog.String("name", name))
	return studio, nil
}

// GetStudio 返回工作室。
func (r *Registry) GetStudio(studioID string) (*Studio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	studio, ok := r.studios[studioID]
	if !ok {
		return nil, studioNotFound(studioID)
	}
	return studio, nil
}

// ListStudios 按创建时间返回全部工作室。
func (r *Registry) ListStudios() []*Studio {
	r.mu.RLock()
	studios := make([]*Studio, 0, len(r.studios))
	for _, s := range r.studios {
		studios = append(studios, s)
	}
	r.mu.RUnlock()
	sort.Slice(studios, func(i, j int) bool {
		if !studios[i].CreatedAt.Equal(studios[j].CreatedAt) {
			return studios[i].CreatedAt.Before(studios[j].CreatedAt)
		}
		return studios[i].ID < studios[j].ID
	})
	return studios
}

// DeleteStudio 删除工作室并丢弃其任务图与全部任务历史。
func (r *Registry) DeleteStudio(_ context.Context, studioID string) (err error) {
	defer metrics.Track(component, "delete_studio")(&err)

	r.mu.Lock()
	studio, ok := r.studios[studioID]
	if !ok {
		r.mu.Unlock()
		return studioNotFound(studioID)
	}
	delete(r.studios, studioID)
	r.mu.Unlock()

	logger.Audit().Info("工作室已删除", slog.String("studio_id", studioID), slog.Int("tasks", studio.graph.Len()))
	return nil
}
