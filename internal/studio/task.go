package studio

import (
	"sort"
	"strings"
	"time"
)

// TaskStatus 表示任务在生命周期中的状态。
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid 检查状态是否为支持的枚举值。
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal 判断任务是否已结束。
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	case TaskPending, TaskAssigned, TaskInProgress:
		return false
	default:
		return false
	}
}

// TaskResult 是任务结束时生成的不可变结果。
type TaskResult struct {
	TaskID    string         `json:"task_id"`
	Status    TaskStatus     `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Task 是任务图中的一个节点。Timeout 只作为元数据保存，不会被强制执行。
type Task struct {
	ID                   string         `json:"id"`
	StudioID             string         `json:"studio_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	Dependencies         []string       `json:"dependencies"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Timeout              time.Duration  `json:"timeout,omitempty"`
	Status               TaskStatus     `json:"status"`
	AssignedAgentID      string         `json:"assigned_agent_id,omitempty"`
	Result               *TaskResult    `json:"result,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// TaskSpec 描述待添加的任务。
type TaskSpec struct {
	Name                 string
	Description          string
	Inputs               map[string]any
	Dependencies         []string
	RequiredCapabilities []string
	Timeout              time.Duration
}

// CapableOf 判断任务所需能力是否全部包含在 capabilities 中。
func (t *Task) CapableOf(capabilities []string) bool {
	if len(t.RequiredCapabilities) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[normalizeCapability(c)] = struct{}{}
	}
	for _, required := range t.RequiredCapabilities {
		if _, ok := have[required]; !ok {
			return false
		}
	}
	return true
}

func normalizeCapability(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

func normalizeCapabilities(input []string) []string {
	seen := make(map[string]struct{}, len(input))
	out := make([]string, 0, len(input))
	for _, c := range input {
		c = normalizeCapability(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func cloneTask(t *Task) *Task {
	clone := *t
	clone.Inputs = cloneMetadata(t.Inputs)
	clone.Dependencies = append([]string(nil), t.Dependencies...)
	clone.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	if t.Result != nil {
		result := *t.Result
		result.Output = cloneMetadata(t.Result.Output)
		result.Metadata = cloneMetadata(t.Result.Metadata)
		clone.Result = &result
	}
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
