package studio

import "time"

// Stats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int       `json:"total"`
	Pending         int       `json:"pending"`
	Assigned        int       `json:"assigned"`
	InProgress      int       `json:"in_progress"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Cancelled       int       `json:"cancelled"`
	OldestUpdatedAt time.Time `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt time.Time `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(t *Task) {
	s.Total++
	switch t.Status {
	case TaskPending:
		s.Pending++
	case TaskAssigned:
		s.Assigned++
	case TaskInProgress:
		s.InProgress++
	case TaskCompleted:
		s.Completed++
	case TaskFailed:
		s.Failed++
	case TaskCancelled:
		s.Cancelled++
	}
	if s.OldestUpdatedAt.IsZero() || t.UpdatedAt.Before(s.OldestUpdatedAt) {
		s.OldestUpdatedAt = t.UpdatedAt
	}
	if t.UpdatedAt.After(s.NewestUpdatedAt) {
		s.NewestUpdatedAt = t.UpdatedAt
	}
}
