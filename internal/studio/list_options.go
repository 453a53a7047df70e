package studio

// ListOptions 控制 ListTasks 的筛选条件，零值表示不过滤。
type ListOptions struct {
	Status  TaskStatus
	AgentID string
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithStatus 只返回处于该状态的任务。
func WithStatus(status TaskStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Status = status
	}
}

// WithAgent 只返回分配给该智能体的任务。
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = agentID
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func (o ListOptions) matches(t *Task) bool {
	if o.Status != "" && t.Status != o.Status {
		return false
	}
	if o.AgentID != "" && t.AssignedAgentID != o.AgentID {
		return false
	}
	return true
}
