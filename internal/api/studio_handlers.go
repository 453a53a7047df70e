package api

import (
	"net/http"
	"time"

	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/studio"
)

type createStudioRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type addTaskRequest struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Inputs               map[string]any `json:"inputs"`
	Dependencies         []string       `json:"dependencies"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	TimeoutSeconds       float64        `json:"timeout_seconds"`
}

type transitionRequest struct {
	AgentID  string         `json:"agent_id"`
	Outputs  map[string]any `json:"outputs"`
	Metadata map[string]any `json:"metadata"`
	Reason   string         `json:"reason"`
}

func (s *Server) handleCreateStudio(w http.ResponseWriter, r *http.Request) {
	var req createStudioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.svc.Studios.CreateStudio(r.Context(), req.Name, req.Description, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleListStudios(w http.ResponseWriter, r *http.Request) {
	studios := s.svc.Studios.ListStudios()
	if studios == nil {
		studios = []*studio.Studio{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"studios": studios})
}

func (s *Server) handleGetStudio(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Studios.GetStudio(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteStudio(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Studios.DeleteStudio(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStudioStats(w http.ResponseWriter, r *http.Request) {
	graph, ok := s.graph(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, graph.Stats())
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	graph, ok := s.graph(w, r)
	if !ok {
		return
	}
	task := graph.GetNextTask(r.URL.Query().Get("agent_id"), queryList(r, "capabilities"))
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	graph, ok := s.graph(w, r)
	if !ok {
		return
	}
	var req addTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := graph.AddTask(r.Context(), studio.TaskSpec{
		Name:                 req.Name,
		Description:          req.Description,
		Inputs:               req.Inputs,
		Dependencies:         req.Dependencies,
		RequiredCapabilities: req.RequiredCapabilities,
		Timeout:              time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	graph, ok := s.graph(w, r)
	if !ok {
		return
	}
	var opts []studio.ListOption
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := studio.TaskStatus(raw)
		if !status.Valid() {
			writeError(w, r, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的任务状态: %s", raw))
			return
		}
		opts = append(opts, studio.WithStatus(status))
	}
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		opts = append(opts, studio.WithAgent(agentID))
	}
	tasks := graph.ListTasks(opts...)
	if tasks == nil {
		tasks = []*studio.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	graph, ok := s.graph(w, r)
	if !ok {
		return
	}
	task, err := graph.GetTask(r.PathValue("task"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request) {
	s.writeRelated(w, r, (*studio.Graph).GetTaskDependencies)
}

func (s *Server) handleTaskDependents(w http.ResponseWriter, r *http.Request) {
	s.writeRelated(w, r, (*studio.Graph).GetTaskDependents)
}

func (s *Server) writeRelated(w http.ResponseWriter, r *http.Request, lookup func(*studio.Graph, string) ([]*studio.Task, error)) {
	graph, ok := s.graph(w, r)
	if !ok {
		return
	}
	tasks, err := lookup(graph, r.PathValue("task"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*studio.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskTransition 处理 assign/start/complete/fail/cancel 五种状态迁移。
func (s *Server) handleTaskTransition(w http.ResponseWriter, r *http.Request) {
	graph, ok := s.graph(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	taskID := r.PathValue("task")
	var (
		task *studio.Task
		err  error
	)
	switch op := r.PathValue("op"); op {
	case "assign":
		task, err = graph.AssignTask(ctx, taskID, req.AgentID)
	case "start":
		task, err = graph.StartTask(ctx, taskID, req.AgentID)
	case "complete":
		task, err = graph.CompleteTask(ctx, taskID, req.AgentID, req.Outputs, req.Metadata)
	case "fail":
		task, err = graph.FailTask(ctx, taskID, req.AgentID, req.Reason, req.Metadata)
	case "cancel":
		task, err = graph.CancelTask(ctx, taskID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) graph(w http.ResponseWriter, r *http.Request) (*studio.Graph, bool) {
	st, err := s.svc.Studios.GetStudio(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return st.Graph(), true
}
