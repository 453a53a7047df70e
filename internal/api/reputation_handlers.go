package api

import (
	"net/http"

	"ChaosCore/internal/reputation"
)

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	score, err := s.svc.Reputation.GetReputation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleComputeReputation(w http.ResponseWriter, r *http.Request) {
	score, err := s.svc.Reputation.ComputeReputation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleReputationHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := s.svc.Reputation.GetReputationHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []reputation.Score{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleTopAgents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = 10
	}
	category := r.URL.Query().Get("category")
	rankings, err := s.svc.Reputation.GetTopAgents(r.Context(), limit, category)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rankings == nil {
		rankings = []reputation.Ranking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "agents": rankings})
}

func (s *Server) handleRefreshReputation(w http.ResponseWriter, r *http.Request) {
	scores, err := s.svc.Reputation.UpdateAllReputations(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}
