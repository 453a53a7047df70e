package api

import (
	"context"
	"net/http"

	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/ledger"
)

type logActionRequest struct {
	AgentID     string         `json:"agent_id"`
	ActionType  string         `json:"action_type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data"`
}

type outcomeRequest struct {
	Success           bool           `json:"success"`
	ImpactScore       float64        `json:"impact_score"`
	Results           map[string]any `json:"results"`
	VerificationProof string         `json:"verification_proof"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// snapshotResponse 是行为完整视图的对外表示。
type snapshotResponse struct {
	Action    ledger.Action         `json:"action"`
	Verifiers []string              `json:"verifiers"`
	Outcome   *ledger.Outcome       `json:"outcome,omitempty"`
	OnChain   *ledger.OnChainRecord `json:"on_chain,omitempty"`
}

func (s *Server) handleLogAction(w http.ResponseWriter, r *http.Request) {
	var req logActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	actionType, err := ledger.ParseActionType(req.ActionType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.svc.Ledger.LogAction(r.Context(), req.AgentID, actionType, req.Description, req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"action_id": id})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.AgentID = r.URL.Query().Get("agent_id")
	ids, err := s.svc.Ledger.ListActions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"action_ids": ids})
}

func (s *Server) handleAgentActions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actions, err := s.svc.Ledger.AgentActions(r.Context(), r.PathValue("id"), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []*ledger.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshot(w, r, http.StatusOK)
}

func (s *Server) handleVerifyAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VerifierID string `json:"verifier_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.Ledger.VerifyAction(r.Context(), r.PathValue("id"), req.VerifierID); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSnapshot(w, r, http.StatusOK)
}

func (s *Server) handleAnchorAction(w http.ResponseWriter, r *http.Request) {
	record, err := s.svc.Ledger.AnchorAction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var opts []ledger.OutcomeOption
	if req.VerificationProof != "" {
		opts = append(opts, ledger.WithVerificationProof(req.VerificationProof))
	}
	outcome, err := s.svc.Ledger.RecordOutcome(r.Context(), r.PathValue("id"), req.Success, req.ImpactScore, req.Results, opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDisputeAction(w http.ResponseWriter, r *http.Request) {
	s.sideExit(w, r, s.svc.Ledger.DisputeAction)
}

func (s *Server) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	s.sideExit(w, r, s.svc.Ledger.RejectAction)
}

func (s *Server) sideExit(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, actionID, reason string) error) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := apply(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSnapshot(w, r, http.StatusOK)
}

func (s *Server) handleAttachAttestation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Attestation string `json:"attestation"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.Ledger.AttachAttestation(r.Context(), r.PathValue("id"), req.Attestation); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSnapshot(w, r, http.StatusOK)
}

func (s *Server) handleComputeRewards(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rewards, err := s.svc.Rewards.ComputeRewards(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action_id": id, "rewards": rewards})
}

func (s *Server) handleDistributeRewards(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref, err := s.svc.Rewards.DistributeRewards(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"action_id": id, "ref": ref}
	if dist, ok := s.svc.Rewards.Distribution(id); ok {
		resp["rewards"] = dist.Rewards
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Ledger.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, status int) {
	rec, err := s.svc.Ledger.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	verifiers := rec.Verifiers
	if verifiers == nil {
		verifiers = []string{}
	}
	writeJSON(w, status, snapshotResponse{
		Action:    rec.Action,
		Verifiers: verifiers,
		Outcome:   rec.Outcome,
		OnChain:   rec.OnChain,
	})
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	var filter ledger.Filter
	if raw := q.Get("type"); raw != "" {
		t, err := ledger.ParseActionType(raw)
		if err != nil {
			return filter, err
		}
		filter.Type = t
	}
	if raw := q.Get("status"); raw != "" {
		status := ledger.Status(raw)
		if !status.Valid() {
			return filter, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的行为状态: %s", raw)
		}
		filter.Status = status
	}
	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		return filter, err
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
		return filter, xerrors.New(xerrors.CodeInvalidArgument, "until 不能早于 since")
	}
	return filter, nil
}
