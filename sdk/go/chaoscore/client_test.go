package chaoscore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"ChaosCore/internal/anchor"
	"ChaosCore/internal/api"
	"ChaosCore/internal/directory"
	"ChaosCore/internal/ledger"
	"ChaosCore/internal/reputation"
	"ChaosCore/internal/reward"
	"ChaosCore/internal/studio"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dir := directory.NewMemoryDirectory("agent-a", "agent-b")
	l := ledger.New(ledger.NewMemoryStore(), dir, anchor.NewMemoryGateway())
	rep, err := reputation.NewEngine(l, dir, reputation.NewMemoryStore())
	if err != nil {
		t.Fatalf("reputation engine: %v", err)
	}
	server := api.NewServer(":0", api.Services{
		Ledger:     l,
		Rewards:    reward.NewEngine(l, reward.NewEventPayout(nil)),
		Reputation: rep,
		Studios:    studio.NewRegistry(),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestActionRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	id, err := client.LogAction(ctx, ActionSubmission{AgentID: "agent-a", ActionType: "analyze", Description: "inspect", Data: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("log action: %v", err)
	}
	if _, err := client.VerifyAction(ctx, id, "agent-b"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec, err := client.AnchorAction(ctx, id)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if rec.TxRef == "" || rec.DataHash == "" {
		t.Fatalf("unexpected on-chain record: %+v", rec)
	}
	if _, err := client.RecordOutcome(ctx, id, OutcomeSubmission{Success: true, ImpactScore: 0.5}); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	snap, err := client.GetAction(ctx, id)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if snap.Action.Status != "completed" || snap.Outcome == nil || snap.OnChain == nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rewards, err := client.ComputeRewards(ctx, id)
	if err != nil {
		t.Fatalf("compute rewards: %v", err)
	}
	if math.Abs(rewards["agent-a"]-50) > 1e-9 || math.Abs(rewards["agent-b"]-10) > 1e-9 {
		t.Fatalf("unexpected rewards: %v", rewards)
	}
	dist, err := client.DistributeRewards(ctx, id)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if dist.Ref == "" {
		t.Fatal("expected payout ref")
	}

	score, err := client.ComputeReputation(ctx, "agent-a")
	if err != nil {
		t.Fatalf("compute reputation: %v", err)
	}
	if score.Components.ActionQuality != 50 {
		t.Fatalf("unexpected action quality: %v", score.Components.ActionQuality)
	}
	top, err := client.TopAgents(ctx, 5, "")
	if err != nil {
		t.Fatalf("top agents: %v", err)
	}
	if len(top) != 1 || top[0].AgentID != "agent-a" {
		t.Fatalf("unexpected leaderboard: %+v", top)
	}
}

func TestStudioWorkflow(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	st, err := client.CreateStudio(ctx, "ops", "", nil)
	if err != nil {
		t.Fatalf("create studio: %v", err)
	}
	task, err := client.AddTask(ctx, st.ID, TaskSubmission{Name: "deploy", RequiredCapabilities: []string{"k8s"}})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	if _, ok, err := client.NextTask(ctx, st.ID, "agent-a"); err != nil || ok {
		t.Fatalf("expected no ready task without capabilities, ok=%v err=%v", ok, err)
	}
	next, ok, err := client.NextTask(ctx, st.ID, "agent-a", "k8s")
	if err != nil || !ok {
		t.Fatalf("next task: ok=%v err=%v", ok, err)
	}
	if next.ID != task.ID {
		t.Fatalf("unexpected next task %s", next.ID)
	}

	if _, err := client.AssignTask(ctx, st.ID, task.ID, "agent-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := client.StartTask(ctx, st.ID, task.ID, "agent-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := client.CompleteTask(ctx, st.ID, task.ID, "agent-a", map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" || done.Result == nil {
		t.Fatalf("unexpected task: %+v", done)
	}

	_, err = client.CancelTask(ctx, st.ID, task.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "INVALID_TASK_STATE" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestAPIErrorFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/actions/missing" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "ACTION_NOT_FOUND", Message: "missing"})
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetAction(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "ACTION_NOT_FOUND" || apiErr.Message != "missing" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}

	_, err = client.GetReputation(context.Background(), "agent-a")
	apiErr, ok = err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "boom" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
