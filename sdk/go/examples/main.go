package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"ChaosCore/internal/anchor"
	"ChaosCore/internal/api"
	"ChaosCore/internal/directory"
	"ChaosCore/internal/ledger"
	"ChaosCore/internal/reputation"
	"ChaosCore/internal/reward"
	"ChaosCore/internal/studio"
	"ChaosCore/sdk/go/chaoscore"
)

// main 在进程内启动一套内存版服务，并通过 SDK 走完一次行为与任务流程。
func main() {
	dir := directory.NewMemoryDirectory("planner", "reviewer")
	l := ledger.New(ledger.NewMemoryStore(), dir, anchor.NewMemoryGateway())
	rep, err := reputation.NewEngine(l, dir, reputation.NewMemoryStore())
	if err != nil {
		panic(err)
	}
	server := api.NewServer(":0", api.Services{
		Ledger:     l,
		Rewards:    reward.NewEngine(l, reward.NewEventPayout(nil)),
		Reputation: rep,
		Studios:    studio.NewRegistry(studio.WithGraphOptions(studio.WithObservers(studio.NewLedgerObserver(l, dir)))),
	})
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	client, err := chaoscore.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.CreateStudio(ctx, "launch", "release checklist", nil)
	if err != nil {
		panic(err)
	}
	task, err := client.AddTask(ctx, st.ID, chaoscore.TaskSubmission{Name: "write changelog", RequiredCapabilities: []string{"writing"}})
	if err != nil {
		panic(err)
	}
	next, ok, err := client.NextTask(ctx, st.ID, "planner", "writing")
	if err != nil || !ok {
		panic(fmt.Sprintf("no ready task: %v", err))
	}
	fmt.Printf("next task for planner: %s (%s)\n", next.Name, next.ID)

	if _, err := client.AssignTask(ctx, st.ID, task.ID, "planner"); err != nil {
		panic(err)
	}
	if _, err := client.StartTask(ctx, st.ID, task.ID, "planner"); err != nil {
		panic(err)
	}
	if _, err := client.CompleteTask(ctx, st.ID, task.ID, "planner", map[string]any{"lines": 42}); err != nil {
		panic(err)
	}

	actionID, err := client.LogAction(ctx, chaoscore.ActionSubmission{AgentID: "planner", ActionType: "propose", Description: "ship v1"})
	if err != nil {
		panic(err)
	}
	if _, err := client.VerifyAction(ctx, actionID, "reviewer"); err != nil {
		panic(err)
	}
	if _, err := client.RecordOutcome(ctx, actionID, chaoscore.OutcomeSubmission{Success: true, ImpactScore: 0.8}); err != nil {
		panic(err)
	}
	dist, err := client.DistributeRewards(ctx, actionID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("paid %v (ref=%s)\n", dist.Rewards, dist.Ref)

	score, err := client.ComputeReputation(ctx, "planner")
	if err != nil {
		panic(err)
	}
	fmt.Printf("planner reputation: %.2f\n", score.Overall)
}
