package reputation

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"ChaosCore/internal/directory"
	"ChaosCore/internal/ledger"
)

type fakeSource struct {
	records  []*ledger.Record
	verified int
}

func (f fakeSource) AgentHistory(context.Context, string) ([]*ledger.Record, error) {
	return f.records, nil
}

func (f fakeSource) VerificationCount(context.Context, string) (int, error) {
	return f.verified, nil
}

var statuses = []ledger.Status{
	ledger.StatusPending, ledger.StatusVerified, ledger.StatusAnchored,
	ledger.StatusCompleted, ledger.StatusRejected, ledger.StatusDisputed,
}

func buildHistory(impacts []float64, kinds []int) []*ledger.Record {
	records := make([]*ledger.Record, 0, len(impacts))
	for i, impact := range impacts {
		kind := 0
		if i < len(kinds) {
			kind = kinds[i]
		}
		rec := &ledger.Record{Action: ledger.Action{
			ID:      fmt.Sprintf("act-%d", i),
			AgentID: "agent",
			Status:  statuses[kind%len(statuses)],
		}}
		if rec.Action.Status == ledger.StatusCompleted {
			rec.Outcome = &ledger.Outcome{ActionID: rec.Action.ID, Success: kind%2 == 0, ImpactScore: impact}
		}
		records = append(records, rec)
	}
	return records
}

func inRange(v float64) bool {
	return v >= 0 && v <= 100
}

func TestScoresStayWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("overall and components are clamped to [0,100]", prop.ForAll(
		func(impacts []float64, kinds []int, verified int) bool {
			source := fakeSource{records: buildHistory(impacts, kinds), verified: verified}
			engine, err := NewEngine(source, directory.NewMemoryDirectory("agent"), NewMemoryStore())
			if err != nil {
				return false
			}
			score, err := engine.ComputeReputation(context.Background(), "agent")
			if err != nil {
				return false
			}
			return inRange(score.Overall) &&
				inRange(score.Components.ActionQuality) &&
				inRange(score.Components.Verification) &&
				inRange(score.Components.Consistency)
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.IntRange(0, 11)),
		gen.IntRange(0, 1000),
	))

	properties.Property("weights summing to one keep overall bounded", prop.ForAll(
		func(a, b float64) bool {
			if a+b > 1 {
				a, b = a/2, b/2
			}
			w := Weights{ActionQuality: a, Verification: b, Consistency: math.Max(0, 1-a-b)}
			source := fakeSource{records: buildHistory([]float64{1, 1}, []int{3, 3}), verified: 50}
			engine, err := NewEngine(source, directory.NewMemoryDirectory("agent"), NewMemoryStore(), WithWeights(w))
			if err != nil {
				return false
			}
			score, err := engine.ComputeReputation(context.Background(), "agent")
			return err == nil && inRange(score.Overall)
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
