package reward

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChaosCore/internal/anchor"
	"ChaosCore/internal/config"
	"ChaosCore/internal/directory"
	xerrors "ChaosCore/internal/errors"
	"ChaosCore/internal/events"
	"ChaosCore/internal/ledger"
	"ChaosCore/internal/observability/alerting"
)

func fixedGateway(txRef string) anchor.Gateway {
	return anchor.GatewayFunc(func(_ context.Context, _, _ string) (anchor.Receipt, error) {
		return anchor.Receipt{TxRef: txRef, BlockRef: "1", Timestamp: time.Now().UTC()}, nil
	})
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	dir := directory.NewMemoryDirectory("agent-a", "agent-b", "agent-c")
	return ledger.New(ledger.NewMemoryStore(), dir, fixedGateway("0xabc"))
}

func completedAction(t *testing.T, l *ledger.Ledger, success bool, impact float64, verifiers ...string) string {
	t.Helper()
	ctx := context.Background()
	id, err := l.LogAction(ctx, "agent-a", ledger.TypeAnalyze, "inspect pool", map[string]any{"pool": "eth"})
	require.NoError(t, err)
	for _, v := range verifiers {
		require.NoError(t, l.VerifyAction(ctx, id, v))
	}
	_, err = l.RecordOutcome(ctx, id, success, impact, nil)
	require.NoError(t, err)
	return id
}

func TestComputeRewardsFormula(t *testing.T) {
	l := newLedger(t)
	engine := NewEngine(l, NewEventPayout(nil))

	id := completedAction(t, l, true, 0.9, "agent-b")
	rewards, err := engine.ComputeRewards(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, rewards["agent-a"], 1e-9)
	assert.InDelta(t, 10.0, rewards["agent-b"], 1e-9)
	assert.Len(t, rewards, 2)
}

func TestComputeRewardsFailureMultiplier(t *testing.T) {
	l := newLedger(t)
	engine := NewEngine(l, NewEventPayout(nil), WithPolicy(Policy{BaseReward: 200, VerifierShare: 0.05, FailureMultiplier: 0.25}))

	id := completedAction(t, l, false, 0.8, "agent-b")
	rewards, err := engine.ComputeRewards(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, rewards["agent-a"], 1e-9)
	assert.InDelta(t, 10.0, rewards["agent-b"], 1e-9)
}

func TestSelfVerifierRewardsAreAdded(t *testing.T) {
	l := newLedger(t)
	engine := NewEngine(l, NewEventPayout(nil))

	id := completedAction(t, l, true, 0.5, "agent-a")
	rewards, err := engine.ComputeRewards(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 60.0, rewards["agent-a"], 1e-9)
	assert.Len(t, rewards, 1)
}

func TestComputeRewardsIsDeterministic(t *testing.T) {
	l := newLedger(t)
	engine := NewEngine(l, NewEventPayout(nil))
	id := completedAction(t, l, true, 0.7, "agent-b")

	first, err := engine.ComputeRewards(context.Background(), id)
	require.NoError(t, err)
	first["agent-a"] = -1

	second, err := engine.ComputeRewards(context.Background(), id)
	require.NoError(t, err)
	third, err := engine.ComputeRewards(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.InDelta(t, 70.0, second["agent-a"], 1e-9)
}

func TestComputeRewardsRequiresCompletedAction(t *testing.T) {
	l := newLedger(t)
	engine := NewEngine(l, NewEventPayout(nil))
	ctx := context.Background()

	id, err := l.LogAction(ctx, "agent-a", ledger.TypePropose, "raise fee", nil)
	require.NoError(t, err)

	_, err = engine.ComputeRewards(ctx, id)
	require.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = engine.ComputeRewards(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrActionNotFound)
}

func TestDistributeRewardsPublishesPayout(t *testing.T) {
	l := newLedger(t)
	bus := events.NewMemoryBus(8)
	engine := NewEngine(l, NewEventPayout(bus))
	id := completedAction(t, l, true, 0.9, "agent-b")

	ref, err := engine.DistributeRewards(context.Background(), id)
	require.NoError(t, err)
	assert.Regexp(t, `^0x[0-9a-f]{32}$`, ref)

	published := bus.Drain()
	require.Len(t, published, 1)
	assert.Equal(t, events.TopicRewardPayout, published[0].Topic)
	assert.Equal(t, id, published[0].Subject)
	assert.Equal(t, ref, published[0].Payload["ref"])

	again, err := engine.DistributeRewards(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Empty(t, bus.Drain())

	dist, ok := engine.Distribution(id)
	require.True(t, ok)
	assert.Equal(t, ref, dist.Ref)
	assert.InDelta(t, 10.0, dist.Rewards["agent-b"], 1e-9)
}

func TestConcurrentDistributeRewardsPaysOnce(t *testing.T) {
	l := newLedger(t)
	var calls atomic.Int32
	engine := NewEngine(l, PayoutFunc(func(context.Context, Distribution) (string, error) {
		n := calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return fmt.Sprintf("ref-%d", n), nil
	}))
	id := completedAction(t, l, true, 0.7, "agent-b")

	const workers = 8
	refs := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = engine.DistributeRewards(context.Background(), id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ref-1", refs[i])
	}
}

func TestDistributeRewardsRetriesAfterFailedPayout(t *testing.T) {
	l := newLedger(t)
	var calls atomic.Int32
	engine := NewEngine(l, PayoutFunc(func(context.Context, Distribution) (string, error) {
		if calls.Add(1) == 1 {
			return "", stdErrors.New("payer offline")
		}
		return "ref-ok", nil
	}))
	id := completedAction(t, l, true, 0.5)
	ctx := context.Background()

	_, err := engine.DistributeRewards(ctx, id)
	require.ErrorIs(t, err, ErrDistributionFailed)

	ref, err := engine.DistributeRewards(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ref-ok", ref)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDistributeRewardsErrors(t *testing.T) {
	l := newLedger(t)
	alerts := &alerting.MemoryNotifier{}
	boom := stdErrors.New("payer offline")
	engine := NewEngine(l, PayoutFunc(func(context.Context, Distribution) (string, error) {
		return "", boom
	}), WithAlertDispatcher(alerting.NewFanout(alerts)))
	ctx := context.Background()

	pending, err := l.LogAction(ctx, "agent-a", ledger.TypeMonitor, "watch", nil)
	require.NoError(t, err)
	_, err = engine.DistributeRewards(ctx, pending)
	require.ErrorIs(t, err, ErrDistributionFailed)
	require.ErrorIs(t, err, ledger.ErrInvalidState)

	id := completedAction(t, l, true, 0.4, "agent-c")
	_, err = engine.DistributeRewards(ctx, id)
	require.ErrorIs(t, err, ErrDistributionFailed)
	require.ErrorIs(t, err, boom)
	assert.True(t, xerrors.RetryableError(err))

	require.Len(t, alerts.Events(), 1)
	assert.Equal(t, CodeDistributionFailed, alerts.Events()[0].Code)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RewardConfig{BaseReward: config.Float64(50)})
	assert.Equal(t, Policy{BaseReward: 50, VerifierShare: 0.10, FailureMultiplier: 0.25}, p)

	p = PolicyFromConfig(config.RewardConfig{VerifierShare: config.Float64(0), FailureMultiplier: config.Float64(0)})
	assert.Equal(t, Policy{BaseReward: 100, VerifierShare: 0, FailureMultiplier: 0}, p)
}

func TestZeroFailureMultiplierPaysNothingOnFailure(t *testing.T) {
	l := newLedger(t)
	engine := NewEngine(l, NewEventPayout(nil),
		WithPolicy(PolicyFromConfig(config.RewardConfig{FailureMultiplier: config.Float64(0)})))
	id := completedAction(t, l, false, 0.8)

	rewards, err := engine.ComputeRewards(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, rewards["agent-a"])
}

func TestEndToEndLedgerRewards(t *testing.T) {
	l := newLedger(t)
	engine := NewEngine(l, NewEventPayout(nil))
	ctx := context.Background()

	id, err := l.LogAction(ctx, "agent-a", ledger.TypeAnalyze, "analyze liquidity", map[string]any{"pair": "ETH/USDC"})
	require.NoError(t, err)
	require.NoError(t, l.VerifyAction(ctx, id, "agent-b"))

	record, err := l.AnchorAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", record.TxRef)

	_, err = l.RecordOutcome(ctx, id, true, 0.9, map[string]any{"apy": 0.12})
	require.NoError(t, err)

	rewards, err := engine.ComputeRewards(ctx, id)
	require.NoError(t, err)
	base := engine.Policy().BaseReward
	assert.InDelta(t, 0.9*base, rewards["agent-a"], 1e-9)
	assert.InDelta(t, 0.10*base, rewards["agent-b"], 1e-9)
}
