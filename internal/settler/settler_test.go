package settler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/0gfoundation/0g-drain/internal/ledger"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fakeClaimer struct {
	mu     sync.Mutex
	calls  []bool
	report *ledger.ClaimReport
	err    error
}

func (f *fakeClaimer) ClaimPayments(_ context.Context, force bool) (*ledger.ClaimReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, force)
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func (f *fakeClaimer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func result(n byte, status ledger.ClaimStatus) ledger.ClaimResult {
	return ledger.ClaimResult{
		ChannelID: common.BytesToHash([]byte{n}),
		Amount:    big.NewInt(1_000),
		Payout:    big.NewInt(600),
		Status:    status,
		TxHash:    common.BytesToHash([]byte{0xee, n}),
	}
}

// ── HandleReport ──────────────────────────────────────────────────────────────

func TestHandleReport_Tally(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	report := &ledger.ClaimReport{Results: []ledger.ClaimResult{
		result(1, ledger.ClaimSubmitted),
		result(2, ledger.ClaimSubmitted),
		result(3, ledger.ClaimFailed),
		result(4, ledger.ClaimBelowThreshold),
		result(5, ledger.ClaimChannelClosed),
	}}

	sum := HandleReport(report, zap.New(core))
	require.Equal(t, 2, sum[ledger.ClaimSubmitted])
	require.Equal(t, 1, sum[ledger.ClaimFailed])
	require.Equal(t, 1, sum[ledger.ClaimBelowThreshold])

	require.Equal(t, 2, logs.FilterMessage("payment claimed").Len())
	require.Equal(t, 1, logs.FilterMessage("claim failed, will retry next run").Len())
	require.Equal(t, 1, logs.FilterMessage("channel closed on-chain with unclaimed voucher").Len())

	done := logs.FilterMessage("settler run complete").All()
	require.Len(t, done, 1)
	require.EqualValues(t, 2, done[0].ContextMap()["skipped"])
}

func TestHandleReport_EmptyIsQuiet(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sum := HandleReport(&ledger.ClaimReport{}, zap.New(core))
	require.Empty(t, sum)
	require.Zero(t, logs.Len())
}

// ── Run ───────────────────────────────────────────────────────────────────────

func TestRun_TicksWithoutForce(t *testing.T) {
	c := &fakeClaimer{report: &ledger.ClaimReport{Results: []ledger.ClaimResult{result(1, ledger.ClaimSubmitted)}}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Run(ctx, c, 10*time.Millisecond, zap.NewNop())
		close(done)
	}()

	require.Eventually(t, func() bool { return c.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, force := range c.calls {
		require.False(t, force)
	}
}

func TestRun_SurvivesErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	c := &fakeClaimer{err: errors.New("redis down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Run(ctx, c, 10*time.Millisecond, zap.New(core))

	require.Eventually(t, func() bool { return c.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, logs.FilterMessage("settler: claim run failed").Len(), 1)
}

func TestRun_StopsImmediatelyOnCancelledContext(t *testing.T) {
	c := &fakeClaimer{report: &ledger.ClaimReport{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Run(ctx, c, time.Hour, zap.NewNop())
	require.Zero(t, c.count())
}
