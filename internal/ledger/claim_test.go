package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

func TestClaimPayments_Threshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 5_000, 1), big.NewInt(5_000))
	require.NoError(t, err)

	report, err := f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, ClaimBelowThreshold, report.Results[0].Status)
	require.Zero(t, f.claimer.count())

	report, err = f.ledger.ClaimPayments(ctx, true)
	require.NoError(t, err)
	require.Len(t, report.TxHashes(), 1)
	require.Equal(t, 1, f.claimer.count())
}

func TestClaimPayments_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 20_000, 1), big.NewInt(20_000))
	require.NoError(t, err)

	first, err := f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)
	require.Len(t, first.TxHashes(), 1)

	second, err := f.ledger.ClaimPayments(ctx, true)
	require.NoError(t, err)
	require.Empty(t, second.TxHashes())
	require.Equal(t, 1, f.claimer.count())

	st, _ := f.store.GetChannel(ctx, channelA)
	require.True(t, st.LastVoucher.Claimed)
	require.Equal(t, first.TxHashes()[0], st.LastVoucher.ClaimTxHash)

	hist, err := f.store.Vouchers(ctx, channelA)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.True(t, hist[0].Claimed)
	require.Equal(t, first.TxHashes()[0], hist[0].ClaimTxHash)
}

func TestClaimPayments_PayoutIsAmountMinusClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 20_000, 1), big.NewInt(20_000))
	require.NoError(t, err)
	_, err = f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)

	// 25k cumulative, 20k already claimed: 5k payout is below the 10k threshold.
	_, err = f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 25_000, 2), big.NewInt(5_000))
	require.NoError(t, err)
	report, err := f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, ClaimBelowThreshold, report.Results[0].Status)
	require.Equal(t, "5000", report.Results[0].Payout.String())

	_, err = f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 40_000, 3), big.NewInt(15_000))
	require.NoError(t, err)
	report, err = f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)
	require.Equal(t, ClaimSubmitted, report.Results[0].Status)
	require.Equal(t, "20000", report.Results[0].Payout.String())
}

func TestClaimPayments_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.open(channelB, 1_000_000)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 20_000, 1), big.NewInt(20_000))
	require.NoError(t, err)
	_, err = f.ledger.RecordCharge(ctx, f.voucher(t, channelB, 30_000, 1), big.NewInt(30_000))
	require.NoError(t, err)

	f.claimer.fail[channelA] = drain.OnChain("tx reverted", false, nil)

	report, err := f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Len(t, report.Failed(), 1)
	require.Equal(t, channelA, report.Failed()[0].ChannelID)
	require.Len(t, report.TxHashes(), 1)

	a, _ := f.store.GetChannel(ctx, channelA)
	require.False(t, a.LastVoucher.Claimed, "failed claim must stay unclaimed")
	b, _ := f.store.GetChannel(ctx, channelB)
	require.True(t, b.LastVoucher.Claimed)

	// Next run retries only the failed channel.
	delete(f.claimer.fail, channelA)
	report, err = f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.TxHashes(), 1)
	require.Equal(t, 3, f.claimer.count())
}

func TestClaimPayments_AlreadyClaimedOnChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 20_000, 1), big.NewInt(20_000))
	require.NoError(t, err)

	// An earlier claim was mined although its receipt wait timed out.
	f.oracle.channels[channelA].Claimed = big.NewInt(20_000)

	report, err := f.ledger.ClaimPayments(ctx, true)
	require.NoError(t, err)
	require.Equal(t, ClaimNothingDue, report.Results[0].Status)
	require.Zero(t, f.claimer.count())
	st, _ := f.store.GetChannel(ctx, channelA)
	require.True(t, st.LastVoucher.Claimed)
}

func TestClaimPayments_ClosedChannelSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 20_000, 1), big.NewInt(20_000))
	require.NoError(t, err)
	f.oracle.close(channelA)

	report, err := f.ledger.ClaimPayments(ctx, true)
	require.NoError(t, err)
	require.Equal(t, ClaimChannelClosed, report.Results[0].Status)
	require.Zero(t, f.claimer.count())
}

func TestClaimPayments_TransientFailureReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 20_000, 1), big.NewInt(20_000))
	require.NoError(t, err)
	f.claimer.fail[channelA] = drain.OnChain("tx not confirmed", true, errors.New("deadline"))

	report, err := f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Failed(), 1)
	require.Contains(t, report.Failed()[0].Error, "not confirmed")
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.open(channelB, 1_000_000)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 20_000, 1), big.NewInt(15_000))
	require.NoError(t, err)
	_, err = f.ledger.RecordCharge(ctx, f.voucher(t, channelB, 3_000, 1), big.NewInt(3_000))
	require.NoError(t, err)
	_, err = f.ledger.ClaimPayments(ctx, false)
	require.NoError(t, err)

	s, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, s.Channels)
	require.Equal(t, "18000", s.TotalCharged.String())
	require.Equal(t, "20000", s.Claimed.String())
	require.Equal(t, "3000", s.Unclaimed.String())
}

func TestChannelInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.RecordCharge(ctx, f.voucher(t, channelA, 2_000, 1), big.NewInt(2_000))
	require.NoError(t, err)

	info, err := f.ledger.ChannelInfo(ctx, channelA)
	require.NoError(t, err)
	require.Equal(t, drain.StatusActive, info.Status)
	require.Equal(t, "2000", info.State.TotalCharged.String())

	info, err = f.ledger.ChannelInfo(ctx, common.HexToHash("0x404"))
	require.NoError(t, err)
	require.Equal(t, drain.StatusUnknown, info.Status)
	require.Nil(t, info.State)
}
