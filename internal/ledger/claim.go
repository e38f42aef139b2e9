package ledger

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

type ClaimStatus string

const (
	ClaimSubmitted      ClaimStatus = "claimed"
	ClaimBelowThreshold ClaimStatus = "below_threshold"
	ClaimNothingDue     ClaimStatus = "nothing_due"
	ClaimChannelClosed  ClaimStatus = "channel_closed"
	ClaimFailed         ClaimStatus = "failed"
)

// ClaimResult is the outcome for one channel.
type ClaimResult struct {
	ChannelID common.Hash `json:"channelId"`
	Amount    *big.Int    `json:"amount"`           // voucher amount
	Payout    *big.Int    `json:"payout,omitempty"` // amount - on-chain claimed
	Status    ClaimStatus `json:"status"`
	TxHash    common.Hash `json:"txHash,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ClaimReport collects per-channel outcomes of one ClaimPayments run.
type ClaimReport struct {
	Results []ClaimResult `json:"results"`
}

// TxHashes returns the hashes of submitted claims.
func (r *ClaimReport) TxHashes() []common.Hash {
	var out []common.Hash
	for _, res := range r.Results {
		if res.Status == ClaimSubmitted {
			out = append(out, res.TxHash)
		}
	}
	return out
}

// Failed returns results whose claim could not be completed.
func (r *ClaimReport) Failed() []ClaimResult {
	var out []ClaimResult
	for _, res := range r.Results {
		if res.Status == ClaimFailed {
			out = append(out, res)
		}
	}
	return out
}

// ClaimPayments submits a claim for every channel whose highest unclaimed
// voucher would release at least the claim threshold, or any positive
// amount when force is set. A failure on one channel is recorded in the
// report and does not stop the others.
//
// The channel lock is not held while a claim transaction is pending. The
// voucher is marked claimed afterwards only if no newer voucher replaced it
// in the meantime.
func (l *Ledger) ClaimPayments(ctx context.Context, force bool) (*ClaimReport, error) {
	states, err := l.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ChannelID.Hex() < states[j].ChannelID.Hex()
	})

	report := &ClaimReport{}
	for _, st := range states {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if st.LastVoucher == nil || st.LastVoucher.Claimed {
			continue
		}
		res := l.claimChannel(ctx, st.ChannelID, force)
		if res != nil {
			report.Results = append(report.Results, *res)
		}
	}
	return report, nil
}

func (l *Ledger) claimChannel(ctx context.Context, id common.Hash, force bool) *ClaimResult {
	log := l.log.With(zap.String("channel", id.Hex()))

	// Snapshot under the lock so a concurrent Settle cannot tear the voucher.
	release, err := l.locks.acquire(ctx, id)
	if err != nil {
		return &ClaimResult{ChannelID: id, Status: ClaimFailed, Error: err.Error()}
	}
	st, err := l.store.GetChannel(ctx, id)
	release()
	if err != nil {
		return &ClaimResult{ChannelID: id, Status: ClaimFailed, Error: err.Error()}
	}
	if st == nil || st.LastVoucher == nil || st.LastVoucher.Claimed {
		return nil
	}
	v := st.LastVoucher.Voucher.Clone()
	res := &ClaimResult{ChannelID: id, Amount: new(big.Int).Set(v.Amount)}

	ch, err := l.oracle.Fresh(ctx, id)
	if err != nil {
		res.Status, res.Error = ClaimFailed, err.Error()
		log.Warn("claim: channel read failed", zap.Error(err))
		return res
	}
	if !ch.Exists() {
		res.Status = ClaimChannelClosed
		return res
	}
	res.Payout = drain.Sub(v.Amount, ch.Claimed)
	if res.Payout.Sign() <= 0 {
		// Already redeemed on-chain, possibly by an earlier run whose
		// receipt wait timed out.
		res.Status = ClaimNothingDue
		l.markClaimed(ctx, id, v.Nonce, common.Hash{})
		return res
	}
	if !force && res.Payout.Cmp(l.cfg.ClaimThreshold) < 0 {
		res.Status = ClaimBelowThreshold
		return res
	}

	tx, err := l.claimer.Claim(ctx, v)
	l.oracle.Invalidate(id)
	if err != nil {
		res.Status, res.Error, res.TxHash = ClaimFailed, err.Error(), tx
		log.Error("claim failed",
			zap.String("amount", v.Amount.String()),
			zap.String("kind", drain.KindOf(err).String()),
			zap.Error(err),
		)
		return res
	}
	res.Status, res.TxHash = ClaimSubmitted, tx
	log.Info("claimed",
		zap.String("amount", v.Amount.String()),
		zap.String("payout", res.Payout.String()),
		zap.String("tx", tx.Hex()),
	)
	l.markClaimed(ctx, id, v.Nonce, tx)
	return res
}

// markClaimed flags the stored voucher with the given nonce as claimed, in
// the channel record and in the voucher history.
func (l *Ledger) markClaimed(ctx context.Context, id common.Hash, nonce *big.Int, tx common.Hash) {
	release, err := l.locks.acquire(ctx, id)
	if err != nil {
		l.log.Warn("mark claimed: lock", zap.String("channel", id.Hex()), zap.Error(err))
		return
	}
	defer release()

	st, err := l.store.GetChannel(ctx, id)
	if err != nil || st == nil || st.LastVoucher == nil {
		return
	}
	if st.LastVoucher.Nonce.Cmp(nonce) != 0 {
		// A newer voucher arrived; it stays unclaimed.
		return
	}
	st.LastVoucher.Claimed = true
	st.LastVoucher.ClaimedAt = l.now().UnixMilli()
	st.LastVoucher.ClaimTxHash = tx
	if err := l.store.PutClaimed(ctx, st); err != nil {
		l.log.Error("mark claimed: persist", zap.String("channel", id.Hex()), zap.Error(err))
	}
}

// ── Stats ─────────────────────────────────────────────────────────────────────

type Stats struct {
	Channels     int      `json:"channels"`
	TotalCharged *big.Int `json:"totalCharged"`
	Claimed      *big.Int `json:"claimed"`   // sum of claimed highest vouchers
	Unclaimed    *big.Int `json:"unclaimed"` // sum of unclaimed highest vouchers
}

func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	states, err := l.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{TotalCharged: new(big.Int), Claimed: new(big.Int), Unclaimed: new(big.Int)}
	for _, st := range states {
		s.Channels++
		s.TotalCharged.Add(s.TotalCharged, st.TotalCharged)
		if st.LastVoucher == nil {
			continue
		}
		if st.LastVoucher.Claimed {
			s.Claimed.Add(s.Claimed, st.LastVoucher.Amount)
		} else {
			s.Unclaimed.Add(s.Unclaimed, st.LastVoucher.Amount)
		}
	}
	return s, nil
}
