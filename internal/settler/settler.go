// Package settler claims accrued channel payments on a timer.
package settler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/ledger"
)

// Claimer is the ledger operation the settler drives.
type Claimer interface {
	ClaimPayments(ctx context.Context, force bool) (*ledger.ClaimReport, error)
}

// Run claims every interval until ctx is done. Only channels at or above
// the claim threshold are claimed; forced claims are left to the admin API.
func Run(ctx context.Context, c Claimer, interval time.Duration, log *zap.Logger) {
	log.Info("settler started", zap.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("settler stopped")
			return
		case <-t.C:
		}

		report, err := c.ClaimPayments(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("settler: claim run failed", zap.Error(err))
			continue
		}
		HandleReport(report, log)
	}
}

// Summary counts claim outcomes by status.
type Summary map[ledger.ClaimStatus]int

// HandleReport logs each channel outcome and returns the tally.
func HandleReport(report *ledger.ClaimReport, log *zap.Logger) Summary {
	sum := Summary{}
	for _, res := range report.Results {
		sum[res.Status]++
		l := log.With(zap.String("channel", res.ChannelID.Hex()))

		switch res.Status {
		case ledger.ClaimSubmitted:
			l.Info("payment claimed",
				zap.String("payout", res.Payout.String()),
				zap.String("tx", res.TxHash.Hex()),
			)

		case ledger.ClaimFailed:
			l.Error("claim failed, will retry next run", zap.String("error", res.Error))

		case ledger.ClaimChannelClosed:
			l.Warn("channel closed on-chain with unclaimed voucher",
				zap.String("amount", res.Amount.String()),
			)

		case ledger.ClaimBelowThreshold, ledger.ClaimNothingDue:
			l.Debug("nothing to claim", zap.String("status", string(res.Status)))
		}
	}
	if len(report.Results) > 0 {
		log.Info("settler run complete",
			zap.Int("claimed", sum[ledger.ClaimSubmitted]),
			zap.Int("failed", sum[ledger.ClaimFailed]),
			zap.Int("skipped", len(report.Results)-sum[ledger.ClaimSubmitted]-sum[ledger.ClaimFailed]),
		)
	}
	return sum
}
