package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

// ReceiptReader is the subset of ethclient used to poll for receipts.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitOpts bounds receipt polling.
type WaitOpts struct {
	Timeout    time.Duration // total wait; zero means until ctx is done
	Interval   time.Duration // first poll delay, doubled after each miss
	MaxBackoff time.Duration // cap on the poll delay; zero means uncapped
}

func (o WaitOpts) withDefaults() WaitOpts {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	return o
}

// WaitForReceipt polls for a transaction receipt with exponential backoff.
// A reverted transaction and one that is never confirmed are distinct
// onchain_failure errors: the first is final, the second is Transient
// because the transaction may still be mined.
func WaitForReceipt(ctx context.Context, r ReceiptReader, txHash common.Hash, opts WaitOpts) (*types.Receipt, error) {
	opts = opts.withDefaults()
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	backoff := opts.Interval
	for {
		receipt, err := r.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, drain.OnChain(fmt.Sprintf("tx reverted: %s", txHash.Hex()), false, nil)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, drain.OnChain(fmt.Sprintf("tx not confirmed: %s", txHash.Hex()), true, ctx.Err())
			}
			if opts.MaxBackoff == 0 || backoff < opts.MaxBackoff {
				backoff *= 2
				if opts.MaxBackoff > 0 && backoff > opts.MaxBackoff {
					backoff = opts.MaxBackoff
				}
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, drain.OnChain(fmt.Sprintf("tx not confirmed: %s", txHash.Hex()), true, err)
		default:
			return nil, drain.OnChain("receipt error", true, err)
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
