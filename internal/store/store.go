// Package store persists the provider ledger: one ChannelState per channel
// plus the history of accepted vouchers.
package store

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-drain/internal/voucher"
)

// ChannelState is the provider's running view of one channel.
type ChannelState struct {
	ChannelID      common.Hash     `json:"channelId"`
	Consumer       common.Address  `json:"consumer"`
	Deposit        *big.Int        `json:"deposit"` // cached at first sight
	TotalCharged   *big.Int        `json:"totalCharged"`
	LastVoucher    *voucher.Stored `json:"lastVoucher,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	LastActivityAt int64           `json:"lastActivityAt"`
}

// Clone returns a deep copy so callers can stage changes before Put.
func (s *ChannelState) Clone() *ChannelState {
	out := *s
	if s.Deposit != nil {
		out.Deposit = new(big.Int).Set(s.Deposit)
	}
	if s.TotalCharged != nil {
		out.TotalCharged = new(big.Int).Set(s.TotalCharged)
	}
	if s.LastVoucher != nil {
		lv := *s.LastVoucher
		lv.Voucher = *s.LastVoucher.Voucher.Clone()
		out.LastVoucher = &lv
	}
	return &out
}

// Store is the ledger's persistence boundary. Implementations must make Put
// atomic: either both the state and the voucher are written or neither is.
type Store interface {
	// GetChannel returns nil, nil when the channel has never been seen.
	GetChannel(ctx context.Context, id common.Hash) (*ChannelState, error)
	// Put writes st and, when v is non-nil, appends v to the channel history.
	Put(ctx context.Context, st *ChannelState, v *voucher.Stored) error
	// PutClaimed writes st and copies the claim fields of st.LastVoucher onto
	// the history entry with the same nonce, atomically.
	PutClaimed(ctx context.Context, st *ChannelState) error
	ListChannels(ctx context.Context) ([]*ChannelState, error)
	// Vouchers returns the accepted vouchers for id, oldest first.
	Vouchers(ctx context.Context, id common.Hash) ([]voucher.Stored, error)
	Delete(ctx context.Context, id common.Hash) error
}

// markEntry copies the claim fields of lv onto the entry in hist with the
// same nonce, searching newest first. It reports the index, or -1.
func markEntry(hist []voucher.Stored, lv *voucher.Stored) int {
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Nonce != nil && hist[i].Nonce.Cmp(lv.Nonce) == 0 {
			hist[i].Claimed = lv.Claimed
			hist[i].ClaimedAt = lv.ClaimedAt
			hist[i].ClaimTxHash = lv.ClaimTxHash
			return i
		}
	}
	return -1
}
