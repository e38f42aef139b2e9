package voucher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

// Voucher authorizes release of a cumulative Amount from a channel.
// Only ChannelID, Amount and Nonce are covered by the EIP-712 signature.
type Voucher struct {
	ChannelID common.Hash `json:"channelId"`
	Amount    *big.Int    `json:"amount"`
	Nonce     *big.Int    `json:"nonce"`
	Signature []byte      `json:"signature"`
}

// Clone returns a deep copy.
func (v *Voucher) Clone() *Voucher {
	out := &Voucher{ChannelID: v.ChannelID}
	if v.Amount != nil {
		out.Amount = new(big.Int).Set(v.Amount)
	}
	if v.Nonce != nil {
		out.Nonce = new(big.Int).Set(v.Nonce)
	}
	out.Signature = append([]byte(nil), v.Signature...)
	return out
}

// CheckShape rejects vouchers that cannot be hashed or verified.
// It runs before any cryptographic work.
func (v *Voucher) CheckShape() error {
	switch {
	case v == nil:
		return drain.Errorf(drain.CodeMalformedVoucher, "voucher is nil")
	case v.ChannelID == (common.Hash{}):
		return drain.Errorf(drain.CodeMalformedVoucher, "channelId is zero")
	case v.Amount == nil || v.Amount.Sign() < 0:
		return drain.Errorf(drain.CodeMalformedVoucher, "amount must be a non-negative integer")
	case v.Nonce == nil || v.Nonce.Sign() <= 0:
		return drain.Errorf(drain.CodeMalformedVoucher, "nonce must be a positive integer")
	case v.Amount.BitLen() > 256 || v.Nonce.BitLen() > 256:
		return drain.Errorf(drain.CodeMalformedVoucher, "amount or nonce exceeds uint256")
	case len(v.Signature) != 65:
		return drain.Errorf(drain.CodeMalformedVoucher, "signature must be 65 bytes, got %d", len(v.Signature))
	}
	return nil
}

// Stored is a voucher as retained by the provider ledger.
type Stored struct {
	Voucher
	Consumer    common.Address `json:"consumer"`
	ReceivedAt  int64          `json:"receivedAt"`
	Claimed     bool           `json:"claimed"`
	ClaimedAt   int64          `json:"claimedAt,omitempty"`
	ClaimTxHash common.Hash    `json:"claimTxHash,omitempty"`
}
