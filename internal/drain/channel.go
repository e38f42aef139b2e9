package drain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Channel is the on-chain escrow record as reported by getChannel.
// A zero Consumer means the channel does not exist or has been closed.
type Channel struct {
	ID       common.Hash    `json:"id"`
	Consumer common.Address `json:"consumer"`
	Provider common.Address `json:"provider"`
	Deposit  *big.Int       `json:"deposit"`
	Claimed  *big.Int       `json:"claimed"`
	Expiry   *big.Int       `json:"expiry"` // unix seconds
}

// Exists reports whether the consumer slot is set.
func (c *Channel) Exists() bool {
	return c != nil && c.Consumer != (common.Address{})
}

// Expired reports whether now is at or past the channel expiry.
func (c *Channel) Expired(now time.Time) bool {
	if c.Expiry == nil {
		return false
	}
	return big.NewInt(now.Unix()).Cmp(c.Expiry) >= 0
}

// ExpiresAt returns the expiry as a time.Time.
func (c *Channel) ExpiresAt() time.Time {
	if c.Expiry == nil || !c.Expiry.IsInt64() {
		return time.Time{}
	}
	return time.Unix(c.Expiry.Int64(), 0)
}

// Refundable is deposit - claimed, the amount close() returns to the consumer.
func (c *Channel) Refundable() *big.Int {
	return Sub(c.Deposit, c.Claimed)
}

// Status is the provider-side view of a channel's lifecycle.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// Sub returns a-b treating nil as zero.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(orZero(a), orZero(b))
}

// Add returns a+b treating nil as zero.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(orZero(a), orZero(b))
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
