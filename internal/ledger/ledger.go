// Package ledger validates inbound vouchers and keeps the provider's
// per-channel billing record.
//
// All mutation of a channel's record happens under that channel's lock,
// which Preauthorize takes and the returned Hold gives back. Different
// channels never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/store"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

// Oracle is the read side of the contract as the ledger needs it.
type Oracle interface {
	GetChannel(ctx context.Context, id common.Hash) (*drain.Channel, error)
	// Fresh bypasses any cache.
	Fresh(ctx context.Context, id common.Hash) (*drain.Channel, error)
	Invalidate(id common.Hash)
}

// Claimer submits claim transactions.
type Claimer interface {
	Claim(ctx context.Context, v *voucher.Voucher) (common.Hash, error)
}

type Config struct {
	Provider       common.Address
	ChainID        *big.Int
	Contract       common.Address
	ClaimThreshold *big.Int
}

// ErrHoldClosed is returned when a Hold is settled after it was already
// settled or released.
var ErrHoldClosed = errors.New("ledger: hold already settled or released")

// ErrChannelOpen is returned by Purge for a channel that still exists on-chain.
var ErrChannelOpen = errors.New("ledger: channel is still open on-chain")

type Ledger struct {
	cfg     Config
	oracle  Oracle
	claimer Claimer
	store   store.Store
	locks   *channelLocks
	log     *zap.Logger
	now     func() time.Time
}

func New(cfg Config, oracle Oracle, claimer Claimer, st store.Store, log *zap.Logger) *Ledger {
	if cfg.ClaimThreshold == nil {
		cfg.ClaimThreshold = big.NewInt(10_000_000)
	}
	return &Ledger{
		cfg:     cfg,
		oracle:  oracle,
		claimer: claimer,
		store:   st,
		locks:   newChannelLocks(),
		log:     log,
		now:     time.Now,
	}
}

// Provider returns the address vouchers must be addressed to.
func (l *Ledger) Provider() common.Address { return l.cfg.Provider }

// Validation is the outcome of a successful Validate. State is a private
// copy; for a channel seen for the first time it is freshly initialised
// and not yet persisted.
type Validation struct {
	Voucher  *voucher.Voucher
	Channel  *drain.Channel
	State    *store.ChannelState
	Required *big.Int // total the voucher had to cover
}

// Remaining is deposit minus what has been charged so far.
func (v *Validation) Remaining() *big.Int {
	return drain.Sub(v.Channel.Deposit, v.State.TotalCharged)
}

// Validate checks v against the chain and the local record without
// changing anything. required is the cost of the work about to be done.
//
// Checks run in a fixed order and the first failure wins: shape, channel
// existence, provider, expiry, amount coverage, deposit, nonce, signature.
func (l *Ledger) Validate(ctx context.Context, v *voucher.Voucher, required *big.Int) (*Validation, error) {
	if err := v.CheckShape(); err != nil {
		return nil, err
	}
	if required == nil || required.Sign() < 0 {
		return nil, fmt.Errorf("ledger: required amount must be non-negative")
	}

	ch, err := l.oracle.GetChannel(ctx, v.ChannelID)
	if err != nil {
		return nil, err
	}
	if !ch.Exists() {
		return nil, drain.Errorf(drain.CodeChannelNotFound, "channel %s", v.ChannelID.Hex())
	}
	if ch.Provider != l.cfg.Provider {
		return nil, drain.Errorf(drain.CodeWrongProvider, "channel is payable to %s", ch.Provider.Hex())
	}
	if ch.Expired(l.now()) {
		return nil, drain.Errorf(drain.CodeChannelExpired, "channel expired at %s", ch.ExpiresAt().UTC().Format(time.RFC3339))
	}

	st, err := l.store.GetChannel(ctx, v.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("load channel state: %w", err)
	}
	if st == nil {
		now := l.now().UnixMilli()
		st = &store.ChannelState{
			ChannelID:      v.ChannelID,
			Consumer:       ch.Consumer,
			Deposit:        new(big.Int).Set(ch.Deposit),
			TotalCharged:   new(big.Int),
			CreatedAt:      now,
			LastActivityAt: now,
		}
	}

	expected := drain.Add(st.TotalCharged, required)
	if st.LastVoucher != nil && st.LastVoucher.Amount.Cmp(expected) > 0 {
		// Accepted amounts never go down.
		expected = new(big.Int).Set(st.LastVoucher.Amount)
	}
	if v.Amount.Cmp(expected) < 0 {
		return nil, drain.Insufficient(drain.CodeInsufficientFunds, expected, v.Amount)
	}
	if v.Amount.Cmp(ch.Deposit) > 0 {
		return nil, drain.Errorf(drain.CodeExceedsDeposit, "amount %s exceeds deposit %s", v.Amount, ch.Deposit)
	}
	if st.LastVoucher != nil && v.Nonce.Cmp(st.LastVoucher.Nonce) <= 0 {
		return nil, drain.Errorf(drain.CodeInvalidNonce, "nonce %s not above %s", v.Nonce, st.LastVoucher.Nonce)
	}
	if err := voucher.Verify(v, l.cfg.ChainID, l.cfg.Contract, ch.Consumer); err != nil {
		return nil, err
	}

	return &Validation{Voucher: v.Clone(), Channel: ch, State: st, Required: expected}, nil
}

// ── Two-phase billing ─────────────────────────────────────────────────────────

// Hold is a preauthorized voucher. It owns the channel lock until Settle or
// Release; exactly one of them takes effect.
type Hold struct {
	*Validation
	Estimate *big.Int

	l       *Ledger
	release func()

	mu     sync.Mutex
	closed bool
}

// Receipt reports a recorded charge.
type Receipt struct {
	ChannelID common.Hash
	Cost      *big.Int
	Total     *big.Int // cumulative charged on the channel
	Remaining *big.Int // deposit - Total
}

// Preauthorize takes the channel lock and validates v against estimate.
// On error the lock is not held.
func (l *Ledger) Preauthorize(ctx context.Context, v *voucher.Voucher, estimate *big.Int) (*Hold, error) {
	if err := v.CheckShape(); err != nil {
		return nil, err
	}
	release, err := l.locks.acquire(ctx, v.ChannelID)
	if err != nil {
		return nil, err
	}
	val, err := l.Validate(ctx, v, estimate)
	if err != nil {
		release()
		return nil, err
	}
	return &Hold{Validation: val, Estimate: new(big.Int).Set(estimate), l: l, release: release}, nil
}

// Settle checks the voucher against the actual cost and records the charge.
// A voucher that covered the estimate but not the actual cost fails with
// insufficient_funds_post and nothing is recorded.
func (h *Hold) Settle(ctx context.Context, actual *big.Int) (*Receipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHoldClosed
	}
	h.closed = true
	defer h.release()

	if actual == nil || actual.Sign() < 0 {
		return nil, fmt.Errorf("ledger: actual cost must be non-negative")
	}
	needed := drain.Add(h.State.TotalCharged, actual)
	if h.Voucher.Amount.Cmp(needed) < 0 {
		return nil, drain.Insufficient(drain.CodeInsufficientFundsPost, needed, h.Voucher.Amount)
	}
	return h.l.record(ctx, h.Validation, actual)
}

// Release abandons the hold without recording anything. Safe to call after
// Settle, so callers can defer it.
func (h *Hold) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.release()
}

// RecordCharge validates v against cost and records it in one step, for
// callers that know the cost up front.
func (l *Ledger) RecordCharge(ctx context.Context, v *voucher.Voucher, cost *big.Int) (*Receipt, error) {
	h, err := l.Preauthorize(ctx, v, cost)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return h.Settle(ctx, cost)
}

// record persists the charge. Caller holds the channel lock.
func (l *Ledger) record(ctx context.Context, val *Validation, cost *big.Int) (*Receipt, error) {
	now := l.now()
	st := val.State.Clone()
	stored := &voucher.Stored{
		Voucher:    *val.Voucher.Clone(),
		Consumer:   val.Channel.Consumer,
		ReceivedAt: now.UnixMilli(),
	}
	st.TotalCharged = drain.Add(st.TotalCharged, cost)
	st.LastVoucher = stored
	st.LastActivityAt = now.UnixMilli()

	if err := l.store.Put(ctx, st, stored); err != nil {
		return nil, fmt.Errorf("persist charge: %w", err)
	}
	l.log.Info("charge recorded",
		zap.String("channel", st.ChannelID.Hex()),
		zap.String("cost", cost.String()),
		zap.String("total", st.TotalCharged.String()),
		zap.String("nonce", stored.Nonce.String()),
	)
	return &Receipt{
		ChannelID: st.ChannelID,
		Cost:      new(big.Int).Set(cost),
		Total:     new(big.Int).Set(st.TotalCharged),
		Remaining: drain.Sub(val.Channel.Deposit, st.TotalCharged),
	}, nil
}

// ── Channel lifecycle ─────────────────────────────────────────────────────────

// ChannelStatus derives the lifecycle state lazily from the oracle and the
// local record: unknown until the first accepted voucher, closed once the
// consumer slot is cleared on-chain.
func (l *Ledger) ChannelStatus(ctx context.Context, id common.Hash) (drain.Status, error) {
	ch, err := l.oracle.GetChannel(ctx, id)
	if err != nil {
		return drain.StatusUnknown, err
	}
	st, err := l.store.GetChannel(ctx, id)
	if err != nil {
		return drain.StatusUnknown, err
	}
	switch {
	case !ch.Exists() && st != nil:
		return drain.StatusClosed, nil
	case !ch.Exists() || st == nil:
		return drain.StatusUnknown, nil
	case ch.Expired(l.now()):
		return drain.StatusExpired, nil
	default:
		return drain.StatusActive, nil
	}
}

// ChannelInfo is the admin view of one channel.
type ChannelInfo struct {
	Status  drain.Status        `json:"status"`
	Channel *drain.Channel      `json:"onchain"`
	State   *store.ChannelState `json:"state,omitempty"`
}

func (l *Ledger) ChannelInfo(ctx context.Context, id common.Hash) (*ChannelInfo, error) {
	status, err := l.ChannelStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	ch, err := l.oracle.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := l.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ChannelInfo{Status: status, Channel: ch, State: st}, nil
}

// Purge deletes the local record of a channel that is closed on-chain.
func (l *Ledger) Purge(ctx context.Context, id common.Hash) error {
	release, err := l.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	ch, err := l.oracle.Fresh(ctx, id)
	if err != nil {
		return err
	}
	if ch.Exists() {
		return fmt.Errorf("purge %s: %w", id.Hex(), ErrChannelOpen)
	}
	if err := l.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	l.log.Info("channel purged", zap.String("channel", id.Hex()))
	return nil
}
