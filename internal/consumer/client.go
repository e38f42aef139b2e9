// Package consumer opens DRAIN channels and signs vouchers against them.
//
// A Client is the single writer for the channels it tracks: nonce allocation
// and cumulative spend are serialized per channel. Running two Clients (or two
// processes) against one channel is not supported.
package consumer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

// Chain is the on-chain surface the consumer needs. *chain.Client satisfies it.
type Chain interface {
	ChainID() *big.Int
	ContractAddress() common.Address
	GetChannel(ctx context.Context, id common.Hash) (*drain.Channel, error)
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	Approve(ctx context.Context, amount *big.Int) (common.Hash, error)
	OpenChannel(ctx context.Context, provider common.Address, amount *big.Int, durationSec int64) (common.Hash, common.Hash, error)
	CloseChannel(ctx context.Context, id common.Hash) (common.Hash, error)
}

// ErrUntracked is returned for channels this client has not opened or restored.
var ErrUntracked = errors.New("channel is not tracked by this client")

// Client signs vouchers for the channels it tracks.
type Client struct {
	chain Chain
	key   *ecdsa.PrivateKey
	addr  common.Address
	log   *zap.Logger
	now   func() time.Time

	mu       sync.Mutex
	channels map[common.Hash]*tracked
}

// tracked is the local view of one channel. mu serializes signing.
type tracked struct {
	mu        sync.Mutex
	channel   *drain.Channel
	lastNonce *big.Int
	spend     *big.Int // highest amount handed out
	charged   *big.Int // last total reported by the provider
	preSigned []*voucher.Voucher
}

func New(ch Chain, key *ecdsa.PrivateKey, log *zap.Logger) *Client {
	return &Client{
		chain:    ch,
		key:      key,
		addr:     crypto.PubkeyToAddress(key.PublicKey),
		log:      log,
		now:      time.Now,
		channels: make(map[common.Hash]*tracked),
	}
}

// Address is the consumer account.
func (c *Client) Address() common.Address { return c.addr }

func (c *Client) get(id common.Hash) (*tracked, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.channels[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id.Hex(), ErrUntracked)
	}
	return t, nil
}

// ── Token ─────────────────────────────────────────────────────────────────────

// Balance returns the consumer's settlement token balance.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	return c.chain.TokenBalance(ctx, c.addr)
}

// Allowance returns what the DrainChannel contract may currently pull.
func (c *Client) Allowance(ctx context.Context) (*big.Int, error) {
	return c.chain.Allowance(ctx, c.addr)
}

// Approve sets the contract allowance to amount.
func (c *Client) Approve(ctx context.Context, amount *big.Int) (common.Hash, error) {
	tx, err := c.chain.Approve(ctx, amount)
	if err != nil {
		return tx, err
	}
	c.log.Info("allowance approved", zap.String("amount", amount.String()), zap.String("tx", tx.Hex()))
	return tx, nil
}

// ── Open / close ──────────────────────────────────────────────────────────────

type OpenOptions struct {
	Provider    common.Address
	Amount      *big.Int // deposit in base units
	DurationSec int64
	// EnsureAllowance raises the allowance to Amount when it is short
	// instead of failing with insufficient_allowance.
	EnsureAllowance bool
}

type OpenResult struct {
	ChannelID common.Hash
	TxHash    common.Hash
	Channel   *drain.Channel
}

// OpenChannel deposits Amount for Provider, waits for the transaction and
// starts tracking the new channel with nonce 0 and spend 0.
func (c *Client) OpenChannel(ctx context.Context, opts OpenOptions) (*OpenResult, error) {
	if opts.Amount == nil || opts.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("deposit must be positive")
	}
	if opts.DurationSec <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	if opts.Provider == (common.Address{}) {
		return nil, fmt.Errorf("provider address is required")
	}

	allowance, err := c.chain.Allowance(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(opts.Amount) < 0 {
		if !opts.EnsureAllowance {
			e := drain.Insufficient(drain.CodeInsufficientAllowance, opts.Amount, allowance)
			e.Msg = fmt.Sprintf("allowance %s USDC is below deposit %s USDC, approve first",
				drain.FormatUSDC(allowance), drain.FormatUSDC(opts.Amount))
			return nil, e
		}
		if _, err := c.Approve(ctx, opts.Amount); err != nil {
			return nil, fmt.Errorf("approve: %w", err)
		}
	}

	id, tx, err := c.chain.OpenChannel(ctx, opts.Provider, opts.Amount, opts.DurationSec)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	ch, err := c.chain.GetChannel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read opened channel: %w", err)
	}
	c.mu.Lock()
	c.channels[id] = &tracked{
		channel:   ch,
		lastNonce: new(big.Int),
		spend:     new(big.Int),
		charged:   new(big.Int),
	}
	c.mu.Unlock()

	c.log.Info("channel opened",
		zap.String("channel", id.Hex()),
		zap.String("provider", opts.Provider.Hex()),
		zap.String("deposit", opts.Amount.String()),
		zap.String("tx", tx.Hex()),
	)
	return &OpenResult{ChannelID: id, TxHash: tx, Channel: ch}, nil
}

type CloseResult struct {
	TxHash common.Hash
	Refund *big.Int
}

// CloseChannel reclaims deposit - claimed once the channel has expired.
// Before expiry it fails with channel_not_expired without sending anything.
func (c *Client) CloseChannel(ctx context.Context, id common.Hash) (*CloseResult, error) {
	ch, err := c.chain.GetChannel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read channel: %w", err)
	}
	if !ch.Exists() {
		return nil, drain.Errorf(drain.CodeChannelNotFound, "%s does not exist or is already closed", id.Hex())
	}
	if ch.Consumer != c.addr {
		return nil, fmt.Errorf("channel %s belongs to %s", id.Hex(), ch.Consumer.Hex())
	}
	if !ch.Expired(c.now()) {
		return nil, drain.Errorf(drain.CodeChannelNotExpired,
			"expires at %s (deposit %s, claimed %s, refundable %s)",
			ch.ExpiresAt().UTC().Format(time.RFC3339),
			drain.FormatUSDC(ch.Deposit), drain.FormatUSDC(ch.Claimed), drain.FormatUSDC(ch.Refundable()))
	}

	refund := ch.Refundable()
	tx, err := c.chain.CloseChannel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("close channel: %w", err)
	}
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()

	c.log.Info("channel closed",
		zap.String("channel", id.Hex()),
		zap.String("refund", refund.String()),
		zap.String("tx", tx.Hex()),
	)
	return &CloseResult{TxHash: tx, Refund: refund}, nil
}

// ── Local state ───────────────────────────────────────────────────────────────

// State is a snapshot of one tracked channel.
type State struct {
	ChannelID common.Hash    `json:"channelId"`
	Provider  common.Address `json:"provider"`
	Deposit   *big.Int       `json:"deposit"`
	Claimed   *big.Int       `json:"claimed"`
	Expiry    *big.Int       `json:"expiry"`
	LastNonce *big.Int       `json:"lastNonce"`
	Spend     *big.Int       `json:"spend"`
	Charged   *big.Int       `json:"charged"`
	PreSigned int            `json:"-"`
}

// Remaining is deposit minus what has been signed away.
func (s State) Remaining() *big.Int { return drain.Sub(s.Deposit, s.Spend) }

func (t *tracked) snapshot() State {
	return State{
		ChannelID: t.channel.ID,
		Provider:  t.channel.Provider,
		Deposit:   new(big.Int).Set(t.channel.Deposit),
		Claimed:   drain.Add(t.channel.Claimed, nil),
		Expiry:    drain.Add(t.channel.Expiry, nil),
		LastNonce: new(big.Int).Set(t.lastNonce),
		Spend:     new(big.Int).Set(t.spend),
		Charged:   new(big.Int).Set(t.charged),
		PreSigned: len(t.preSigned),
	}
}

// Track resumes a channel opened earlier. Counters must be at least what was
// last signed, otherwise the provider rejects the next voucher's nonce.
func (c *Client) Track(st State) error {
	if st.ChannelID == (common.Hash{}) || st.Deposit == nil {
		return fmt.Errorf("channel id and deposit are required")
	}
	t := &tracked{
		channel: &drain.Channel{
			ID:       st.ChannelID,
			Consumer: c.addr,
			Provider: st.Provider,
			Deposit:  new(big.Int).Set(st.Deposit),
			Claimed:  drain.Add(st.Claimed, nil),
			Expiry:   drain.Add(st.Expiry, nil),
		},
		lastNonce: drain.Add(st.LastNonce, nil),
		spend:     drain.Add(st.Spend, nil),
		charged:   drain.Add(st.Charged, nil),
	}
	c.mu.Lock()
	c.channels[st.ChannelID] = t
	c.mu.Unlock()
	return nil
}

// ChannelState returns the local view of id.
func (c *Client) ChannelState(id common.Hash) (State, bool) {
	t, err := c.get(id)
	if err != nil {
		return State{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(), true
}

// States returns every tracked channel.
func (c *Client) States() []State {
	c.mu.Lock()
	ts := make([]*tracked, 0, len(c.channels))
	for _, t := range c.channels {
		ts = append(ts, t)
	}
	c.mu.Unlock()

	out := make([]State, 0, len(ts))
	for _, t := range ts {
		t.mu.Lock()
		out = append(out, t.snapshot())
		t.mu.Unlock()
	}
	return out
}

// RefreshChannel re-reads the channel from chain. For tracked channels the
// cached deposit, claimed and expiry are updated.
func (c *Client) RefreshChannel(ctx context.Context, id common.Hash) (*drain.Channel, error) {
	ch, err := c.chain.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ch.Exists() {
		return ch, drain.Errorf(drain.CodeChannelNotFound, "%s does not exist or is closed", id.Hex())
	}
	if t, err := c.get(id); err == nil {
		t.mu.Lock()
		t.channel = ch
		t.mu.Unlock()
	}
	return ch, nil
}

// ── Signing ───────────────────────────────────────────────────────────────────

// SignVoucher authorizes increment more than the current spend.
func (c *Client) SignVoucher(id common.Hash, increment *big.Int) (*voucher.Voucher, error) {
	if increment == nil || increment.Sign() < 0 {
		return nil, fmt.Errorf("increment must not be negative")
	}
	t, err := c.get(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.signLocked(t, drain.Add(t.spend, increment))
}

// SignVoucherTotal authorizes an explicit cumulative total. The total may
// equal the current spend but never go below it.
func (c *Client) SignVoucherTotal(id common.Hash, total *big.Int) (*voucher.Voucher, error) {
	if total == nil || total.Sign() < 0 {
		return nil, fmt.Errorf("total must not be negative")
	}
	t, err := c.get(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if total.Cmp(t.spend) < 0 {
		return nil, fmt.Errorf("total %s is below amount already signed %s", total, t.spend)
	}
	return c.signLocked(t, new(big.Int).Set(total))
}

// signLocked signs a fresh voucher for total and drops any pre-signed batch,
// whose nonces are now stale. Caller holds t.mu.
func (c *Client) signLocked(t *tracked, total *big.Int) (*voucher.Voucher, error) {
	if err := t.checkDeposit(total); err != nil {
		return nil, err
	}
	v, err := c.sign(t, total)
	if err != nil {
		return nil, err
	}
	t.spend = new(big.Int).Set(total)
	t.preSigned = nil
	return v.Clone(), nil
}

// sign allocates the next nonce and signs. Caller holds t.mu.
func (c *Client) sign(t *tracked, total *big.Int) (*voucher.Voucher, error) {
	nonce := new(big.Int).Add(t.lastNonce, big.NewInt(1))
	v := &voucher.Voucher{ChannelID: t.channel.ID, Amount: total, Nonce: nonce}
	if err := voucher.Sign(v, c.key, c.chain.ChainID(), c.chain.ContractAddress()); err != nil {
		return nil, fmt.Errorf("sign voucher: %w", err)
	}
	t.lastNonce = nonce
	return v, nil
}

func (t *tracked) checkDeposit(total *big.Int) error {
	if total.Cmp(t.channel.Deposit) <= 0 {
		return nil
	}
	return &drain.Error{
		Code: drain.CodeDepositExceeded,
		Msg: fmt.Sprintf("total %s exceeds deposit %s (claimed %s, unsigned %s)",
			total, t.channel.Deposit, drain.Add(t.channel.Claimed, nil), drain.Sub(t.channel.Deposit, t.spend)),
		Required: new(big.Int).Set(total),
		Provided: new(big.Int).Set(t.channel.Deposit),
	}
}

// PreSign signs up to n vouchers of spend + i*unitCost, stopping at the
// deposit. The batch replaces any earlier one and is handed out in nonce
// order by NextVoucher.
func (c *Client) PreSign(id common.Hash, unitCost *big.Int, n int) ([]*voucher.Voucher, error) {
	if unitCost == nil || unitCost.Sign() <= 0 || n <= 0 {
		return nil, fmt.Errorf("unit cost and count must be positive")
	}
	t, err := c.get(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := make([]*voucher.Voucher, 0, n)
	total := new(big.Int).Set(t.spend)
	for i := 0; i < n; i++ {
		next := new(big.Int).Add(total, unitCost)
		if err := t.checkDeposit(next); err != nil {
			if len(batch) == 0 {
				return nil, err
			}
			break
		}
		v, err := c.sign(t, next)
		if err != nil {
			return nil, err
		}
		batch = append(batch, v)
		total = next
	}
	t.preSigned = batch

	out := make([]*voucher.Voucher, len(batch))
	for i, v := range batch {
		out[i] = v.Clone()
	}
	return out, nil
}

// NextVoucher hands out the oldest pre-signed voucher. Vouchers are
// consumed strictly in nonce order; false means the batch is exhausted.
func (c *Client) NextVoucher(id common.Hash) (*voucher.Voucher, bool) {
	t, err := c.get(id)
	if err != nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.preSigned) == 0 {
		return nil, false
	}
	v := t.preSigned[0]
	t.preSigned = t.preSigned[1:]
	t.spend = new(big.Int).Set(v.Amount)
	return v.Clone(), true
}

// Report is the provider's account of a paid request.
type Report struct {
	ChannelID common.Hash
	Cost      *big.Int
	Total     *big.Int
	Remaining *big.Int
}

// Reconcile records the provider-reported total. The total never moves
// backwards locally.
func (c *Client) Reconcile(id common.Hash, r Report) error {
	t, err := c.get(id)
	if err != nil {
		return err
	}
	if r.Total == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.Total.Cmp(t.charged) > 0 {
		t.charged = new(big.Int).Set(r.Total)
	}
	if r.Total.Cmp(t.spend) > 0 {
		c.log.Warn("provider reports more than was signed",
			zap.String("channel", id.Hex()),
			zap.String("total", r.Total.String()),
			zap.String("signed", t.spend.String()),
		)
	}
	return nil
}

// authorize signs a voucher covering what the provider has charged plus
// budget: max(spend, charged+budget). Used by PaidClient.
func (c *Client) authorize(id common.Hash, budget *big.Int) (*voucher.Voucher, error) {
	t, err := c.get(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	target := drain.Add(t.charged, budget)
	if t.spend.Cmp(target) > 0 {
		target.Set(t.spend)
	}
	return c.signLocked(t, target)
}
