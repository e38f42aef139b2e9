package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-drain/internal/config"
	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

// Client wraps go-ethereum and the DrainChannel / ERC20 bindings.
// It is the only component that talks to the chain.
type Client struct {
	eth      *ethclient.Client
	contract *DrainChannel
	token    *ERC20
	network  drain.Network
	chainID  *big.Int
	key      *ecdsa.PrivateKey // nil for read-only clients
	wait     WaitOpts
}

func NewClient(cfg *config.ChainConfig) (*Client, error) {
	network, err := drain.ResolveNetwork(cfg.ChainID, cfg.ContractAddress, cfg.TokenAddress)
	if err != nil {
		return nil, err
	}

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	var privKey *ecdsa.PrivateKey
	if cfg.PrivateKey != "" {
		privKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("parse private key: %w", err)
		}
	}

	contract, err := NewDrainChannel(network.Contract, eth)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("bind drain contract: %w", err)
	}
	token, err := NewERC20(network.Token, eth)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("bind token contract: %w", err)
	}

	return &Client{
		eth:      eth,
		contract: contract,
		token:    token,
		network:  network,
		chainID:  big.NewInt(cfg.ChainID),
		key:      privKey,
		wait: WaitOpts{
			Timeout:    time.Duration(cfg.ReceiptWaitSec) * time.Second,
			Interval:   time.Second,
			MaxBackoff: time.Duration(cfg.MaxBackoffSec) * time.Second,
		},
	}, nil
}

func (c *Client) Close() { c.eth.Close() }

// PrivateKey returns the signing key (nil for read-only clients).
func (c *Client) PrivateKey() *ecdsa.PrivateKey { return c.key }

// Address returns the account behind the signing key.
func (c *Client) Address() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ContractAddress returns the DrainChannel contract address.
func (c *Client) ContractAddress() common.Address { return c.network.Contract }

// TokenAddress returns the settlement token address.
func (c *Client) TokenAddress() common.Address { return c.network.Token }

// Network returns the resolved network description.
func (c *Client) Network() drain.Network { return c.network }

// transactOpts builds a *bind.TransactOpts signed by the client key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.key == nil {
		return nil, fmt.Errorf("no private key configured")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetChannel returns the on-chain channel record. A missing channel comes
// back with a zero Consumer, not an error.
func (c *Client) GetChannel(ctx context.Context, id common.Hash) (*drain.Channel, error) {
	raw, err := c.contract.GetChannel(&bind.CallOpts{Context: ctx}, id)
	if err != nil {
		return nil, drain.OnChain("getChannel", true, err)
	}
	return &drain.Channel{
		ID:       id,
		Consumer: raw.Consumer,
		Provider: raw.Provider,
		Deposit:  raw.Deposit,
		Claimed:  raw.Claimed,
		Expiry:   raw.Expiry,
	}, nil
}

// GetBalance returns deposit - claimed as computed by the contract.
func (c *Client) GetBalance(ctx context.Context, id common.Hash) (*big.Int, error) {
	bal, err := c.contract.GetBalance(&bind.CallOpts{Context: ctx}, id)
	if err != nil {
		return nil, drain.OnChain("getBalance", true, err)
	}
	return bal, nil
}

// Allowance returns how much of owner's token the DrainChannel contract may pull.
func (c *Client) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	a, err := c.token.Allowance(&bind.CallOpts{Context: ctx}, owner, c.network.Contract)
	if err != nil {
		return nil, drain.OnChain("allowance", true, err)
	}
	return a, nil
}

// TokenBalance returns owner's settlement token balance.
func (c *Client) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	b, err := c.token.BalanceOf(&bind.CallOpts{Context: ctx}, owner)
	if err != nil {
		return nil, drain.OnChain("balanceOf", true, err)
	}
	return b, nil
}

// ── Writes ────────────────────────────────────────────────────────────────────
// Writes are never retried here. A transient failure means the outcome is
// unknown; callers re-read chain state before trying again.

// Approve sets the DrainChannel allowance to amount and waits for the receipt.
func (c *Client) Approve(ctx context.Context, amount *big.Int) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.token.Approve(opts, c.network.Contract, amount)
	if err != nil {
		return common.Hash{}, submitError("approve", err)
	}
	if _, err := WaitForReceipt(ctx, c.eth, tx.Hash(), c.wait); err != nil {
		return tx.Hash(), err
	}
	return tx.Hash(), nil
}

// OpenChannel locks amount for provider for durationSec seconds and returns
// the channel id taken from the ChannelOpened event.
func (c *Client) OpenChannel(ctx context.Context, provider common.Address, amount *big.Int, durationSec int64) (common.Hash, common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.contract.Open(opts, provider, amount, big.NewInt(durationSec))
	if err != nil {
		return common.Hash{}, common.Hash{}, submitError("open", err)
	}
	receipt, err := WaitForReceipt(ctx, c.eth, tx.Hash(), c.wait)
	if err != nil {
		return common.Hash{}, tx.Hash(), err
	}
	id, err := ChannelIDFromLogs(&c.contract.DrainChannelFilterer, c.network.Contract, receipt.Logs)
	if err != nil {
		return common.Hash{}, tx.Hash(), err
	}
	return id, tx.Hash(), nil
}

// Claim redeems v on-chain and waits for the receipt.
func (c *Client) Claim(ctx context.Context, v *voucher.Voucher) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.contract.Claim(opts, v.ChannelID, v.Amount, v.Nonce, v.Signature)
	if err != nil {
		return common.Hash{}, submitError("claim", err)
	}
	if _, err := WaitForReceipt(ctx, c.eth, tx.Hash(), c.wait); err != nil {
		return tx.Hash(), err
	}
	return tx.Hash(), nil
}

// CloseChannel returns deposit - claimed to the consumer. The contract
// reverts before expiry.
func (c *Client) CloseChannel(ctx context.Context, id common.Hash) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.contract.Close(opts, id)
	if err != nil {
		return common.Hash{}, submitError("close", err)
	}
	if _, err := WaitForReceipt(ctx, c.eth, tx.Hash(), c.wait); err != nil {
		return tx.Hash(), err
	}
	return tx.Hash(), nil
}

// ChannelIDFromLogs finds the ChannelOpened event emitted by contract and
// returns its channel id (topic 1).
func ChannelIDFromLogs(f *DrainChannelFilterer, contract common.Address, logs []*types.Log) (common.Hash, error) {
	parsed, err := DrainChannelMetaData.GetAbi()
	if err != nil {
		return common.Hash{}, err
	}
	openedID := parsed.Events["ChannelOpened"].ID
	for _, l := range logs {
		if l == nil || l.Address != contract || len(l.Topics) < 2 || l.Topics[0] != openedID {
			continue
		}
		ev, err := f.ParseChannelOpened(*l)
		if err != nil {
			return common.Hash{}, fmt.Errorf("parse ChannelOpened: %w", err)
		}
		return common.Hash(ev.ChannelId), nil
	}
	return common.Hash{}, drain.OnChain("ChannelOpened event not found in receipt", false, nil)
}

// submitError classifies a failed submission. Gas estimation reverts are
// final; anything else may have reached the mempool.
func submitError(op string, err error) error {
	reverted := strings.Contains(strings.ToLower(err.Error()), "revert")
	return drain.OnChain("submit "+op, !reverted, err)
}
