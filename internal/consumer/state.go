package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-drain/internal/store"
)

// stateFile is the on-disk form of the client's channels. Account, chain and
// contract guard against loading counters signed under another identity.
type stateFile struct {
	Account  common.Address `json:"account"`
	ChainID  *big.Int       `json:"chainId"`
	Contract common.Address `json:"contract"`
	Channels []State        `json:"channels"`
}

// SaveState writes every tracked channel to path atomically.
func (c *Client) SaveState(path string) error {
	doc := stateFile{
		Account:  c.addr,
		ChainID:  c.chain.ChainID(),
		Contract: c.chain.ContractAddress(),
		Channels: c.States(),
	}
	raw, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return store.WriteFileAtomic(path, raw, 0o600)
}

// LoadState restores channels saved by SaveState. A missing file is not an
// error.
func (c *Client) LoadState(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	var doc stateFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode state %s: %w", path, err)
	}
	if doc.Account != c.addr {
		return fmt.Errorf("state %s belongs to %s, not %s", path, doc.Account.Hex(), c.addr.Hex())
	}
	if doc.ChainID == nil || doc.ChainID.Cmp(c.chain.ChainID()) != 0 || doc.Contract != c.chain.ContractAddress() {
		return fmt.Errorf("state %s was written for chain %v contract %s", path, doc.ChainID, doc.Contract.Hex())
	}
	for _, st := range doc.Channels {
		if err := c.Track(st); err != nil {
			return fmt.Errorf("restore %s: %w", st.ChannelID.Hex(), err)
		}
	}
	return nil
}
