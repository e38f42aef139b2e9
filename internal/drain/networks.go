package drain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	ChainPolygon     int64 = 137
	ChainPolygonAmoy int64 = 80002

	// USDCDecimals is the precision of the settlement token.
	USDCDecimals = 6
)

// EIP-712 domain fields of the DrainChannel contract.
const (
	DomainName    = "DrainChannel"
	DomainVersion = "1"
)

// Network holds the deployed contract addresses for one chain.
type Network struct {
	ChainID  int64
	Name     string
	Contract common.Address
	Token    common.Address
	RPCURL   string // public default endpoint
}

var Networks = map[int64]Network{
	ChainPolygon: {
		ChainID:  ChainPolygon,
		Name:     "Polygon Mainnet",
		Contract: common.HexToAddress("0x1C1918C99b6DcE977392E4131C91654d8aB71e64"),
		Token:    common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
		RPCURL:   "https://polygon-rpc.com",
	},
	ChainPolygonAmoy: {
		ChainID:  ChainPolygonAmoy,
		Name:     "Polygon Amoy (Testnet)",
		Contract: common.HexToAddress("0x61f1C1E04d6Da1C92D0aF1a3d7Dc0fEFc8794d7C"),
		Token:    common.HexToAddress("0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"),
		RPCURL:   "https://rpc-amoy.polygon.technology",
	},
}

// ResolveNetwork returns the network for chainID, with explicit contract and
// token addresses taking precedence over the built-in ones. Unknown chains
// are accepted only when both addresses are given.
func ResolveNetwork(chainID int64, contract, token string) (Network, error) {
	n, known := Networks[chainID]
	if !known {
		n = Network{ChainID: chainID, Name: fmt.Sprintf("chain %d", chainID)}
	}
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return Network{}, fmt.Errorf("invalid contract address %q", contract)
		}
		n.Contract = common.HexToAddress(contract)
	}
	if token != "" {
		if !common.IsHexAddress(token) {
			return Network{}, fmt.Errorf("invalid token address %q", token)
		}
		n.Token = common.HexToAddress(token)
	}
	if n.Contract == (common.Address{}) || n.Token == (common.Address{}) {
		return Network{}, fmt.Errorf("chain %d: contract and token addresses required", chainID)
	}
	return n, nil
}
