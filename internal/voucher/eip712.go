package voucher

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	voucherTypeHash = crypto.Keccak256Hash([]byte(
		"Voucher(bytes32 channelId,uint256 amount,uint256 nonce)",
	))
	nameHash    = crypto.Keccak256Hash([]byte(drain.DomainName))
	versionHash = crypto.Keccak256Hash([]byte(drain.DomainVersion))
)

// Payload is the signable form of a voucher under one deployment's domain.
type Payload struct {
	DomainSeparator common.Hash
	StructHash      common.Hash
	Digest          common.Hash
}

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(chainID *big.Int, contractAddr common.Address) common.Hash {
	// abi.encode(bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contractAddr.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// Encode builds the domain-separated payload for (channelId, amount, nonce).
// Shape errors are reported as invalid_voucher_format.
func Encode(channelID common.Hash, amount, nonce, chainID *big.Int, contractAddr common.Address) (*Payload, error) {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "amount out of range")
	}
	if nonce == nil || nonce.Sign() < 0 || nonce.BitLen() > 256 {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "nonce out of range")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "chain id must be positive")
	}

	// structHash = keccak256(typeHash || channelId || amount || nonce)
	encoded := make([]byte, 4*32)
	copy(encoded[0:32], voucherTypeHash[:])
	copy(encoded[32:64], channelID[:])
	amount.FillBytes(encoded[64:96])
	nonce.FillBytes(encoded[96:128])
	structHash := crypto.Keccak256Hash(encoded)

	sep := domainSeparator(chainID, contractAddr)

	// digest = keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])

	return &Payload{
		DomainSeparator: sep,
		StructHash:      structHash,
		Digest:          crypto.Keccak256Hash(msg),
	}, nil
}

// Sign fills v.Signature with the consumer's EIP-712 signature.
func Sign(v *Voucher, privKey *ecdsa.PrivateKey, chainID *big.Int, contractAddr common.Address) error {
	p, err := Encode(v.ChannelID, v.Amount, v.Nonce, chainID, contractAddr)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(p.Digest[:], privKey)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	v.Signature = sig
	return nil
}

// Recover returns the address that signed v under the given domain.
func Recover(v *Voucher, chainID *big.Int, contractAddr common.Address) (common.Address, error) {
	if err := v.CheckShape(); err != nil {
		return common.Address{}, err
	}
	p, err := Encode(v.ChannelID, v.Amount, v.Nonce, chainID, contractAddr)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	copy(sig, v.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(p.Digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that v was signed by expected. The expected signer must come
// from the oracle's channel record, never from the request.
func Verify(v *Voucher, chainID *big.Int, contractAddr, expected common.Address) error {
	if err := v.CheckShape(); err != nil {
		return err
	}
	signer, err := Recover(v, chainID, contractAddr)
	if err != nil {
		return &drain.Error{Code: drain.CodeInvalidSignature, Msg: "recover signer", Err: err}
	}
	if signer != expected {
		return drain.Errorf(drain.CodeInvalidSignature, "signer does not match channel consumer")
	}
	return nil
}
