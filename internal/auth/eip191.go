// Package auth guards the provider's admin API.
//
// Two credentials are accepted: a static bearer token, and a short-lived
// EIP-191 personal_sign message from the operator wallet that names the exact
// route being called.
package auth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var errSigLength = errors.New("signature must be 65 bytes")

// SignOperator signs msg as personal_sign would, with V in {27,28}.
func SignOperator(msg []byte, sign func(hash []byte) ([]byte, error)) ([]byte, error) {
	sig, err := sign(accounts.TextHash(msg))
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, errSigLength
	}
	sig[64] += 27
	return sig, nil
}

// RecoverOperator returns the wallet that produced sig over msg.
// V may be 0/1 or 27/28.
func RecoverOperator(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errSigLength
	}
	rsv := append([]byte(nil), sig...)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
