package drain

import (
	"errors"
	"fmt"
	"math/big"
)

// Code is the wire name of a payment error, sent in X-DRAIN-Error.
type Code string

const (
	CodeVoucherRequired       Code = "voucher_required"
	CodeMalformedVoucher      Code = "invalid_voucher_format"
	CodeChannelNotFound       Code = "channel_not_found"
	CodeWrongProvider         Code = "wrong_provider"
	CodeInsufficientFunds     Code = "insufficient_funds"
	CodeInsufficientFundsPost Code = "insufficient_funds_post"
	CodeExceedsDeposit        Code = "exceeds_deposit"
	CodeInvalidNonce          Code = "invalid_nonce"
	CodeInvalidSignature      Code = "invalid_signature"
	CodeChannelExpired        Code = "channel_expired"
	CodeChannelNotExpired     Code = "channel_not_expired"
	CodeOnChainFailure        Code = "onchain_failure"
	CodeInsufficientAllowance Code = "insufficient_allowance"
	CodeDepositExceeded       Code = "deposit_exceeded"
)

// Sentinels for errors.Is. Matching is by Code only.
var (
	ErrVoucherRequired       = &Error{Code: CodeVoucherRequired}
	ErrMalformedVoucher      = &Error{Code: CodeMalformedVoucher}
	ErrChannelNotFound       = &Error{Code: CodeChannelNotFound}
	ErrWrongProvider         = &Error{Code: CodeWrongProvider}
	ErrInsufficientFunds     = &Error{Code: CodeInsufficientFunds}
	ErrInsufficientFundsPost = &Error{Code: CodeInsufficientFundsPost}
	ErrExceedsDeposit        = &Error{Code: CodeExceedsDeposit}
	ErrInvalidNonce          = &Error{Code: CodeInvalidNonce}
	ErrInvalidSignature      = &Error{Code: CodeInvalidSignature}
	ErrChannelExpired        = &Error{Code: CodeChannelExpired}
	ErrChannelNotExpired     = &Error{Code: CodeChannelNotExpired}
	ErrOnChainFailure        = &Error{Code: CodeOnChainFailure}
	ErrInsufficientAllowance = &Error{Code: CodeInsufficientAllowance}
	ErrDepositExceeded       = &Error{Code: CodeDepositExceeded}
)

// Error is a payment-protocol failure. Required and Provided are set for
// shortfall errors so callers can tell how much more to authorize.
type Error struct {
	Code      Code
	Msg       string
	Required  *big.Int
	Provided  *big.Int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Shortfall returns Required - Provided, or nil when either is unset.
func (e *Error) Shortfall() *big.Int {
	if e.Required == nil || e.Provided == nil {
		return nil
	}
	return new(big.Int).Sub(e.Required, e.Provided)
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Insufficient builds a shortfall error carrying required and provided amounts.
func Insufficient(code Code, required, provided *big.Int) *Error {
	return &Error{
		Code:     code,
		Msg:      fmt.Sprintf("required %s, provided %s", required, provided),
		Required: new(big.Int).Set(required),
		Provided: new(big.Int).Set(provided),
	}
}

// OnChain wraps a chain-side failure. transient marks failures where the
// outcome is unknown (RPC error, receipt timeout) rather than a revert.
func OnChain(msg string, transient bool, err error) *Error {
	return &Error{Code: CodeOnChainFailure, Msg: msg, Transient: transient, Err: err}
}

// CodeOf returns the payment code carried by err, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Kind groups errors by what the caller should do about them.
type Kind int

const (
	KindNone Kind = iota
	// KindPayMore: sign a larger voucher or raise allowance.
	KindPayMore
	// KindRejected: the request is broken and retrying will not help.
	KindRejected
	// KindRetryLater: transient chain or RPC trouble.
	KindRetryLater
)

func (k Kind) String() string {
	switch k {
	case KindPayMore:
		return "pay_more"
	case KindRejected:
		return "rejected"
	case KindRetryLater:
		return "retry_later"
	default:
		return "none"
	}
}

// KindOf classifies err. Errors outside the taxonomy are KindRetryLater.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if !errors.As(err, &e) {
		return KindRetryLater
	}
	switch e.Code {
	case CodeInsufficientFunds, CodeInsufficientFundsPost, CodeInsufficientAllowance, CodeDepositExceeded:
		return KindPayMore
	case CodeOnChainFailure:
		if e.Transient {
			return KindRetryLater
		}
		return KindRejected
	default:
		return KindRejected
	}
}
