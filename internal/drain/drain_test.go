package drain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ── Errors ──────────────────────────────────────────────────────────────────

func TestError_IsMatchesByCode(t *testing.T) {
	err := Errorf(CodeInvalidNonce, "nonce 3 <= last 5")
	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatal("expected errors.Is to match on code")
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Fatal("different code must not match")
	}

	wrapped := fmt.Errorf("validate: %w", err)
	if !errors.Is(wrapped, ErrInvalidNonce) {
		t.Fatal("wrapped error should still match")
	}
	if CodeOf(wrapped) != CodeInvalidNonce {
		t.Errorf("CodeOf: got %q", CodeOf(wrapped))
	}
}

func TestInsufficient_Shortfall(t *testing.T) {
	err := Insufficient(CodeInsufficientFunds, big.NewInt(1500), big.NewInt(1000))
	if got := err.Shortfall(); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("Shortfall: got %s want 500", got)
	}
	if err.Error() != "insufficient_funds: required 1500, provided 1000" {
		t.Errorf("Error(): %q", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{ErrInsufficientFunds, KindPayMore},
		{ErrInsufficientFundsPost, KindPayMore},
		{ErrInvalidSignature, KindRejected},
		{ErrMalformedVoucher, KindRejected},
		{OnChain("rpc", true, errors.New("timeout")), KindRetryLater},
		{OnChain("reverted", false, nil), KindRejected},
		{errors.New("plain"), KindRetryLater},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v): got %s want %s", c.err, got, c.want)
		}
	}
}

func TestOnChain_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := OnChain("getChannel", true, cause)
	if !errors.Is(err, cause) {
		t.Fatal("OnChain should unwrap to its cause")
	}
}

// ── Channel ─────────────────────────────────────────────────────────────────

func TestChannel_ExistsAndExpiry(t *testing.T) {
	var nilCh *Channel
	if nilCh.Exists() {
		t.Fatal("nil channel should not exist")
	}
	ch := &Channel{
		Consumer: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Deposit:  big.NewInt(1_000_000),
		Claimed:  big.NewInt(250_000),
		Expiry:   big.NewInt(1_700_000_000),
	}
	if !ch.Exists() {
		t.Fatal("channel with consumer should exist")
	}
	if ch.Expired(time.Unix(1_699_999_999, 0)) {
		t.Error("should not be expired one second before expiry")
	}
	if !ch.Expired(time.Unix(1_700_000_000, 0)) {
		t.Error("should be expired at expiry")
	}
	if got := ch.Refundable(); got.Cmp(big.NewInt(750_000)) != 0 {
		t.Errorf("Refundable: got %s", got)
	}
}

// ── Units ───────────────────────────────────────────────────────────────────

func TestParseUSDC(t *testing.T) {
	cases := map[string]int64{
		"1":        1_000_000,
		"0.01":     10_000,
		"10.5":     10_500_000,
		"0.000001": 1,
	}
	for in, want := range cases {
		got, err := ParseUSDC(in)
		if err != nil {
			t.Fatalf("ParseUSDC(%q): %v", in, err)
		}
		if got.Int64() != want {
			t.Errorf("ParseUSDC(%q): got %s want %d", in, got, want)
		}
	}

	for _, bad := range []string{"abc", "-1", "0.0000001"} {
		if _, err := ParseUSDC(bad); err == nil {
			t.Errorf("ParseUSDC(%q): expected error", bad)
		}
	}
}

func TestFormatUSDC(t *testing.T) {
	if got := FormatUSDC(big.NewInt(990_000)); got != "0.990000" {
		t.Errorf("FormatUSDC: got %q", got)
	}
	if got := FormatUSDC(nil); got != "0.000000" {
		t.Errorf("FormatUSDC(nil): got %q", got)
	}
}

// ── Networks ────────────────────────────────────────────────────────────────

func TestResolveNetwork(t *testing.T) {
	n, err := ResolveNetwork(ChainPolygon, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if n.Contract != Networks[ChainPolygon].Contract {
		t.Errorf("contract: got %s", n.Contract.Hex())
	}

	override := "0x2222222222222222222222222222222222222222"
	n, err = ResolveNetwork(ChainPolygonAmoy, override, "")
	if err != nil {
		t.Fatal(err)
	}
	if n.Contract != common.HexToAddress(override) {
		t.Errorf("override ignored: %s", n.Contract.Hex())
	}

	if _, err := ResolveNetwork(1337, "", ""); err == nil {
		t.Error("unknown chain without addresses should fail")
	}
	if _, err := ResolveNetwork(1337, override, override); err != nil {
		t.Errorf("unknown chain with addresses: %v", err)
	}
	if _, err := ResolveNetwork(ChainPolygon, "nothex", ""); err == nil {
		t.Error("invalid address should fail")
	}
}
