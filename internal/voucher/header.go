package voucher

import (
	"bytes"
	"encoding/json"
	"io"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

// HeaderName carries the JSON-encoded voucher alongside a paid request.
const HeaderName = "X-DRAIN-Voucher"

// maxHeaderLen bounds the JSON before decoding.
const maxHeaderLen = 1024

var (
	channelIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	uintPattern      = regexp.MustCompile(`^[0-9]{1,78}$`)
	sigPattern       = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

// Header is the wire form of a voucher: amounts and nonce as decimal strings.
type Header struct {
	ChannelID string `json:"channelId"`
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// ParseHeader decodes an X-DRAIN-Voucher value. Unknown fields, missing
// fields, trailing data and non-canonical numbers are all rejected.
func ParseHeader(raw string) (*Voucher, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, drain.ErrVoucherRequired
	}
	if len(raw) > maxHeaderLen {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "header exceeds %d bytes", maxHeaderLen)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, &drain.Error{Code: drain.CodeMalformedVoucher, Msg: "decode json", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "trailing data after voucher")
	}
	return h.Voucher()
}

// Voucher validates each field and converts to the typed form.
func (h Header) Voucher() (*Voucher, error) {
	if !channelIDPattern.MatchString(h.ChannelID) {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "channelId must be 0x-prefixed 32-byte hex")
	}
	amount, err := parseUint("amount", h.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint("nonce", h.Nonce)
	if err != nil {
		return nil, err
	}
	if !sigPattern.MatchString(h.Signature) {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "signature must be 0x-prefixed 65-byte hex")
	}
	sig, err := hexutil.Decode(h.Signature)
	if err != nil {
		return nil, &drain.Error{Code: drain.CodeMalformedVoucher, Msg: "signature", Err: err}
	}

	v := &Voucher{
		ChannelID: common.HexToHash(h.ChannelID),
		Amount:    amount,
		Nonce:     nonce,
		Signature: sig,
	}
	if err := v.CheckShape(); err != nil {
		return nil, err
	}
	return v, nil
}

func parseUint(field, s string) (*big.Int, error) {
	if !uintPattern.MatchString(s) || (len(s) > 1 && s[0] == '0') {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "%s must be a canonical decimal integer", field)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.BitLen() > 256 {
		return nil, drain.Errorf(drain.CodeMalformedVoucher, "%s out of range", field)
	}
	return n, nil
}

// ToHeader converts v to its wire form.
func (v *Voucher) ToHeader() Header {
	return Header{
		ChannelID: v.ChannelID.Hex(),
		Amount:    v.Amount.String(),
		Nonce:     v.Nonce.String(),
		Signature: hexutil.Encode(v.Signature),
	}
}

// EncodeHeader renders v as an X-DRAIN-Voucher value.
func EncodeHeader(v *Voucher) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v.ToHeader()); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
