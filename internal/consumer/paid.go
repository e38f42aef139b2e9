package consumer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/pricing"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

// PaidClient calls a DRAIN provider's OpenAI-compatible API, paying each
// request with a voucher from Client.
type PaidClient struct {
	consumer *Client
	baseURL  string
	http     *http.Client
	log      *zap.Logger
}

// NewPaidClient talks to the provider at baseURL. c may be nil for clients
// that only read pricing.
func NewPaidClient(c *Client, baseURL string, timeout time.Duration) *PaidClient {
	log := zap.NewNop()
	if c != nil {
		log = c.log
	}
	return &PaidClient{
		consumer: c,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// ChatResult is a paid completion. Body is the raw JSON, or the raw SSE
// stream for streaming requests.
type ChatResult struct {
	Body    []byte
	Report  Report
	Voucher *voucher.Voucher
}

// ChatCompletion sends body to /v1/chat/completions with a voucher covering
// everything charged so far plus budget. If the provider answers
// insufficient_funds with a required amount within the deposit, the request
// is retried once with a voucher for exactly that amount.
func (p *PaidClient) ChatCompletion(ctx context.Context, channelID common.Hash, body []byte, budget *big.Int) (*ChatResult, error) {
	v, err := p.consumer.authorize(channelID, budget)
	if err != nil {
		return nil, err
	}
	res, err := p.send(ctx, channelID, body, v)

	var de *drain.Error
	if errors.As(err, &de) && de.Code == drain.CodeInsufficientFunds && de.Required != nil {
		p.log.Info("provider asked for more, retrying once",
			zap.String("channel", channelID.Hex()),
			zap.String("required", de.Required.String()),
		)
		v, verr := p.consumer.SignVoucherTotal(channelID, de.Required)
		if verr != nil {
			return nil, fmt.Errorf("%w (retry: %v)", err, verr)
		}
		res, err = p.send(ctx, channelID, body, v)
	}
	if err != nil {
		return nil, err
	}
	if err := p.consumer.Reconcile(channelID, res.Report); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *PaidClient) send(ctx context.Context, channelID common.Hash, body []byte, v *voucher.Voucher) (*ChatResult, error) {
	hdr, err := voucher.EncodeHeader(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(voucher.HeaderName, hdr)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		return nil, errorFromHeaders(resp.Header, raw)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	meta := map[string]string{}
	for _, k := range []string{drain.HeaderCost, drain.HeaderTotal, drain.HeaderRemaining, drain.HeaderError} {
		if s := resp.Header.Get(k); s != "" {
			meta[k] = s
		}
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		for k, s := range sseMetadata(raw) {
			meta[k] = s
		}
	}
	if code := meta[drain.HeaderError]; code != "" {
		return nil, &drain.Error{Code: drain.Code(code), Msg: "reported in stream"}
	}

	report := Report{ChannelID: channelID}
	report.Cost = parseAmount(meta[drain.HeaderCost])
	report.Total = parseAmount(meta[drain.HeaderTotal])
	report.Remaining = parseAmount(meta[drain.HeaderRemaining])
	return &ChatResult{Body: raw, Report: report, Voucher: v}, nil
}

// sseMetadata collects ": X-DRAIN-*: value" comment lines from a stream.
func sseMetadata(raw []byte) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, ": X-DRAIN-") {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimPrefix(line, ": "), ":")
		if ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

// errorFromHeaders rebuilds the provider's payment error from a 402.
func errorFromHeaders(h http.Header, body []byte) error {
	e := &drain.Error{Code: drain.Code(h.Get(drain.HeaderError))}
	if e.Code == "" {
		e.Code = drain.CodeVoucherRequired
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		e.Msg = envelope.Error.Message
	}
	e.Required = parseAmount(h.Get(drain.HeaderRequired))
	e.Provided = parseAmount(h.Get(drain.HeaderProvided))
	return e
}

func parseAmount(s string) *big.Int {
	if s == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return n
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// PricingInfo is the provider's published price list.
type PricingInfo struct {
	Provider common.Address                `json:"provider"`
	ChainID  int64                         `json:"chainId"`
	Currency string                        `json:"currency"`
	Decimals int                           `json:"decimals"`
	Source   string                        `json:"source"`
	Models   map[string]pricing.ModelPrice `json:"models"`
}

// Pricing fetches GET /v1/pricing.
func (p *PaidClient) Pricing(ctx context.Context) (*PricingInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/pricing", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing: status %d", resp.StatusCode)
	}
	var info PricingInfo
	return &info, json.NewDecoder(resp.Body).Decode(&info)
}
