// Package orchestrator sells metered inference over an OpenAI-compatible API.
//
// Each request is preauthorized against the caller's voucher with an
// estimated cost, served by the upstream API, and then settled once with the
// cost computed from real usage.
package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/ledger"
	"github.com/0gfoundation/0g-drain/internal/pricing"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

// ChatRequest holds the fields of a chat completion the orchestrator reads.
// The original body is forwarded untouched apart from stream options.
type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            json.RawMessage `json:"messages"`
	Stream              bool            `json:"stream"`
	MaxTokens           int64           `json:"max_tokens"`
	MaxCompletionTokens int64           `json:"max_completion_tokens"`

	body []byte
}

// ParseChatRequest decodes the fields used for pricing.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var r ChatRequest
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, badRequest("invalid_request_error", "invalid_json", "request body is not valid JSON")
	}
	if r.Model == "" {
		return nil, badRequest("invalid_request_error", "model_required", "model is required")
	}
	if len(r.Messages) == 0 {
		return nil, badRequest("invalid_request_error", "messages_required", "messages is required")
	}
	r.body = body
	return &r, nil
}

func (r *ChatRequest) maxTokens() int64 {
	if r.MaxCompletionTokens > r.MaxTokens {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

// streamBody asks the upstream to report usage in its final chunk.
func (r *ChatRequest) streamBody() []byte {
	var m map[string]any
	if err := json.Unmarshal(r.body, &m); err != nil {
		return r.body
	}
	opts, _ := m["stream_options"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	opts["include_usage"] = true
	m["stream_options"] = opts
	m["stream"] = true
	out, err := json.Marshal(m)
	if err != nil {
		return r.body
	}
	return out
}

type Orchestrator struct {
	ledger   *ledger.Ledger
	prices   *pricing.Engine
	upstream *Upstream
	log      *zap.Logger
}

func New(l *ledger.Ledger, prices *pricing.Engine, up *Upstream, log *zap.Logger) *Orchestrator {
	return &Orchestrator{ledger: l, prices: prices, upstream: up, log: log}
}

// Paid is a preauthorized request. Exactly one of Complete or Relay must
// follow, or Release if the request is abandoned.
type Paid struct {
	Hold  *ledger.Hold
	Price pricing.ModelPrice
	Req   *ChatRequest
}

// Release gives up the hold without billing.
func (p *Paid) Release() { p.Hold.Release() }

// Authorize parses the voucher header, prices the request and preauthorizes
// the estimated cost. The channel stays locked until the Paid is finished.
func (o *Orchestrator) Authorize(ctx context.Context, header string, req *ChatRequest) (*Paid, error) {
	v, err := voucher.ParseHeader(header)
	if err != nil {
		return nil, err
	}
	price, ok := o.prices.Lookup(req.Model)
	if !ok {
		return nil, badRequest("invalid_request_error", "model_not_supported",
			fmt.Sprintf("model %q not supported, available: %s", req.Model, strings.Join(o.prices.Table().Models(), ", ")))
	}
	estimate, err := pricing.Estimate(price, req.Messages, req.maxTokens())
	if err != nil {
		return nil, badRequest("invalid_request_error", "invalid_messages", "messages cannot be encoded")
	}
	hold, err := o.ledger.Preauthorize(ctx, v, estimate)
	if err != nil {
		return nil, err
	}
	return &Paid{Hold: hold, Price: price, Req: req}, nil
}

// Result is a billed non-streaming completion.
type Result struct {
	Body    []byte
	Receipt *ledger.Receipt
}

// Complete serves a non-streaming request and settles its actual cost. If
// the voucher does not cover the actual cost the response is withheld and
// nothing is billed.
func (o *Orchestrator) Complete(ctx context.Context, p *Paid) (*Result, error) {
	defer p.Release()

	comp, err := o.upstream.Complete(ctx, p.Req.body)
	if err != nil {
		return nil, err
	}
	in, out := o.usage(p.Req, comp.Usage, comp.Content)
	receipt, err := o.settle(ctx, p, in, out)
	if err != nil {
		return nil, err
	}
	return &Result{Body: comp.Body, Receipt: receipt}, nil
}

// OpenStream starts the upstream stream. Nothing is written to the client
// yet, so upstream failures can still be reported as a normal error.
func (o *Orchestrator) OpenStream(ctx context.Context, p *Paid) (io.ReadCloser, error) {
	return o.upstream.Stream(ctx, p.Req.streamBody())
}

// StreamWriter is the client side of an SSE response.
type StreamWriter interface {
	io.Writer
	Flush()
}

// Relay copies upstream data events to w, settles the cost of what was
// delivered and appends the cost metadata as SSE comments after [DONE].
// Upstream comments are dropped so they cannot impersonate the metadata.
func (o *Orchestrator) Relay(ctx context.Context, p *Paid, src io.ReadCloser, w StreamWriter) (*ledger.Receipt, error) {
	defer p.Release()
	defer src.Close()

	var (
		usage   *Usage
		content strings.Builder
	)
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			continue
		}
		if _, err := io.WriteString(w, "data: "+data+"\n\n"); err != nil {
			o.log.Warn("client went away mid-stream", zap.Error(err))
			break
		}
		w.Flush()

		var chunk struct {
			Usage   *Usage `json:"usage"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
	}
	if err := sc.Err(); err != nil {
		o.log.Warn("upstream stream ended with error", zap.Error(err))
	}

	in, out := o.usage(p.Req, usage, content.String())
	receipt, err := o.settle(ctx, p, in, out)

	var trailer strings.Builder
	trailer.WriteString("data: [DONE]\n\n")
	if err != nil {
		code := drain.CodeOf(err)
		if code == "" {
			code = "internal_error"
		}
		fmt.Fprintf(&trailer, ": %s: %s\n\n", drain.HeaderError, code)
	} else {
		fmt.Fprintf(&trailer, ": %s: %s\n", drain.HeaderCost, receipt.Cost)
		fmt.Fprintf(&trailer, ": %s: %s\n", drain.HeaderTotal, receipt.Total)
		fmt.Fprintf(&trailer, ": %s: %s\n\n", drain.HeaderRemaining, receipt.Remaining)
	}
	_, _ = io.WriteString(w, trailer.String())
	w.Flush()
	return receipt, err
}

// usage returns reported token counts, estimating from text when the
// upstream did not report them.
func (o *Orchestrator) usage(req *ChatRequest, u *Usage, content string) (in, out int64) {
	if u != nil && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		return u.PromptTokens, u.CompletionTokens
	}
	in, _ = pricing.EstimateInputTokens(req.Messages)
	return in, pricing.EstimateTextTokens(content)
}

// settleTimeout bounds the charge write once the request context is gone.
const settleTimeout = 10 * time.Second

// settle records the charge on a context detached from the caller. A client
// that hangs up after being served is still billed.
func (o *Orchestrator) settle(ctx context.Context, p *Paid, in, out int64) (*ledger.Receipt, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	cost := pricing.Cost(p.Price, in, out)
	receipt, err := p.Hold.Settle(sctx, cost)
	if errors.Is(err, drain.ErrInsufficientFundsPost) {
		o.log.Warn("served request not billed: voucher below actual cost",
			zap.String("channel", p.Hold.Voucher.ChannelID.Hex()),
			zap.String("cost", cost.String()),
			zap.String("estimate", p.Hold.Estimate.String()),
			zap.String("voucher", p.Hold.Voucher.Amount.String()),
		)
	}
	if err != nil {
		return nil, err
	}
	o.log.Debug("request billed",
		zap.String("channel", receipt.ChannelID.Hex()),
		zap.String("model", p.Req.Model),
		zap.Int64("input_tokens", in),
		zap.Int64("output_tokens", out),
		zap.String("cost", receipt.Cost.String()),
	)
	return receipt, nil
}
