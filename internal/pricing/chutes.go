package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChutesSource reads per-million-token USD prices from a Chutes-compatible
// API and converts them to USDC base units per 1k tokens with a markup.
type ChutesSource struct {
	baseURL    string
	apiKey     string
	multiplier decimal.Decimal // 1 + markup
	http       *http.Client
}

// NewChutesSource builds a source. markupPercent is e.g. "50" for +50%.
func NewChutesSource(baseURL, apiKey, markupPercent string) (*ChutesSource, error) {
	markup, err := decimal.NewFromString(markupPercent)
	if err != nil {
		return nil, fmt.Errorf("invalid markup %q: %w", markupPercent, err)
	}
	if markup.IsNegative() {
		return nil, fmt.Errorf("markup must not be negative")
	}
	return &ChutesSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		multiplier: decimal.NewFromInt(1).Add(markup.Div(decimal.NewFromInt(100))),
		http:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type chutesModel struct {
	ID          string          `json:"id"`
	InputPrice  decimal.Decimal `json:"input_price"`  // USD per million tokens
	OutputPrice decimal.Decimal `json:"output_price"` // USD per million tokens
}

type openAIModels struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing *struct {
			Prompt     string `json:"prompt"`     // USD per token
			Completion string `json:"completion"` // USD per token
		} `json:"pricing"`
	} `json:"data"`
}

var perMillion = decimal.NewFromInt(1_000_000)

// Fetch tries GET /pricing, then GET /v1/models.
func (s *ChutesSource) Fetch(ctx context.Context) (*Table, error) {
	models, err := s.fetchPricing(ctx)
	if err != nil {
		models, err = s.fetchModels(ctx)
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]ModelPrice, len(models))
	for _, m := range models {
		if m.ID == "" || !m.InputPrice.IsPositive() || !m.OutputPrice.IsPositive() {
			continue
		}
		out[m.ID] = ModelPrice{
			InputPer1k:  s.convert(m.InputPrice),
			OutputPer1k: s.convert(m.OutputPrice),
		}
	}
	return NewTable(out, "chutes"), nil
}

// convert maps a USD-per-million price to base units per 1k tokens:
// ceil(price/1000 * 10^6 * multiplier).
func (s *ChutesSource) convert(pricePerM decimal.Decimal) *big.Int {
	return pricePerM.Mul(decimal.NewFromInt(1000)).Mul(s.multiplier).Ceil().BigInt()
}

func (s *ChutesSource) fetchPricing(ctx context.Context) ([]chutesModel, error) {
	var body struct {
		Models []chutesModel `json:"models"`
	}
	if err := s.getJSON(ctx, "/pricing", &body); err != nil {
		return nil, err
	}
	return body.Models, nil
}

func (s *ChutesSource) fetchModels(ctx context.Context) ([]chutesModel, error) {
	var body openAIModels
	if err := s.getJSON(ctx, "/v1/models", &body); err != nil {
		return nil, err
	}
	out := make([]chutesModel, 0, len(body.Data))
	for _, m := range body.Data {
		if m.Pricing == nil {
			continue
		}
		in, err1 := decimal.NewFromString(m.Pricing.Prompt)
		outP, err2 := decimal.NewFromString(m.Pricing.Completion)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, chutesModel{ID: m.ID, InputPrice: in.Mul(perMillion), OutputPrice: outP.Mul(perMillion)})
	}
	return out, nil
}

func (s *ChutesSource) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
