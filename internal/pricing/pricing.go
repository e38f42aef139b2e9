// Package pricing maps token usage to USDC base units.
package pricing

import (
	"fmt"
	"math/big"
	"sort"
	"time"
)

// ModelPrice is the price of one model in USDC base units per 1000 tokens.
type ModelPrice struct {
	InputPer1k  *big.Int `json:"inputPer1k"`
	OutputPer1k *big.Int `json:"outputPer1k"`
}

func (p ModelPrice) valid() bool {
	return p.InputPer1k != nil && p.OutputPer1k != nil &&
		p.InputPer1k.Sign() > 0 && p.OutputPer1k.Sign() > 0
}

var thousand = big.NewInt(1000)

// Cost returns floor(in*inputPer1k/1000) + floor(out*outputPer1k/1000).
// Each side is floored separately.
func Cost(p ModelPrice, inputTokens, outputTokens int64) *big.Int {
	in := new(big.Int).Mul(big.NewInt(inputTokens), p.InputPer1k)
	in.Quo(in, thousand)
	out := new(big.Int).Mul(big.NewInt(outputTokens), p.OutputPer1k)
	out.Quo(out, thousand)
	return in.Add(in, out)
}

// ParsePrice builds a ModelPrice from decimal strings.
func ParsePrice(inputPer1k, outputPer1k string) (ModelPrice, error) {
	in, ok := new(big.Int).SetString(inputPer1k, 10)
	if !ok {
		return ModelPrice{}, fmt.Errorf("invalid input price %q", inputPer1k)
	}
	out, ok := new(big.Int).SetString(outputPer1k, 10)
	if !ok {
		return ModelPrice{}, fmt.Errorf("invalid output price %q", outputPer1k)
	}
	p := ModelPrice{InputPer1k: in, OutputPer1k: out}
	if !p.valid() {
		return ModelPrice{}, fmt.Errorf("prices must be positive")
	}
	return p, nil
}

// Table is an immutable price list. Refreshes build a new Table and swap it in.
type Table struct {
	models    map[string]ModelPrice
	Source    string
	UpdatedAt time.Time
}

// NewTable copies models, dropping entries with a zero or negative price.
func NewTable(models map[string]ModelPrice, source string) *Table {
	t := &Table{models: make(map[string]ModelPrice, len(models)), Source: source, UpdatedAt: time.Now()}
	for name, p := range models {
		if !p.valid() {
			continue
		}
		t.models[name] = ModelPrice{
			InputPer1k:  new(big.Int).Set(p.InputPer1k),
			OutputPer1k: new(big.Int).Set(p.OutputPer1k),
		}
	}
	return t
}

// DefaultTable is the built-in price list used when nothing else is configured
// or an upstream refresh fails.
func DefaultTable() *Table {
	return NewTable(map[string]ModelPrice{
		"gpt-4o":        {InputPer1k: big.NewInt(7500), OutputPer1k: big.NewInt(22500)},
		"gpt-4o-mini":   {InputPer1k: big.NewInt(225), OutputPer1k: big.NewInt(900)},
		"gpt-4-turbo":   {InputPer1k: big.NewInt(10000), OutputPer1k: big.NewInt(30000)},
		"gpt-3.5-turbo": {InputPer1k: big.NewInt(500), OutputPer1k: big.NewInt(1500)},
	}, "default")
}

// With returns a copy of t with overrides applied.
func (t *Table) With(overrides map[string]ModelPrice) *Table {
	merged := make(map[string]ModelPrice, len(t.models)+len(overrides))
	for name, p := range t.models {
		merged[name] = p
	}
	for name, p := range overrides {
		merged[name] = p
	}
	return NewTable(merged, t.Source)
}

// Lookup returns the price for model.
func (t *Table) Lookup(model string) (ModelPrice, bool) {
	p, ok := t.models[model]
	return p, ok
}

// Models returns the priced model names in sorted order.
func (t *Table) Models() []string {
	names := make([]string, 0, len(t.models))
	for name := range t.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) Len() int { return len(t.models) }
