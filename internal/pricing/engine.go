package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MinOutputTokens is the output size assumed when estimating a request.
const MinOutputTokens = 50

// Source fetches a fresh price list.
type Source interface {
	Fetch(ctx context.Context) (*Table, error)
}

// Engine serves the current Table and refreshes it from a Source.
// Readers always see a complete table.
type Engine struct {
	current  atomic.Pointer[Table]
	fallback *Table
	source   Source // nil for static pricing
	log      *zap.Logger
}

func NewEngine(fallback *Table, source Source, log *zap.Logger) *Engine {
	e := &Engine{fallback: fallback, source: source, log: log}
	e.current.Store(fallback)
	return e
}

// Table returns the table in effect.
func (e *Engine) Table() *Table { return e.current.Load() }

// Lookup returns the current price for model.
func (e *Engine) Lookup(model string) (ModelPrice, bool) {
	return e.current.Load().Lookup(model)
}

// Refresh fetches a new table and swaps it in. On failure or an empty
// result the previous table stays in effect.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.source == nil {
		return nil
	}
	t, err := e.source.Fetch(ctx)
	if err == nil && t.Len() == 0 {
		err = errors.New("source returned no priced models")
	}
	if err != nil {
		e.log.Warn("pricing refresh failed, keeping current table",
			zap.String("source", e.current.Load().Source),
			zap.Error(err),
		)
		return err
	}
	e.current.Store(t)
	e.log.Info("pricing refreshed", zap.Int("models", t.Len()), zap.String("source", t.Source))
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if e.source == nil || interval <= 0 {
		return
	}
	_ = e.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("pricing refresher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("pricing refresher stopped")
			return
		case <-ticker.C:
			_ = e.Refresh(ctx)
		}
	}
}

// Estimate is the preauthorization cost for a request whose output size is
// unknown: input from the serialized messages, output from maxTokens or
// MinOutputTokens, whichever is larger.
func Estimate(p ModelPrice, messages any, maxTokens int64) (*big.Int, error) {
	in, err := EstimateInputTokens(messages)
	if err != nil {
		return nil, err
	}
	out := int64(MinOutputTokens)
	if maxTokens > out {
		out = maxTokens
	}
	return Cost(p, in, out), nil
}

// EstimateInputTokens approximates tokens as ceil(len(json)/4).
func EstimateInputTokens(messages any) (int64, error) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return 0, err
	}
	return EstimateTextTokens(string(raw)), nil
}

// EstimateTextTokens approximates tokens as ceil(len/4).
func EstimateTextTokens(s string) int64 {
	return int64((len(s) + 3) / 4)
}
