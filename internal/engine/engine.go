// Package engine dispatches write commands to the component that owns them.
package engine

import (
	"context"
	"fmt"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/resolution"
	"github.com/watmarket/market-engine/internal/trade"
)

// Engine runs the four write commands.
type Engine struct {
	trades   *trade.Executor
	resolver *resolution.Resolver
}

// New creates an engine.
func New(trades *trade.Executor, resolver *resolution.Resolver) *Engine {
	return &Engine{trades: trades, resolver: resolver}
}

// Execute runs cmd and returns its typed result: model.BetResult,
// model.SellResult, model.ResolveResult or model.InvalidateResult.
func (e *Engine) Execute(ctx context.Context, cmd model.Command) (any, error) {
	switch c := cmd.(type) {
	case model.PlaceBet:
		return e.trades.PlaceBet(ctx, c)
	case model.SellShares:
		return e.trades.SellShares(ctx, c)
	case model.ResolveMarket:
		return e.resolver.ResolveMarket(ctx, c)
	case model.InvalidateMarket:
		return e.resolver.InvalidateMarket(ctx, c)
	}
	return nil, model.Wrap(model.KindValidation, fmt.Errorf("unsupported command %T", cmd), "dispatch")
}

// Trades returns the trade executor.
func (e *Engine) Trades() *trade.Executor { return e.trades }

// Resolver returns the resolver.
func (e *Engine) Resolver() *resolution.Resolver { return e.resolver }
