package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/SavageCabbagee/paper/internal/model"
	"github.com/SavageCabbagee/paper/internal/store"
)

// Holding is one position valued at the current price. When the price
// could not be fetched Priced is false, Unavailable says why, and every
// Current* and P/L field is zero.
type Holding struct {
	Token          string          `json:"token"`
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPriceBase decimal.Decimal `json:"entry_price_base"`
	EntryMarketCap decimal.Decimal `json:"entry_market_cap"`

	Priced               bool            `json:"priced"`
	Unavailable          string          `json:"unavailable,omitempty"`
	CurrentPriceBase     decimal.Decimal `json:"current_price_base"`
	CurrentPriceQuote    decimal.Decimal `json:"current_price_quote"`
	CurrentValueBase     decimal.Decimal `json:"current_value_base"`
	CurrentValueQuote    decimal.Decimal `json:"current_value_quote"`
	CurrentMarketCap     decimal.Decimal `json:"current_market_cap"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
}

// Summary is a user's portfolio. Totals include priced holdings only.
type Summary struct {
	UserID             int64           `json:"user_id"`
	BaseBalance        decimal.Decimal `json:"base_balance"`
	Holdings           []Holding       `json:"holdings"`
	TotalValueBase     decimal.Decimal `json:"total_value_base"`
	TotalValueQuote    decimal.Decimal `json:"total_value_quote"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	Equity             decimal.Decimal `json:"equity"`
}

// Unpriced returns the holdings whose price could not be fetched.
func (s Summary) Unpriced() []Holding {
	return lo.Reject(s.Holdings, func(h Holding, _ int) bool { return h.Priced })
}

// Summarize values every position of userID concurrently. A failed quote
// degrades only its own holding.
func (e *Engine) Summarize(ctx context.Context, userID int64) (Summary, error) {
	acct, err := e.account(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}

	holdings := make([]Holding, len(positions))
	var g errgroup.Group
	g.SetLimit(e.summaryConcurrency)
	for i, pos := range positions {
		g.Go(func() error {
			q, err := e.quote(ctx, pos.TokenAddress)
			if err != nil {
				e.logger.Warn("holding unpriced", "user", userID, "token", pos.TokenAddress, "err", err)
				holdings[i] = unpriced(pos, err)
				return nil
			}
			holdings[i] = valuate(pos, q)
			return nil
		})
	}
	_ = g.Wait() // workers record failures per holding and never return one

	priced := lo.Filter(holdings, func(h Holding, _ int) bool { return h.Priced })
	sum := func(field func(Holding) decimal.Decimal) decimal.Decimal {
		return lo.Reduce(priced, func(acc decimal.Decimal, h Holding, _ int) decimal.Decimal {
			return acc.Add(field(h))
		}, decimal.Zero)
	}

	s := Summary{
		UserID:             userID,
		BaseBalance:        acct.BaseBalance,
		Holdings:           holdings,
		TotalValueBase:     sum(func(h Holding) decimal.Decimal { return h.CurrentValueBase }),
		TotalValueQuote:    sum(func(h Holding) decimal.Decimal { return h.CurrentValueQuote }),
		TotalUnrealizedPnL: sum(func(h Holding) decimal.Decimal { return h.UnrealizedPnL }),
	}
	s.Equity = s.BaseBalance.Add(s.TotalValueBase)
	return s, nil
}

// Valuate prices a single position, e.g. to preview a sell.
func (e *Engine) Valuate(ctx context.Context, userID int64, token string) (Holding, error) {
	pos, err := e.store.GetPosition(ctx, userID, token)
	if errors.Is(err, store.ErrNotFound) {
		return Holding{}, ErrPositionNotFound
	}
	if err != nil {
		return Holding{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	q, err := e.quote(ctx, token)
	if err != nil {
		return Holding{}, err
	}
	return valuate(*pos, q), nil
}

func holdingOf(pos model.Position) Holding {
	return Holding{
		Token:          pos.TokenAddress,
		Symbol:         pos.Symbol,
		Quantity:       pos.Quantity,
		EntryPriceBase: pos.EntryPrice,
		EntryMarketCap: pos.EntryMarketCap,
	}
}

func unpriced(pos model.Position, err error) Holding {
	h := holdingOf(pos)
	h.Unavailable = ErrPriceUnavailable.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		h.Unavailable = "price lookup timed out"
	}
	return h
}

func valuate(pos model.Position, q model.Quote) Holding {
	h := holdingOf(pos)
	if h.Symbol == "" {
		h.Symbol = q.Symbol
	}
	h.Priced = true
	h.CurrentPriceBase = q.PriceBase
	h.CurrentPriceQuote = q.PriceQuote
	h.CurrentValueBase = pos.Quantity.Mul(q.PriceBase)
	h.CurrentValueQuote = pos.Quantity.Mul(q.PriceQuote)
	h.CurrentMarketCap = q.MarketCap

	cost := pos.CostBasis()
	h.UnrealizedPnL = h.CurrentValueBase.Sub(cost)
	h.UnrealizedPnLPercent = percentOf(h.UnrealizedPnL, cost)
	return h
}
