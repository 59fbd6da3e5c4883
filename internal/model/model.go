// Package model defines the core domain types shared across the paper ledger.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Account holds a user's simulated base-currency balance.
// BaseBalance must never go below zero.
type Account struct {
	UserID      int64           `json:"user_id" db:"user_id"`
	BaseBalance decimal.Decimal `json:"base_balance" db:"base_balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a user's open holding in one token. At most one exists per
// (UserID, TokenAddress); a position whose quantity reaches zero is deleted.
type Position struct {
	UserID         int64           `json:"user_id" db:"user_id"`
	TokenAddress   string          `json:"token_address" db:"token_address"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price" db:"entry_price"`           // weighted average, base per unit
	EntryMarketCap decimal.Decimal `json:"entry_market_cap" db:"entry_market_cap"` // weighted average, display only
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis returns the base-currency cost of the whole holding.
func (p Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// Trade is an immutable record of one fill.
// Once created, these are never modified or deleted.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	TokenAddress string          `json:"token_address" db:"token_address"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Side         string          `json:"side" db:"side"`                 // "BUY" or "SELL"
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`         // tokens, always positive
	Price        decimal.Decimal `json:"price" db:"price"`               // base per token
	BaseAmount   decimal.Decimal `json:"base_amount" db:"base_amount"`   // spent (buy) or received (sell)
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // zero for buys
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Quote is a point-in-time price for a token as reported by the oracle.
type Quote struct {
	TokenAddress string          `json:"token_address"`
	PairAddress  string          `json:"pair_address,omitempty"`
	Symbol       string          `json:"symbol"`
	PriceBase    decimal.Decimal `json:"price_base"`  // cost of one token in base currency
	PriceQuote   decimal.Decimal `json:"price_quote"` // cost of one token in USD
	MarketCap    decimal.Decimal `json:"market_cap"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	FetchedAt    time.Time       `json:"fetched_at"`
}
