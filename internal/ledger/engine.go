// Package ledger implements the paper-trading engine: account lifecycle,
// buy/sell settlement with weighted-average cost basis, and portfolio
// valuation.
//
// The engine owns no state of its own. Accounts and positions live in a
// store.Store and prices come from an Oracle. All mutations for one user are
// serialized in-process and written through a single store.Update, so a
// failed operation never leaves a half-applied balance or position.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SavageCabbagee/paper/internal/metrics"
	"github.com/SavageCabbagee/paper/internal/model"
	"github.com/SavageCabbagee/paper/internal/store"
)

// Oracle prices a token. Any error means the price is unknown.
type Oracle interface {
	Fetch(ctx context.Context, token string) (model.Quote, error)
}

// Defaults applied by NewEngine.
var (
	DefaultInitialBalance = decimal.NewFromInt(10)
	DefaultQuoteTimeout   = 10 * time.Second
)

const defaultSummaryConcurrency = 8

var hundred = decimal.NewFromInt(100)

// Engine executes paper trades against a Store using prices from an Oracle.
type Engine struct {
	store  store.Store
	oracle Oracle
	locks  *userLocks

	initialBalance     decimal.Decimal
	quoteTimeout       time.Duration
	summaryConcurrency int
	logger             *slog.Logger
	now                func() time.Time
	onTrade            []func(model.Trade)
}

// Option configures an Engine.
type Option func(*Engine)

// WithInitialBalance sets the balance OpenOrCreateAccount starts users with.
func WithInitialBalance(b decimal.Decimal) Option {
	return func(e *Engine) { e.initialBalance = b }
}

// WithQuoteTimeout bounds every oracle call.
func WithQuoteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.quoteTimeout = d }
}

// WithSummaryConcurrency caps parallel quote lookups in Summarize.
func WithSummaryConcurrency(n int) Option {
	return func(e *Engine) { e.summaryConcurrency = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now for trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTradeListener registers fn to be called with every committed fill.
// fn runs on the trading goroutine and must not block.
func WithTradeListener(fn func(model.Trade)) Option {
	return func(e *Engine) { e.onTrade = append(e.onTrade, fn) }
}

// NewEngine creates an engine over st and oracle.
func NewEngine(st store.Store, oracle Oracle, opts ...Option) *Engine {
	e := &Engine{
		store:              st,
		oracle:             oracle,
		locks:              newUserLocks(),
		initialBalance:     DefaultInitialBalance,
		quoteTimeout:       DefaultQuoteTimeout,
		summaryConcurrency: defaultSummaryConcurrency,
		logger:             slog.Default(),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitialBalance is the balance new accounts are opened with.
func (e *Engine) InitialBalance() decimal.Decimal {
	return e.initialBalance
}

// Quote returns the current price of token.
func (e *Engine) Quote(ctx context.Context, token string) (model.Quote, error) {
	return e.quote(ctx, token)
}

// Trades returns userID's fill history, oldest first.
func (e *Engine) Trades(ctx context.Context, userID int64) ([]model.Trade, error) {
	trades, err := e.store.ListTrades(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return trades, nil
}

// quote fetches a price under the configured timeout. Every failure,
// including a non-positive price, is reported as ErrPriceUnavailable.
func (e *Engine) quote(ctx context.Context, token string) (model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, e.quoteTimeout)
	defer cancel()

	q, err := e.oracle.Fetch(ctx, token)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	if !q.PriceBase.IsPositive() {
		return model.Quote{}, fmt.Errorf("%w: non-positive price %s", ErrPriceUnavailable, q.PriceBase)
	}
	if q.TokenAddress == "" {
		q.TokenAddress = token
	}
	return q, nil
}

// account loads userID's account outside any transaction.
func (e *Engine) account(ctx context.Context, userID int64) (*model.Account, error) {
	acct, err := e.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return acct, nil
}

// settled translates an Update error: engine sentinels pass through, anything
// else is a store failure.
func settled(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrAccountNotFound, ErrAlreadyExists, ErrInsufficientBalance, ErrPositionNotFound,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreFailure, err)
}

func (e *Engine) publish(t model.Trade) {
	for _, fn := range e.onTrade {
		fn(t)
	}
}

// observe records latency and outcome for a trade call.
func observe(side string, start time.Time, err error) {
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeRejections.WithLabelValues(side, rejection(err)).Inc()
		return
	}
	metrics.TradesTotal.WithLabelValues(side).Inc()
}
