package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/SavageCabbagee/paper/internal/metrics"
	"github.com/SavageCabbagee/paper/internal/model"
	"github.com/SavageCabbagee/paper/internal/store"
)

// BuyResult describes a settled buy.
type BuyResult struct {
	TradeID        string          `json:"trade_id"`
	Token          string          `json:"token"`
	Symbol         string          `json:"symbol"`
	QuantityBought decimal.Decimal `json:"quantity_bought"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	MarketCap      decimal.Decimal `json:"market_cap"`
	Balance        decimal.Decimal `json:"balance"`
}

// SellResult describes a settled sell. ProfitLoss is realized on the sold
// quantity only.
type SellResult struct {
	TradeID           string          `json:"trade_id"`
	Token             string          `json:"token"`
	Symbol            string          `json:"symbol"`
	Percent           decimal.Decimal `json:"percent"`
	QuantitySold      decimal.Decimal `json:"quantity_sold"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	BaseReceived      decimal.Decimal `json:"base_received"`
	ProfitLoss        decimal.Decimal `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal `json:"profit_loss_percent"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Closed            bool            `json:"closed"`
	Balance           decimal.Decimal `json:"balance"`
}

// ExecuteBuy spends amount of userID's base balance on token at the current
// oracle price. An existing position is merged at the quantity-weighted
// average entry price.
func (e *Engine) ExecuteBuy(ctx context.Context, userID int64, token string, amount decimal.Decimal) (res BuyResult, err error) {
	start := time.Now()
	defer func() { observe(model.SideBuy, start, err) }()

	if !amount.IsPositive() {
		return BuyResult{}, ErrInvalidAmount
	}

	// Cheap pre-check so an unfunded buy never costs an oracle call. The
	// balance is checked again under the lock.
	acct, err := e.account(ctx, userID)
	if err != nil {
		return BuyResult{}, err
	}
	if acct.BaseBalance.LessThan(amount) {
		return BuyResult{}, ErrInsufficientBalance
	}

	q, err := e.quote(ctx, token)
	if err != nil {
		return BuyResult{}, err
	}
	qty := quo(amount, q.PriceBase)
	if !qty.IsPositive() {
		return BuyResult{}, ErrInvalidAmount
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	now := e.now().UTC()
	fill := model.Trade{
		ID:           uuid.New().String(),
		TokenAddress: token,
		Symbol:       q.Symbol,
		Side:         model.SideBuy,
		Quantity:     qty,
		Price:        q.PriceBase,
		BaseAmount:   amount,
		RealizedPnL:  decimal.Zero,
		Timestamp:    now,
	}

	var balance decimal.Decimal
	err = e.store.Update(ctx, userID, func(tx store.Tx) error {
		acct, err := tx.Account()
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		if acct.BaseBalance.LessThan(amount) {
			return ErrInsufficientBalance
		}

		pos, err := tx.Position(token)
		switch {
		case err == nil:
			totalQty := pos.Quantity.Add(qty)
			totalCost := pos.CostBasis().Add(amount)
			pos.EntryMarketCap = quo(q.MarketCap.Mul(qty).Add(pos.EntryMarketCap.Mul(pos.Quantity)), totalQty)
			pos.EntryPrice = quo(totalCost, totalQty)
			pos.Quantity = totalQty
		case errors.Is(err, store.ErrNotFound):
			pos = &model.Position{
				TokenAddress:   token,
				Quantity:       qty,
				EntryPrice:     q.PriceBase,
				EntryMarketCap: q.MarketCap,
			}
		default:
			return err
		}
		if q.Symbol != "" {
			pos.Symbol = q.Symbol
		}
		pos.UpdatedAt = now

		acct.BaseBalance = acct.BaseBalance.Sub(amount)
		acct.UpdatedAt = now
		balance = acct.BaseBalance

		if err := tx.PutAccount(acct); err != nil {
			return err
		}
		if err := tx.PutPosition(pos); err != nil {
			return err
		}
		return tx.AppendTrade(&fill)
	})
	if err = settled(err); err != nil {
		if errors.Is(err, ErrStoreFailure) {
			metrics.ExecutionFailures.WithLabelValues("buy").Inc()
			e.logger.Error("buy settlement failed", "user", userID, "token", token, "err", err)
		}
		return BuyResult{}, err
	}

	fill.UserID = userID
	e.publish(fill)
	e.logger.Info("buy executed",
		"trade_id", fill.ID,
		"user", userID,
		"token", token,
		"qty", qty.String(),
		"price", q.PriceBase.String(),
		"spent", amount.String(),
		"balance", balance.String(),
	)

	return BuyResult{
		TradeID:        fill.ID,
		Token:          token,
		Symbol:         q.Symbol,
		QuantityBought: qty,
		UnitPrice:      q.PriceBase,
		TotalSpent:     amount,
		MarketCap:      q.MarketCap,
		Balance:        balance,
	}, nil
}

// ExecuteSell sells percent (0 < percent <= 100) of userID's position in
// token at the current oracle price and credits the proceeds. Selling
// everything closes the position. The entry price of a partially sold
// position is unchanged.
//
// Store failures during settlement are logged and reported as
// ErrExecutionFailed.
func (e *Engine) ExecuteSell(ctx context.Context, userID int64, token string, percent decimal.Decimal) (res SellResult, err error) {
	start := time.Now()
	defer func() { observe(model.SideSell, start, err) }()

	if !percent.IsPositive() || percent.GreaterThan(hundred) {
		return SellResult{}, ErrInvalidAmount
	}

	if _, err := e.store.GetPosition(ctx, userID, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SellResult{}, ErrPositionNotFound
		}
		return SellResult{}, e.executionFailed("sell", userID, token, err)
	}

	q, err := e.quote(ctx, token)
	if err != nil {
		return SellResult{}, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	now := e.now().UTC()
	res = SellResult{
		TradeID:   uuid.New().String(),
		Token:     token,
		Symbol:    q.Symbol,
		Percent:   percent,
		UnitPrice: q.PriceBase,
	}

	var fill model.Trade
	err = e.store.Update(ctx, userID, func(tx store.Tx) error {
		pos, err := tx.Position(token)
		if errors.Is(err, store.ErrNotFound) {
			return ErrPositionNotFound
		}
		if err != nil {
			return err
		}

		sellQty := pos.Quantity
		if percent.LessThan(hundred) {
			sellQty = pos.Quantity.Mul(percent).Shift(-2)
		}
		received := sellQty.Mul(q.PriceBase)
		remaining := pos.Quantity.Sub(sellQty)
		costBasis := sellQty.Mul(pos.EntryPrice)
		pnl := received.Sub(costBasis)

		if remaining.IsPositive() {
			pos.Quantity = remaining
			pos.UpdatedAt = now
			if err := tx.PutPosition(pos); err != nil {
				return err
			}
		} else {
			remaining = decimal.Zero
			if err := tx.DeletePosition(token); err != nil {
				return err
			}
		}

		acct, err := tx.Account()
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		acct.BaseBalance = acct.BaseBalance.Add(received)
		acct.UpdatedAt = now
		if err := tx.PutAccount(acct); err != nil {
			return err
		}

		symbol := q.Symbol
		if symbol == "" {
			symbol = pos.Symbol
		}
		fill = model.Trade{
			ID:           res.TradeID,
			TokenAddress: token,
			Symbol:       symbol,
			Side:         model.SideSell,
			Quantity:     sellQty,
			Price:        q.PriceBase,
			BaseAmount:   received,
			RealizedPnL:  pnl,
			Timestamp:    now,
		}
		if err := tx.AppendTrade(&fill); err != nil {
			return err
		}

		res.Symbol = symbol
		res.QuantitySold = sellQty
		res.BaseReceived = received
		res.ProfitLoss = pnl
		res.ProfitLossPercent = percentOf(pnl, costBasis)
		res.RemainingQuantity = remaining
		res.Closed = remaining.IsZero()
		res.Balance = acct.BaseBalance
		return nil
	})
	if errors.Is(err, ErrPositionNotFound) {
		return SellResult{}, err
	}
	if err != nil {
		return SellResult{}, e.executionFailed("sell", userID, token, err)
	}

	fill.UserID = userID
	e.publish(fill)
	e.logger.Info("sell executed",
		"trade_id", res.TradeID,
		"user", userID,
		"token", token,
		"percent", percent.String(),
		"qty", res.QuantitySold.String(),
		"received", res.BaseReceived.String(),
		"pnl", res.ProfitLoss.String(),
		"closed", res.Closed,
	)
	return res, nil
}

// executionFailed logs cause and hides it behind ErrExecutionFailed.
func (e *Engine) executionFailed(op string, userID int64, token string, cause error) error {
	metrics.ExecutionFailures.WithLabelValues(op).Inc()
	e.logger.Error(op+" failed", "user", userID, "token", token, "err", cause)
	return ErrExecutionFailed
}

// percentOf returns part/whole*100, or zero when whole is not positive.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return quo(part, whole).Mul(hundred)
}

// significantDigits is the precision quo keeps in a quotient.
const significantDigits = 24

// quo returns a/b rounded to significantDigits significant digits and at
// least decimal.DivisionPrecision fractional digits. b must be non-zero.
func quo(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return decimal.Zero
	}
	places := significantDigits - (magnitude(a) - magnitude(b))
	if floor := int32(decimal.DivisionPrecision); places < floor {
		places = floor
	}
	return a.DivRound(b, places)
}

// magnitude is the power of ten of d's leading digit.
func magnitude(d decimal.Decimal) int32 {
	return int32(d.NumDigits()) + d.Exponent() - 1
}
