package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavageCabbagee/paper/internal/model"
	"github.com/SavageCabbagee/paper/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// fakeOracle serves scripted quotes and counts calls.
type fakeOracle struct {
	mu     sync.Mutex
	quotes map[string]model.Quote
	errs   map[string]error
	block  bool
	calls  atomic.Int32
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{quotes: map[string]model.Quote{}, errs: map[string]error{}}
}

func (o *fakeOracle) set(token, priceBase, mcap string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[token] = model.Quote{
		TokenAddress: token,
		Symbol:       "T" + token,
		PriceBase:    d(priceBase),
		PriceQuote:   d(priceBase).Mul(d("150")),
		MarketCap:    d(mcap),
	}
}

func (o *fakeOracle) fail(token string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[token] = err
}

func (o *fakeOracle) Fetch(ctx context.Context, token string) (model.Quote, error) {
	o.calls.Add(1)
	o.mu.Lock()
	block := o.block
	q, ok := o.quotes[token]
	err := o.errs[token]
	o.mu.Unlock()

	if block {
		<-ctx.Done()
		return model.Quote{}, ctx.Err()
	}
	if err != nil {
		return model.Quote{}, err
	}
	if !ok {
		return model.Quote{}, errors.New("no pairs")
	}
	return q, nil
}

// failingStore fails every Update after delegating reads.
type failingStore struct {
	store.Store
}

func (failingStore) Update(context.Context, int64, func(store.Tx) error) error {
	return errors.New("connection reset")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.MemoryStore, *fakeOracle) {
	t.Helper()
	st := store.NewMemoryStore()
	or := newFakeOracle()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewEngine(st, or, opts...), st, or
}

func mustCreate(t *testing.T, e *Engine, userID int64, balance string) {
	t.Helper()
	_, err := e.CreateAccount(context.Background(), userID, d(balance))
	require.NoError(t, err)
}

func TestScenario_BuyThenSellHalf(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	or.set("tok", "0.002", "500000")
	buy, err := e.ExecuteBuy(ctx, 1, "tok", d("3"))
	require.NoError(t, err)
	assertDec(t, "1500", buy.QuantityBought)
	assertDec(t, "0.002", buy.UnitPrice)
	assertDec(t, "3", buy.TotalSpent)
	assertDec(t, "7", buy.Balance)
	assert.Equal(t, "Ttok", buy.Symbol)

	or.set("tok", "0.004", "1000000")
	sell, err := e.ExecuteSell(ctx, 1, "tok", d("50"))
	require.NoError(t, err)
	assertDec(t, "750", sell.QuantitySold)
	assertDec(t, "3", sell.BaseReceived)
	assertDec(t, "1.5", sell.ProfitLoss)
	assertDec(t, "100", sell.ProfitLossPercent)
	assertDec(t, "750", sell.RemainingQuantity)
	assertDec(t, "10", sell.Balance)
	assert.False(t, sell.Closed)

	pos, err := st.GetPosition(ctx, 1, "tok")
	require.NoError(t, err)
	assertDec(t, "750", pos.Quantity)
	assertDec(t, "0.002", pos.EntryPrice, "partial sell must keep entry price")
	assertDec(t, "500000", pos.EntryMarketCap)

	trades, err := e.Trades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, model.SideBuy, trades[0].Side)
	assert.Equal(t, model.SideSell, trades[1].Side)
	assertDec(t, "1.5", trades[1].RealizedPnL)
	assert.Equal(t, sell.TradeID, trades[1].ID)
}

func TestBuy_WeightedAverageEntry(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	or.set("tok", "0.01", "1000")
	_, err := e.ExecuteBuy(ctx, 1, "tok", d("1"))
	require.NoError(t, err)

	or.set("tok", "0.04", "4000")
	_, err = e.ExecuteBuy(ctx, 1, "tok", d("2"))
	require.NoError(t, err)

	pos, err := st.GetPosition(ctx, 1, "tok")
	require.NoError(t, err)
	assertDec(t, "150", pos.Quantity)
	assertDec(t, "0.02", pos.EntryPrice)
	assertDec(t, "2000", pos.EntryMarketCap)
}

func TestBuy_WeightedAverageKeepsPrecision(t *testing.T) {
	tests := map[string]struct{ p1, p2 string }{
		"cents":      {"0.01", "0.04"},
		"sub-nano":   {"0.000000000001234567", "0.000000000002345678"},
		"wide range": {"98765.4321", "0.0000000003"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e, st, or := newTestEngine(t)
			mustCreate(t, e, 1, "10")

			or.set("tok", tc.p1, "1")
			_, err := e.ExecuteBuy(ctx, 1, "tok", d("1"))
			require.NoError(t, err)
			or.set("tok", tc.p2, "1")
			_, err = e.ExecuteBuy(ctx, 1, "tok", d("2"))
			require.NoError(t, err)

			pos, err := st.GetPosition(ctx, 1, "tok")
			require.NoError(t, err)

			// (a1+a2) / (a1/p1 + a2/p2)
			p1, p2 := d(tc.p1), d(tc.p2)
			want := d("3").Mul(p1).Mul(p2).DivRound(p2.Add(d("2").Mul(p1)), 60)
			relErr := pos.EntryPrice.Sub(want).Abs().DivRound(want, 60)
			assert.True(t, relErr.LessThan(d("1e-18")),
				"entry %s, want %s, relative error %s", pos.EntryPrice, want, relErr)
		})
	}
}

func TestBuy_DustAmountKeepsPositiveQuantity(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")
	or.set("tok", "100000", "1")

	res, err := e.ExecuteBuy(ctx, 1, "tok", d("0.000000000001"))
	require.NoError(t, err)
	assertDec(t, "0.00000000000000001", res.QuantityBought)

	_, err = e.ExecuteBuy(ctx, 1, "tok", d("0.000000000001"))
	require.NoError(t, err)

	pos, err := st.GetPosition(ctx, 1, "tok")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.IsPositive())
	assertDec(t, "0.00000000000000002", pos.Quantity)
	assertDec(t, "100000", pos.EntryPrice)
}

func TestBuy_ConservesBalancePlusCostBasis(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	or.set("a", "0.25", "1")
	or.set("b", "0.8", "1")
	for _, buy := range []struct{ token, amount string }{
		{"a", "1"}, {"b", "2.4"}, {"a", "0.5"}, {"b", "0.1"},
	} {
		_, err := e.ExecuteBuy(ctx, 1, buy.token, d(buy.amount))
		require.NoError(t, err)
	}

	acct, err := st.GetAccount(ctx, 1)
	require.NoError(t, err)
	positions, err := st.ListPositions(ctx, 1)
	require.NoError(t, err)

	total := acct.BaseBalance
	for _, p := range positions {
		total = total.Add(p.CostBasis())
	}
	assertDec(t, "10", total)
	assertDec(t, "6", acct.BaseBalance)
}

func TestBuy_BalanceBoundary(t *testing.T) {
	ctx := context.Background()
	e, _, or := newTestEngine(t)
	or.set("tok", "0.5", "1")

	mustCreate(t, e, 1, "10")
	res, err := e.ExecuteBuy(ctx, 1, "tok", d("10"))
	require.NoError(t, err, "spending the exact balance is allowed")
	assertDec(t, "0", res.Balance)

	mustCreate(t, e, 2, "10")
	_, err = e.ExecuteBuy(ctx, 2, "tok", d("10.000000001"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestBuy_InsufficientBalanceSkipsOracle(t *testing.T) {
	e, _, or := newTestEngine(t)
	mustCreate(t, e, 1, "1")
	or.set("tok", "1", "1")

	_, err := e.ExecuteBuy(context.Background(), 1, "tok", d("2"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int32(0), or.calls.Load())
}

func TestBuy_InvalidAmounts(t *testing.T) {
	e, _, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")
	or.set("tok", "1", "1")

	for _, amt := range []string{"0", "-1", "-0.0001"} {
		_, err := e.ExecuteBuy(context.Background(), 1, "tok", d(amt))
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
	}
}

func TestBuy_NoAccount(t *testing.T) {
	e, _, or := newTestEngine(t)
	or.set("tok", "1", "1")

	_, err := e.ExecuteBuy(context.Background(), 42, "tok", d("1"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestBuy_PriceUnavailableLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	or.fail("bad", errors.New("dexscreener: 502"))
	or.set("zero", "0", "1")

	for _, tok := range []string{"bad", "zero", "unknown"} {
		_, err := e.ExecuteBuy(ctx, 1, tok, d("1"))
		assert.ErrorIs(t, err, ErrPriceUnavailable, tok)
	}

	acct, err := st.GetAccount(ctx, 1)
	require.NoError(t, err)
	assertDec(t, "10", acct.BaseBalance)
	positions, _ := st.ListPositions(ctx, 1)
	assert.Empty(t, positions)
}

func TestBuy_QuoteTimeout(t *testing.T) {
	e, _, or := newTestEngine(t, WithQuoteTimeout(10*time.Millisecond))
	mustCreate(t, e, 1, "10")
	or.block = true

	_, err := e.ExecuteBuy(context.Background(), 1, "tok", d("1"))
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuy_StoreFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	or := newFakeOracle()
	or.set("tok", "1", "1")
	NewEngine(mem, or).CreateAccount(context.Background(), 1, d("10"))

	e := NewEngine(failingStore{mem}, or, WithLogger(quietLogger()))
	_, err := e.ExecuteBuy(context.Background(), 1, "tok", d("1"))
	assert.ErrorIs(t, err, ErrStoreFailure)
}

func TestSell_FullLiquidationRemovesPosition(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	or.set("tok", "0.3", "1")
	buy, err := e.ExecuteBuy(ctx, 1, "tok", d("1"))
	require.NoError(t, err)

	or.set("tok", "0.15", "1")
	sell, err := e.ExecuteSell(ctx, 1, "tok", d("100"))
	require.NoError(t, err)
	assert.True(t, sell.Closed)
	assert.True(t, sell.QuantitySold.Equal(buy.QuantityBought))
	assertDec(t, "0", sell.RemainingQuantity)
	assertDec(t, "-50", sell.ProfitLossPercent.Round(8))

	_, err = st.GetPosition(ctx, 1, "tok")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.ExecuteSell(ctx, 1, "tok", d("100"))
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestSell_InvalidPercent(t *testing.T) {
	e, _, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")
	or.set("tok", "1", "1")
	_, err := e.ExecuteBuy(context.Background(), 1, "tok", d("1"))
	require.NoError(t, err)

	for _, pct := range []string{"0", "-10", "100.01", "250"} {
		_, err := e.ExecuteSell(context.Background(), 1, "tok", d(pct))
		assert.ErrorIs(t, err, ErrInvalidAmount, pct)
	}
}

func TestSell_NoPositionSkipsOracle(t *testing.T) {
	e, _, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	_, err := e.ExecuteSell(context.Background(), 1, "tok", d("50"))
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Equal(t, int32(0), or.calls.Load())
}

func TestSell_OracleFailureIsNotPositionNotFound(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")
	or.set("tok", "1", "1")
	_, err := e.ExecuteBuy(ctx, 1, "tok", d("4"))
	require.NoError(t, err)

	or.fail("tok", errors.New("timeout"))
	_, err = e.ExecuteSell(ctx, 1, "tok", d("50"))
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.NotErrorIs(t, err, ErrPositionNotFound)

	pos, err := st.GetPosition(ctx, 1, "tok")
	require.NoError(t, err)
	assertDec(t, "4", pos.Quantity)
}

func TestSell_StoreFailureIsExecutionFailed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	or := newFakeOracle()
	or.set("tok", "1", "1")
	seed := NewEngine(mem, or, WithLogger(quietLogger()))
	_, err := seed.CreateAccount(ctx, 1, d("10"))
	require.NoError(t, err)
	_, err = seed.ExecuteBuy(ctx, 1, "tok", d("1"))
	require.NoError(t, err)

	e := NewEngine(failingStore{mem}, or, WithLogger(quietLogger()))
	_, err = e.ExecuteSell(ctx, 1, "tok", d("50"))
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.NotContains(t, err.Error(), "connection reset")
}

func TestConcurrentBuys_NoLostUpdates(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")
	or.set("tok", "0.5", "1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteBuy(ctx, 1, "tok", d("0.1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := st.GetAccount(ctx, 1)
	require.NoError(t, err)
	assertDec(t, "5", acct.BaseBalance)

	pos, err := st.GetPosition(ctx, 1, "tok")
	require.NoError(t, err)
	assertDec(t, "10", pos.Quantity)

	trades, _ := e.Trades(ctx, 1)
	assert.Len(t, trades, 50)
	assert.Zero(t, e.locks.active())
}

func TestConcurrentBuys_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t)
	mustCreate(t, e, 1, "1")
	or.set("tok", "1", "1")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ExecuteBuy(ctx, 1, "tok", d("0.3")); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	acct, _ := st.GetAccount(ctx, 1)
	assertDec(t, "0.1", acct.BaseBalance)
}

func TestAccounts_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e, st, or := newTestEngine(t, WithInitialBalance(d("25")))

	acct, created, err := e.OpenOrCreateAccount(ctx, 9)
	require.NoError(t, err)
	assert.True(t, created)
	assertDec(t, "25", acct.BaseBalance)

	_, created, err = e.OpenOrCreateAccount(ctx, 9)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = e.CreateAccount(ctx, 9, d("5"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = e.CreateAccount(ctx, 10, d("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	or.set("a", "1", "1")
	or.set("b", "2", "1")
	_, err = e.ExecuteBuy(ctx, 9, "a", d("5"))
	require.NoError(t, err)
	_, err = e.ExecuteBuy(ctx, 9, "b", d("5"))
	require.NoError(t, err)

	reset, err := e.ResetAccount(ctx, 9, d("50"))
	require.NoError(t, err)
	assertDec(t, "50", reset.BaseBalance)
	assert.Equal(t, acct.CreatedAt, reset.CreatedAt)

	positions, err := st.ListPositions(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, positions)

	trades, _ := e.Trades(ctx, 9)
	assert.Len(t, trades, 2, "reset keeps trade history")

	_, err = e.ResetAccount(ctx, 9, d("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	fresh, err := e.ResetAccount(ctx, 77, d("3"))
	require.NoError(t, err)
	assertDec(t, "3", fresh.BaseBalance)
}

func TestSummarize_DegradesPerHolding(t *testing.T) {
	ctx := context.Background()
	e, _, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	or.set("aaa", "0.5", "1000")
	or.set("bbb", "2", "5000")
	_, err := e.ExecuteBuy(ctx, 1, "aaa", d("2"))
	require.NoError(t, err)
	_, err = e.ExecuteBuy(ctx, 1, "bbb", d("4"))
	require.NoError(t, err)

	or.set("aaa", "1", "2000")
	or.fail("bbb", errors.New("upstream down"))

	s, err := e.Summarize(ctx, 1)
	require.NoError(t, err)
	require.Len(t, s.Holdings, 2)
	assertDec(t, "4", s.BaseBalance)

	a, b := s.Holdings[0], s.Holdings[1]
	assert.Equal(t, "aaa", a.Token)
	assert.True(t, a.Priced)
	assertDec(t, "4", a.CurrentValueBase)
	assertDec(t, "600", a.CurrentValueQuote)
	assertDec(t, "2", a.UnrealizedPnL)
	assertDec(t, "100", a.UnrealizedPnLPercent)
	assertDec(t, "2000", a.CurrentMarketCap)

	assert.Equal(t, "bbb", b.Token)
	assert.False(t, b.Priced)
	assert.NotEmpty(t, b.Unavailable)
	assertDec(t, "2", b.Quantity)
	assert.True(t, b.CurrentValueBase.IsZero())

	assertDec(t, "4", s.TotalValueBase)
	assertDec(t, "2", s.TotalUnrealizedPnL)
	assertDec(t, "8", s.Equity)
	assert.Len(t, s.Unpriced(), 1)
}

func TestSummarize_NoAccount(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Summarize(context.Background(), 3)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestValuate(t *testing.T) {
	ctx := context.Background()
	e, _, or := newTestEngine(t)
	mustCreate(t, e, 1, "10")

	_, err := e.Valuate(ctx, 1, "tok")
	assert.ErrorIs(t, err, ErrPositionNotFound)

	or.set("tok", "0.1", "1")
	_, err = e.ExecuteBuy(ctx, 1, "tok", d("1"))
	require.NoError(t, err)

	or.set("tok", "0.05", "1")
	h, err := e.Valuate(ctx, 1, "tok")
	require.NoError(t, err)
	assertDec(t, "10", h.Quantity)
	assertDec(t, "0.5", h.CurrentValueBase)
	assertDec(t, "-0.5", h.UnrealizedPnL)
	assertDec(t, "-50", h.UnrealizedPnLPercent)
}

func TestTradeListener(t *testing.T) {
	var got []model.Trade
	e, _, or := newTestEngine(t, WithTradeListener(func(tr model.Trade) { got = append(got, tr) }))
	mustCreate(t, e, 5, "10")
	or.set("tok", "1", "1")

	_, err := e.ExecuteBuy(context.Background(), 5, "tok", d("1"))
	require.NoError(t, err)
	_, err = e.ExecuteBuy(context.Background(), 5, "tok", d("100"))
	require.Error(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].UserID)
	assert.Equal(t, model.SideBuy, got[0].Side)
}

func TestUserLocks_Release(t *testing.T) {
	l := newUserLocks()
	unlock := l.lock(1)
	assert.Equal(t, 1, l.active())

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		l.lock(1)()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(20 * time.Millisecond):
	}
	l.lock(2)()

	unlock()
	<-acquired
	assert.Zero(t, l.active())
}
