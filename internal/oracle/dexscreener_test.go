package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavageCabbagee/paper/internal/model"
)

const twoPairs = `{
  "schemaVersion": "1.0.0",
  "pairs": [
    {
      "pairAddress": "thin",
      "baseToken": {"symbol": "BONK"},
      "priceNative": "0.0000001",
      "priceUsd": "0.00002",
      "liquidity": {"usd": 1200.5},
      "marketCap": 1000
    },
    {
      "pairAddress": "deep",
      "baseToken": {"symbol": "BONK"},
      "priceNative": "0.000000125",
      "priceUsd": "0.000025",
      "liquidity": {"usd": 950000},
      "marketCap": 1750000000
    },
    {
      "pairAddress": "unknown-liquidity",
      "baseToken": {"symbol": "BONK"},
      "priceNative": "9",
      "priceUsd": "9"
    }
  ]
}`

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/latest/dex/tokens/TokenMint111" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch_PicksMostLiquidPair(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, twoPairs)
	c := NewClient(srv.URL, time.Second)

	q, err := c.Fetch(context.Background(), "TokenMint111")
	require.NoError(t, err)

	assert.Equal(t, "deep", q.PairAddress)
	assert.Equal(t, "BONK", q.Symbol)
	assert.Equal(t, "TokenMint111", q.TokenAddress)
	assert.True(t, q.PriceBase.Equal(decimal.RequireFromString("0.000000125")), "price %s", q.PriceBase)
	assert.True(t, q.PriceQuote.Equal(decimal.RequireFromString("0.000025")))
	assert.True(t, q.MarketCap.Equal(decimal.NewFromInt(1750000000)))
	assert.True(t, q.LiquidityUSD.Equal(decimal.NewFromInt(950000)))
	assert.False(t, q.FetchedAt.IsZero())
}

func TestFetch_NoPairs(t *testing.T) {
	for name, body := range map[string]string{
		"null":    `{"schemaVersion":"1.0.0","pairs":null}`,
		"empty":   `{"schemaVersion":"1.0.0","pairs":[]}`,
		"missing": `{"schemaVersion":"1.0.0"}`,
		"object":  `{"schemaVersion":"1.0.0","pairs":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := newTestServer(t, http.StatusOK, body)
			_, err := NewClient(srv.URL, time.Second).Fetch(context.Background(), "TokenMint111")
			assert.ErrorIs(t, err, ErrNoPairs)
			assert.NotErrorIs(t, err, ErrMalformed)
			assert.Equal(t, "no_pairs", outcome(err))
		})
	}
}

func TestFetch_Malformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":      `<html>`,
		"missing price": `{"pairs":[{"liquidity":{"usd":5},"priceUsd":"1"}]}`,
		"zero price":    `{"pairs":[{"liquidity":{"usd":5},"priceNative":"0","priceUsd":"0"}]}`,
		"bad usd":       `{"pairs":[{"liquidity":{"usd":5},"priceNative":"0.1","priceUsd":"n/a"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := newTestServer(t, http.StatusOK, body)
			_, err := NewClient(srv.URL, time.Second).Fetch(context.Background(), "TokenMint111")
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestFetch_MarketCapFallsBackToFDV(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK,
		`{"pairs":[{"liquidity":{"usd":5},"priceNative":"0.5","priceUsd":"80","fdv":42000}]}`)

	q, err := NewClient(srv.URL, time.Second).Fetch(context.Background(), "TokenMint111")
	require.NoError(t, err)
	assert.True(t, q.MarketCap.Equal(decimal.NewFromInt(42000)))
}

func TestFetch_HTTPError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusTooManyRequests, `rate limited`)

	_, err := NewClient(srv.URL, time.Second).Fetch(context.Background(), "TokenMint111")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoPairs)
	assert.Contains(t, err.Error(), "status=429")
}

func TestFetch_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, 5*time.Second).Fetch(ctx, "TokenMint111")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *blockingFetcher) Fetch(_ context.Context, token string) (model.Quote, error) {
	f.calls.Add(1)
	<-f.release
	return model.Quote{TokenAddress: token, PriceBase: decimal.NewFromInt(1)}, nil
}

func TestCoalescing_SharesInFlightRequest(t *testing.T) {
	next := &blockingFetcher{release: make(chan struct{})}
	c := NewCoalescing(next)

	var wg sync.WaitGroup
	results := make([]model.Quote, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := c.Fetch(context.Background(), "tok")
			assert.NoError(t, err)
			results[i] = q
		}(i)
	}

	// Let every goroutine join the flight before releasing it.
	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(next.release)
	wg.Wait()

	assert.Equal(t, int32(1), next.calls.Load())
	for _, q := range results {
		assert.Equal(t, "tok", q.TokenAddress)
	}
}

func TestCoalescing_CallerCancellation(t *testing.T) {
	next := &blockingFetcher{release: make(chan struct{})}
	defer close(next.release)
	c := NewCoalescing(next)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, "tok")
	assert.ErrorIs(t, err, context.Canceled)
}
