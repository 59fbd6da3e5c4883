// Package oracle fetches token prices from DexScreener.
//
// A token usually trades in several pairs; the quote is taken from the pair
// with the deepest USD liquidity. Every failure is an error: callers never
// receive a partially filled Quote.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/SavageCabbagee/paper/internal/metrics"
	"github.com/SavageCabbagee/paper/internal/model"
)

// DefaultBaseURL is the public DexScreener API.
const DefaultBaseURL = "https://api.dexscreener.com"

var (
	// ErrNoPairs is returned when the token has no trading pair.
	ErrNoPairs = errors.New("oracle: no trading pairs for token")

	// ErrMalformed is returned when the payload lacks a usable price.
	ErrMalformed = errors.New("oracle: malformed price data")
)

// Client is a DexScreener API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a client against baseURL (DefaultBaseURL when empty).
// timeout bounds each HTTP round trip in addition to the caller's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Fetch returns the current quote for token.
func (c *Client) Fetch(ctx context.Context, token string) (model.Quote, error) {
	start := time.Now()
	q, err := c.fetch(ctx, token)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())
	metrics.OracleRequests.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		c.logger.Warn("quote unavailable", "token", token, "err", err)
	}
	return q, err
}

func (c *Client) fetch(ctx context.Context, token string) (model.Quote, error) {
	body, err := c.doRequest(ctx, "/latest/dex/tokens/"+url.PathEscape(token))
	if err != nil {
		return model.Quote{}, err
	}
	q, err := parseQuote(body)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s: %w", token, err)
	}
	q.TokenAddress = token
	q.FetchedAt = c.now().UTC()
	return q, nil
}

// doRequest performs a GET and returns the body of a 200 response.
func (c *Client) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: status=%d, body=%.200s", resp.StatusCode, string(body))
	}
	return body, nil
}

// parseQuote picks the most liquid pair from a /tokens response.
func parseQuote(body []byte) (model.Quote, error) {
	if !gjson.ValidBytes(body) {
		return model.Quote{}, ErrMalformed
	}

	pairs := gjson.GetBytes(body, "pairs")
	if !pairs.IsArray() || len(pairs.Array()) == 0 {
		return model.Quote{}, ErrNoPairs
	}

	var (
		best    gjson.Result
		bestLiq = decimal.NewFromInt(-1)
	)
	for _, pair := range pairs.Array() {
		liq := decimalOf(pair.Get("liquidity.usd"))
		if liq.GreaterThan(bestLiq) {
			best, bestLiq = pair, liq
		}
	}

	priceNative, err := decimal.NewFromString(best.Get("priceNative").String())
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: priceNative: %v", ErrMalformed, err)
	}
	priceUSD, err := decimal.NewFromString(best.Get("priceUsd").String())
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: priceUsd: %v", ErrMalformed, err)
	}
	if !priceNative.IsPositive() {
		return model.Quote{}, fmt.Errorf("%w: non-positive price %s", ErrMalformed, priceNative)
	}

	mcap := best.Get("marketCap")
	if !mcap.Exists() {
		mcap = best.Get("fdv")
	}

	return model.Quote{
		PairAddress:  best.Get("pairAddress").String(),
		Symbol:       best.Get("baseToken.symbol").String(),
		PriceBase:    priceNative,
		PriceQuote:   priceUSD,
		MarketCap:    decimalOf(mcap),
		LiquidityUSD: decimal.Max(bestLiq, decimal.Zero),
	}, nil
}

// decimalOf reads a JSON number or numeric string, zero when absent.
func decimalOf(r gjson.Result) decimal.Decimal {
	if !r.Exists() {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(r.String())
	if err != nil {
		return decimal.Zero
	}
	return v
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoPairs):
		return "no_pairs"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
