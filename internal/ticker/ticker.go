// Package ticker is the client for the Upbit public ticker endpoint. It reads
// the latest trade price for one or many markets.
//
// FetchPrice and FetchPrices never fail: every transport or response error is
// logged and turned into a zero price or an empty mapping. Quote and Quotes
// perform the same requests but return the classified error to the caller.
package ticker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upfolio/portfolio-engine/internal/market"
	"github.com/upfolio/portfolio-engine/internal/metrics"
)

// DefaultBaseURL is the Upbit REST API root.
const DefaultBaseURL = "https://api.upbit.com/v1"

const maxBodyBytes = 1 << 20

var (
	// ErrTransport covers network, DNS, and timeout failures.
	ErrTransport = errors.New("ticker: transport failure")

	// ErrResponse covers non-2xx statuses and bodies that do not decode into
	// a list of tickers.
	ErrResponse = errors.New("ticker: bad response")
)

// entry is the subset of a ticker object the client reads. All other fields
// are ignored.
type entry struct {
	Market     string          `json:"market"`
	TradePrice decimal.Decimal `json:"trade_price"`
}

// Client fetches trade prices from the ticker endpoint. Every call performs
// exactly one GET; there are no retries and nothing is cached.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a ticker client. An empty baseURL selects DefaultBaseURL
// and a nil logger selects slog.Default().
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// FetchPrice returns the latest trade price for one market, or zero if the
// price could not be fetched.
func (c *Client) FetchPrice(ctx context.Context, symbol string) decimal.Decimal {
	price, err := c.Quote(ctx, symbol)
	if err != nil {
		c.logger.Warn("error fetching coin price", "market", symbol, "err", err)
		return decimal.Zero
	}
	return price
}

// FetchPrices returns market → latest trade price for every market the
// endpoint answered for. On any error the mapping is empty; callers treat a
// missing key as "keep the previous price".
func (c *Client) FetchPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	prices, err := c.Quotes(ctx, symbols)
	if err != nil {
		c.logger.Warn("error fetching prices", "markets", market.Join(symbols), "err", err)
		return map[string]decimal.Decimal{}
	}
	return prices
}

// Quote returns the first result's trade price for a single market.
// A response with no entries is an ErrResponse.
func (c *Client) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	entries, err := c.get(ctx, "single", symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if len(entries) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no ticker for %s", ErrResponse, symbol)
	}
	return entries[0].TradePrice, nil
}

// Quotes performs one batched request for the distinct symbols. Empty input
// performs no request and returns an empty mapping.
func (c *Client) Quotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	markets := market.Join(symbols)
	if markets == "" {
		return map[string]decimal.Decimal{}, nil
	}

	entries, err := c.get(ctx, "batch", markets)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		if e.Market == "" {
			continue
		}
		prices[e.Market] = e.TradePrice
	}
	return prices, nil
}

// get issues GET {base}/ticker?markets={markets} and decodes the list.
func (c *Client) get(ctx context.Context, kind, markets string) ([]entry, error) {
	started := time.Now()
	entries, err := c.do(ctx, markets)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrTransport):
		outcome = "transport"
	case err != nil:
		outcome = "response"
	}
	metrics.ObserveTicker(kind, outcome, started)

	return entries, err
}

func (c *Client) do(ctx context.Context, markets string) ([]entry, error) {
	endpoint := c.baseURL + "/ticker?markets=" + escapeMarkets(markets)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrResponse, resp.StatusCode)
	}

	var entries []entry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrResponse, err)
	}
	return entries, nil
}

// escapeMarkets escapes each code but keeps the separating commas literal,
// the form the endpoint documents.
func escapeMarkets(markets string) string {
	codes := strings.Split(markets, ",")
	for i, code := range codes {
		codes[i] = url.QueryEscape(code)
	}
	return strings.Join(codes, ",")
}
