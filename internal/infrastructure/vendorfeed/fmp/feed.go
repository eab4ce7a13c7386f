package fmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trackd/internal/application/port"
	"trackd/internal/infrastructure/vendorfeed"
)

const VendorName = "FMP"

// Client fetches commodity quotes from Financial Modeling Prep.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://financialmodelingprep.com"
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewFeed wraps the client in an interval poller.
func NewFeed(baseURL, apiKey string, interval time.Duration, hooks vendor.Hooks) (port.PriceFeed, error) {
	c := NewClient(baseURL, apiKey)
	if c.apiKey == "" {
		return nil, port.ErrNoCredentials
	}
	return vendor.NewPoller(VendorName, c.FetchQuotes, interval, hooks), nil
}

// fmpQuote is the vendor payload. Missing fields decode to zero; a
// partial quote is still a quote.
type fmpQuote struct {
	Symbol            string  `json:"symbol"`
	Price             float64 `json:"price"`
	Change            float64 `json:"change"`
	ChangesPercentage float64 `json:"changesPercentage"`
	Timestamp         int64   `json:"timestamp"` // unix seconds
}

// fmpError is returned (HTTP 200 or not) when a request is rejected.
type fmpError struct {
	ErrorMessage string `json:"Error Message"`
	Message      string `json:"message"`
}

// FetchQuotes is the FetchFunc for the poller.
func (c *Client) FetchQuotes(ctx context.Context, symbols []string) ([]port.Tick, error) {
	if len(symbols) == 0 {
		return nil, errors.New("fmp: symbols empty")
	}
	if c.apiKey == "" {
		return nil, port.ErrNoCredentials
	}

	u := fmt.Sprintf("%s/api/v3/quote/%s?apikey=%s",
		c.baseURL, url.PathEscape(strings.Join(symbols, ",")), url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fmp: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fmp: read body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("fmp: %w", port.ErrLimitReached)
	}
	if resp.StatusCode != http.StatusOK {
		if isLimitMessage(string(body)) {
			return nil, fmt.Errorf("fmp http %d: %w", resp.StatusCode, port.ErrLimitReached)
		}
		return nil, fmt.Errorf("fmp http %d: %s", resp.StatusCode, string(body))
	}

	// FMP reports plan errors as a JSON object instead of the quote array.
	if len(body) > 0 && body[0] == '{' {
		var apiErr fmpError
		if json.Unmarshal(body, &apiErr) == nil {
			msg := apiErr.ErrorMessage
			if msg == "" {
				msg = apiErr.Message
			}
			if isLimitMessage(msg) {
				return nil, fmt.Errorf("fmp: %s: %w", msg, port.ErrLimitReached)
			}
			if msg != "" {
				return nil, fmt.Errorf("fmp: %s", msg)
			}
		}
		return nil, errors.New("fmp: unexpected response shape")
	}

	var quotes []fmpQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("fmp: decode: %w", err)
	}

	now := time.Now().UnixMilli()
	ticks := make([]port.Tick, 0, len(quotes))
	for _, q := range quotes {
		if q.Symbol == "" {
			continue
		}
		ts := now
		if q.Timestamp > 0 {
			ts = q.Timestamp * 1000
		}
		ticks = append(ticks, port.Tick{
			Vendor:        VendorName,
			Symbol:        q.Symbol,
			Price:         q.Price,
			Change:        q.Change,
			ChangePercent: q.ChangesPercentage,
			Ts:            ts,
		})
	}
	return ticks, nil
}

func isLimitMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "limit reach") || strings.Contains(m, "limit exceeded") ||
		strings.Contains(m, "rate limit") || strings.Contains(m, "upgrade your plan")
}
