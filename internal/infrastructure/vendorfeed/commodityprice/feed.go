package commodityprice

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

const VendorName = "COMMODITYPRICE"

// quota error codes used by the CommodityPriceAPI family of services
const codeUsageLimit = 104

// Client fetches latest commodity rates from CommodityPriceAPI.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.commoditypriceapi.com"
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
	return vendor.NewPoller(VendorName, c.FetchRates, interval, hooks), nil
}

type latestResp struct {
	Success   bool               `json:"success"`
	Timestamp int64              `json:"timestamp"` // unix seconds
	Rates     map[string]float64 `json:"rates"`
	Error     *struct {
		Code int    `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

// FetchRates is the FetchFunc for the poller. The latest endpoint only
// carries rates, so change fields stay zero.
func (c *Client) FetchRates(ctx context.Context, symbols []string) ([]port.Tick, error) {
	if len(symbols) == 0 {
		return nil, errors.New("commodityprice: symbols empty")
	}
	if c.apiKey == "" {
		return nil, port.ErrNoCredentials
	}

	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	q.Set("symbols", strings.Join(symbols, ","))
	u := c.baseURL + "/v2/latest?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("commodityprice: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("commodityprice: read body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("commodityprice: %w", port.ErrLimitReached)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("commodityprice http %d: %s", resp.StatusCode, string(body))
	}

	var payload latestResp
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("commodityprice: decode: %w", err)
	}

	if !payload.Success {
		if payload.Error != nil {
			if payload.Error.Code == codeUsageLimit || isLimitInfo(payload.Error.Info) {
				return nil, fmt.Errorf("commodityprice: %s: %w", payload.Error.Info, port.ErrLimitReached)
			}
			return nil, fmt.Errorf("commodityprice: %s", payload.Error.Info)
		}
		return nil, errors.New("commodityprice: request failed")
	}

	ts := time.Now().UnixMilli()
	if payload.Timestamp > 0 {
		ts = payload.Timestamp * 1000
	}

	ticks := make([]port.Tick, 0, len(payload.Rates))
	for _, sym := range symbols {
		rate, ok := payload.Rates[sym]
		if !ok || rate <= 0 {
			continue
		}
		ticks = append(ticks, port.Tick{
			Vendor: VendorName,
			Symbol: sym,
			Price:  rate,
			Ts:     ts,
		})
	}
	return ticks, nil
}

func isLimitInfo(info string) bool {
	m := strings.ToLower(info)
	return strings.Contains(m, "usage limit") || strings.Contains(m, "quota") ||
		strings.Contains(m, "maximum allowed")
}
