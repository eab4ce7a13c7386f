package pricefeed

import (
	"fmt"
	"time"

	"trackd/internal/application/port"
	"trackd/internal/infrastructure/vendorfeed"
	"trackd/internal/infrastructure/vendorfeed/commodityprice"
	"trackd/internal/infrastructure/vendorfeed/fmp"
	"trackd/internal/infrastructure/vendorfeed/ibkr"
)

// Settings is everything a vendor factory may need; each factory uses
// the fields that apply to its transport.
type Settings struct {
	BaseURL      string
	PaperWsURL   string
	LiveWsURL    string
	PollInterval time.Duration
	Credentials  port.Credentials
	Hooks        vendor.Hooks
}

// Factory builds a feed for one vendor.
type Factory func(s Settings) (port.PriceFeed, error)

var registry = map[string]Factory{
	"fmp": func(s Settings) (port.PriceFeed, error) {
		return fmp.NewFeed(s.BaseURL, s.Credentials.APIKey, s.PollInterval, s.Hooks)
	},
	"commodityprice": func(s Settings) (port.PriceFeed, error) {
		return commodityprice.NewFeed(s.BaseURL, s.Credentials.APIKey, s.PollInterval, s.Hooks)
	},
	"ibkr": func(s Settings) (port.PriceFeed, error) {
		return ibkr.NewFeed(s.PaperWsURL, s.LiveWsURL, s.Credentials, s.Hooks)
	},
}

// New builds a feed for the named vendor.
func New(name string, s Settings) (port.PriceFeed, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no price feed registered for vendor %q", name)
	}
	return factory(s)
}

// Known reports whether a vendor name has a registered factory.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}
