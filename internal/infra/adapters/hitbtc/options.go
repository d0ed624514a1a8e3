// Package hitbtc implements the HitBTC spot trading venue: the REST request
// layer, order/balance/rule queries and the authenticated report stream.
package hitbtc

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies the venue in logs, errors and metrics.
const Name = "hitbtc"

type privateMetadata struct {
	apiBaseURL     string
	wsURL          string
	symbolsPath    string
	balancePath    string
	feePath        string
	orderPath      string
	historyPath    string
	orderNotFound  string
	symbolNotFound string
	noFunds        string
	rateLimited    string
	authCodes      []string
}

func (m privateMetadata) isAuthCode(code string) bool {
	return slices.Contains(m.authCodes, code)
}

var hitbtcPrivateMetadata = privateMetadata{
	apiBaseURL:     "https://api.hitbtc.com/api/2",
	wsURL:          "wss://api.hitbtc.com/api/2/ws",
	symbolsPath:    "/public/symbol",
	balancePath:    "/trading/balance",
	feePath:        "/trading/fee",
	orderPath:      "/order",
	historyPath:    "/history/order",
	orderNotFound:  "20002",
	symbolNotFound: "2001",
	noFunds:        "20001",
	rateLimited:    "429",
	authCodes:      []string{"1001", "1002", "1003", "1004"},
}

const (
	defaultHTTPTimeout    = 10 * time.Second
	defaultRateLimit      = 10.0
	defaultRateBurst      = 20
	defaultMessageTimeout = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second
)

var defaultMaxOrderSize = decimal.RequireFromString("100000000")

// Config captures user-overridable HitBTC settings.
type Config struct {
	APIKey    string
	APISecret string
	// BaseURL and WebsocketURL override the production endpoints.
	BaseURL      string
	WebsocketURL string
	HTTPTimeout  time.Duration
	// RateLimit is the sustained request rate per second.
	RateLimit float64
	RateBurst int
	// MaxOrderSize is applied to every trading rule; the venue publishes none.
	MaxOrderSize decimal.Decimal
	// MessageTimeout is the silence after which the stream sends a ping.
	MessageTimeout time.Duration
	// PingTimeout bounds the wait for the pong.
	PingTimeout time.Duration
}

// Options configure the HitBTC adapter.
type Options struct {
	Config Config

	privateMeta privateMetadata
}

func withDefaults(in Options) Options {
	in.privateMeta = hitbtcPrivateMetadata
	if base := strings.TrimSpace(in.Config.BaseURL); base != "" {
		in.privateMeta.apiBaseURL = base
	}
	if ws := strings.TrimSpace(in.Config.WebsocketURL); ws != "" {
		in.privateMeta.wsURL = ws
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.RateLimit <= 0 {
		in.Config.RateLimit = defaultRateLimit
	}
	if in.Config.RateBurst <= 0 {
		in.Config.RateBurst = defaultRateBurst
	}
	if in.Config.MaxOrderSize.Sign() <= 0 {
		in.Config.MaxOrderSize = defaultMaxOrderSize
	}
	if in.Config.MessageTimeout <= 0 {
		in.Config.MessageTimeout = defaultMessageTimeout
	}
	if in.Config.PingTimeout <= 0 {
		in.Config.PingTimeout = defaultPingTimeout
	}
	in.Config.APIKey = strings.TrimSpace(in.Config.APIKey)
	in.Config.APISecret = strings.TrimSpace(in.Config.APISecret)
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.privateMeta.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return base
	}
	if strings.HasPrefix(trimmed, "/") {
		return base + trimmed
	}
	return base + "/" + trimmed
}

func (o Options) websocketURL() string {
	return strings.TrimSpace(o.privateMeta.wsURL)
}

func (o Options) hasCredentials() bool {
	return o.Config.APIKey != "" && o.Config.APISecret != ""
}
