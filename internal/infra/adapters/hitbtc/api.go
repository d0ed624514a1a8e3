package hitbtc

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
)

// TradingRules fetches the symbol catalogue and refreshes the pair mapping.
func (c *Client) TradingRules(ctx context.Context) ([]schema.TradingRule, error) {
	var records []symbolRecord
	if err := c.call(ctx, request{op: "trading_rules", method: http.MethodGet, path: c.opts.privateMeta.symbolsPath}, &records); err != nil {
		return nil, err
	}
	rules := make([]schema.TradingRule, 0, len(records))
	symbols := make(map[string]string, len(records))
	pairs := make(map[string]string, len(records))
	for _, record := range records {
		id := strings.ToUpper(strings.TrimSpace(record.ID))
		pair := record.pair()
		if id == "" || pair == "" {
			continue
		}
		symbols[pair] = id
		pairs[id] = pair
		rule, ok := record.toRule(c.opts.Config.MaxOrderSize)
		if !ok {
			c.logger.Warn("skip malformed symbol rule", observability.F("symbol", id))
			continue
		}
		rules = append(rules, rule)
	}
	c.mu.Lock()
	c.symbols = symbols
	c.pairs = pairs
	c.mu.Unlock()
	return rules, nil
}

// Balances fetches the trading account balances.
func (c *Client) Balances(ctx context.Context) ([]schema.Balance, error) {
	var records []balanceRecord
	if err := c.call(ctx, request{op: "balances", method: http.MethodGet, path: c.opts.privateMeta.balancePath, auth: true}, &records); err != nil {
		return nil, err
	}
	out := make([]schema.Balance, 0, len(records))
	for _, record := range records {
		asset := schema.NormalizeCurrencyCode(record.Currency)
		if asset == "" {
			continue
		}
		available, _ := parseDecimal(record.Available)
		reserved, _ := parseDecimal(record.Reserved)
		out = append(out, schema.Balance{
			Asset:     asset,
			Available: available,
			Total:     available.Add(reserved),
		})
	}
	return out, nil
}

// TradingFees fetches the account fee rates for pair.
func (c *Client) TradingFees(ctx context.Context, pair string) (schema.FeeSchedule, error) {
	symbol := c.Symbol(pair)
	var record feeRecord
	path := c.opts.privateMeta.feePath + "/" + url.PathEscape(symbol)
	if err := c.call(ctx, request{op: "trading_fees", method: http.MethodGet, path: path, auth: true}, &record); err != nil {
		return schema.FeeSchedule{}, err
	}
	maker, okMaker := parseDecimal(record.ProvideLiquidityRate)
	taker, okTaker := parseDecimal(record.TakeLiquidityRate)
	if !okMaker || !okTaker {
		return schema.FeeSchedule{}, errs.New(Name, errs.CodeNetwork, errs.WithMessage("trading_fees: malformed fee rates for "+symbol))
	}
	return schema.FeeSchedule{Pair: pair, Maker: maker, Taker: taker}, nil
}

// PlaceOrder submits req and returns the venue acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderUpdate, error) {
	form := url.Values{}
	form.Set("clientOrderId", req.ClientOrderID)
	form.Set("symbol", c.Symbol(req.Pair))
	form.Set("side", venueSide(req.Side))
	form.Set("type", venueType(req.Type))
	form.Set("quantity", req.Amount.String())
	if req.Type == schema.OrderTypeLimit {
		form.Set("price", req.Price.String())
		form.Set("timeInForce", "GTC")
	}
	var record orderRecord
	if err := c.call(ctx, request{op: "place_order", method: http.MethodPost, path: c.opts.privateMeta.orderPath, form: form, auth: true}, &record); err != nil {
		return schema.OrderUpdate{}, err
	}
	update := record.toUpdate(schema.UpdateSourcePoll)
	if update.ClientOrderID == "" {
		update.ClientOrderID = req.ClientOrderID
	}
	return update, nil
}

// CancelOrder cancels the order by client id and returns its final report.
func (c *Client) CancelOrder(ctx context.Context, clientOrderID string) (schema.OrderUpdate, error) {
	var record orderRecord
	path := c.opts.privateMeta.orderPath + "/" + url.PathEscape(clientOrderID)
	if err := c.call(ctx, request{op: "cancel_order", method: http.MethodDelete, path: path, auth: true}, &record); err != nil {
		return schema.OrderUpdate{}, err
	}
	update := record.toUpdate(schema.UpdateSourceCancel)
	if update.ClientOrderID == "" {
		update.ClientOrderID = clientOrderID
	}
	return update, nil
}

// OrderStatus queries an active order, falling back to order history once the
// venue has moved it out of the active set.
func (c *Client) OrderStatus(ctx context.Context, clientOrderID string) (schema.OrderUpdate, error) {
	var record orderRecord
	path := c.opts.privateMeta.orderPath + "/" + url.PathEscape(clientOrderID)
	err := c.call(ctx, request{op: "order_status", method: http.MethodGet, path: path, auth: true}, &record)
	if err == nil {
		return record.toUpdate(schema.UpdateSourcePoll), nil
	}
	if !errs.IsOrderNotFound(err) {
		return schema.OrderUpdate{}, err
	}

	query := url.Values{}
	query.Set("clientOrderId", clientOrderID)
	var history []orderRecord
	if err := c.call(ctx, request{op: "order_history", method: http.MethodGet, path: c.opts.privateMeta.historyPath, query: query, auth: true}, &history); err != nil {
		return schema.OrderUpdate{}, err
	}
	for _, h := range history {
		if strings.TrimSpace(h.ClientOrderID) == clientOrderID {
			return h.toUpdate(schema.UpdateSourcePoll), nil
		}
	}
	return schema.OrderUpdate{}, errs.New(Name, errs.CodeNotFound,
		errs.WithOp("order_status"),
		errs.WithMessage("order "+clientOrderID+" not found"),
		errs.WithRawCode(c.opts.privateMeta.orderNotFound),
		errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
}

// Symbol maps a canonical pair to the venue symbol. Pairs missing from the
// catalogue fall back to the concatenated currency codes.
func (c *Client) Symbol(pair string) string {
	c.mu.RLock()
	id, ok := c.symbols[pair]
	c.mu.RUnlock()
	if ok {
		return id
	}
	base, quote := schema.SplitPair(pair)
	return base + quote
}

// Pair maps a venue symbol back to the canonical pair.
func (c *Client) Pair(symbol string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok := c.pairs[strings.ToUpper(strings.TrimSpace(symbol))]
	return pair, ok
}
