package kite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/vnarwal17/zerodha/shared"
	"go.uber.org/atomic"
)

const (
	// DefaultBaseURL is the Kite Connect REST endpoint.
	DefaultBaseURL = "https://api.kite.trade"
	// apiVersion is the Kite Connect API version requested.
	apiVersion = "3"
	// candleTimeLayout is the timestamp layout of historical candles.
	candleTimeLayout = "2006-01-02T15:04:05-0700"
	// historyTimeLayout is the date layout of historical candle queries.
	historyTimeLayout = "2006-01-02 15:04:05"
	// maxHistoryDays is the widest intraday history window served per request.
	maxHistoryDays = 60
	// tradingMinutes is the length of a regular trading session.
	tradingMinutes = 375
)

// ClientConfig represents the configuration for the Kite Connect client.
type ClientConfig struct {
	// BaseURL is the REST endpoint, defaults to DefaultBaseURL.
	BaseURL string
	// APIKey is the Kite Connect app key.
	APIKey string
	// TokenSource provides the current access token of the session.
	TokenSource func(ctx context.Context) (string, error)
	// ResolveToken resolves a symbol to its instrument token.
	ResolveToken func(symbol string, exchange string) (uint32, error)
	// Timeout bounds each request, defaults to five seconds.
	Timeout time.Duration
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the client logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ClientConfig) Validate() error {
	var errs error

	if cfg.APIKey == "" {
		errs = errors.Join(errs, fmt.Errorf("api key cannot be empty"))
	}
	if cfg.TokenSource == nil {
		errs = errors.Join(errs, fmt.Errorf("token source function cannot be nil"))
	}
	if cfg.ResolveToken == nil {
		errs = errors.Join(errs, fmt.Errorf("resolve token function cannot be nil"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Client represents the Kite Connect REST client.
type Client struct {
	cfg         *ClientConfig
	httpc       http.Client
	accessToken *atomic.String
}

// Ensure the client implements the brokerage interfaces.
var (
	_ shared.Brokerage     = (*Client)(nil)
	_ shared.CandleFetcher = (*Client)(nil)
	_ shared.SessionKeeper = (*Client)(nil)
)

// NewClient instantiates a new Kite Connect client.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second * 5
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &Client{
		cfg:         cfg,
		httpc:       http.Client{Timeout: cfg.Timeout},
		accessToken: atomic.NewString(""),
	}, nil
}

// formURL creates full urls including parameters for the api.
func (c *Client) formURL(path string, params url.Values) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(c.cfg.BaseURL, "/"))
	b.WriteString(path)
	if len(params) > 0 {
		b.WriteString("?")
		b.WriteString(params.Encode())
	}

	return b.String()
}

// token returns the access token of the session, loading it from the token
// source when none is held.
func (c *Client) token(ctx context.Context) (string, error) {
	token := c.accessToken.Load()
	if token != "" {
		return token, nil
	}

	token, err := c.cfg.TokenSource(ctx)
	if err != nil {
		return "", shared.NewError(shared.AuthExpired, "load access token", err)
	}

	c.accessToken.Store(token)
	return token, nil
}

// AccessToken returns the access token currently held.
func (c *Client) AccessToken() string {
	return c.accessToken.Load()
}

// classify maps a failed api response to an error kind.
func classify(status int, errorType string) shared.ErrorKind {
	switch errorType {
	case "TokenException", "PermissionException":
		return shared.AuthExpired
	case "NetworkException":
		return shared.TransientNetwork
	case "InputException", "OrderException", "MarginException", "HoldingException":
		return shared.InvalidInput
	case "DataException":
		return shared.DataUnavailable
	}

	switch {
	case status == http.StatusTooManyRequests:
		return shared.RateLimited
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return shared.AuthExpired
	case status == http.StatusNotFound:
		return shared.NotFound
	case status >= http.StatusInternalServerError:
		return shared.TransientNetwork
	case status >= http.StatusBadRequest:
		return shared.InvalidInput
	default:
		return shared.Unknown
	}
}

// apiError builds the classified error of a failed api response.
func (c *Client) apiError(op string, status int, result gjson.Result) error {
	errorType := result.Get("error_type").String()
	msg := result.Get("message").String()
	if msg == "" {
		msg = http.StatusText(status)
	}

	kind := classify(status, errorType)
	if kind == shared.AuthExpired {
		c.accessToken.Store("")
	}

	return shared.Errorf(kind, op, "status %d: %s: %s", status, errorType, msg)
}

// request performs an authenticated api request, returning the raw response body.
func (c *Client) request(ctx context.Context, op string, method string, path string, params url.Values, form url.Values) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.formURL(path, params), body)
	if err != nil {
		return nil, shared.NewError(shared.InvalidInput, op, err)
	}

	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Authorization", "token "+c.cfg.APIKey+":"+token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}

		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			return nil, shared.NewError(shared.TransientNetwork, op, err)
		}

		return nil, shared.NewError(shared.Unknown, op, err)
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shared.NewError(shared.TransientNetwork, op,
			fmt.Errorf("reading response body: %w", err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.apiError(op, resp.StatusCode, gjson.ParseBytes(data))
	}

	return data, nil
}

// do performs an authenticated json api request, returning the parsed response body.
func (c *Client) do(ctx context.Context, op string, method string, path string, params url.Values, form url.Values) (gjson.Result, error) {
	data, err := c.request(ctx, op, method, path, params, form)
	if err != nil {
		return gjson.Result{}, err
	}

	result := gjson.ParseBytes(data)
	if result.Get("status").String() == "error" {
		return gjson.Result{}, c.apiError(op, http.StatusOK, result)
	}

	return result, nil
}

// Ping performs a cheap authenticated call against the profile endpoint.
func (c *Client) Ping(ctx context.Context) error {
	const op = "fetch profile"

	result, err := c.do(ctx, op, http.MethodGet, "/user/profile", nil, nil)
	if err != nil {
		return err
	}

	if result.Get("data.user_id").String() == "" {
		return shared.Errorf(shared.AuthExpired, op, "profile carries no user id")
	}

	return nil
}

// RefreshSession reloads the access token from the token source and verifies it.
func (c *Client) RefreshSession(ctx context.Context) error {
	token, err := c.cfg.TokenSource(ctx)
	if err != nil {
		return shared.NewError(shared.AuthExpired, "refresh session", err)
	}

	c.accessToken.Store(token)

	err = c.Ping(ctx)
	if err != nil {
		return fmt.Errorf("verifying refreshed session: %w", err)
	}

	c.cfg.Logger.Info().Msg("brokerage session refreshed")

	return nil
}

// historyWindow returns the query window covering the provided number of
// candles, padded for weekends and holidays.
func historyWindow(now time.Time, interval shared.Interval, lookback int) (time.Time, time.Time) {
	perDay := tradingMinutes / int(interval.Duration().Minutes())
	if perDay < 1 {
		perDay = 1
	}

	days := lookback/perDay + 1
	days += days/5*2 + 4
	if days > maxHistoryDays {
		days = maxHistoryDays
	}

	return now.AddDate(0, 0, -days), now
}

// ParseCandles parses candles from the provided json rows of the form
// [timestamp, open, high, low, close, volume].
func ParseCandles(data []gjson.Result, symbol string, interval shared.Interval) ([]shared.Candle, error) {
	candles := make([]shared.Candle, 0, len(data))

	for idx := range data {
		row := data[idx].Array()
		if len(row) < 6 {
			return nil, fmt.Errorf("malformed candle row %d for %s: %s", idx, symbol, data[idx].Raw)
		}

		dt, err := time.Parse(candleTimeLayout, row[0].String())
		if err != nil {
			return nil, fmt.Errorf("parsing candle date: %w", err)
		}

		candles = append(candles, shared.Candle{
			Symbol:   symbol,
			Interval: interval,
			Open:     row[1].Float(),
			High:     row[2].Float(),
			Low:      row[3].Float(),
			Close:    row[4].Float(),
			Volume:   row[5].Float(),
			Date:     dt,
		})
	}

	return candles, nil
}

// FetchCandles fetches the most recent lookback candles of the symbol, oldest first.
func (c *Client) FetchCandles(ctx context.Context, symbol string, interval shared.Interval, lookback int) ([]shared.Candle, error) {
	const op = "fetch candles"

	if lookback <= 0 {
		return nil, shared.Errorf(shared.InvalidInput, op, "lookback must be positive, got %d", lookback)
	}

	token, err := c.cfg.ResolveToken(symbol, shared.Exchange)
	if err != nil {
		return nil, err
	}

	from, to := historyWindow(c.cfg.Now(), interval, lookback)
	params := url.Values{}
	params.Add("from", from.Format(historyTimeLayout))
	params.Add("to", to.Format(historyTimeLayout))

	path := fmt.Sprintf("/instruments/historical/%d/%s", token, interval.String())
	result, err := c.do(ctx, op, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}

	candles, err := ParseCandles(result.Get("data.candles").Array(), symbol, interval)
	if err != nil {
		return nil, shared.NewError(shared.DataUnavailable, op, err)
	}

	if len(candles) == 0 {
		return nil, shared.Errorf(shared.DataUnavailable, op, "no %s candles for %s", interval, symbol)
	}

	if len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}

	return candles, nil
}

// FetchLastPrices fetches the last traded prices of the provided symbols.
// Symbols without a quote are absent from the result.
func (c *Client) FetchLastPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	const op = "fetch last prices"

	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	params := url.Values{}
	for _, symbol := range symbols {
		params.Add("i", shared.Exchange+":"+symbol)
	}

	result, err := c.do(ctx, op, http.MethodGet, "/quote/ltp", params, nil)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(symbols))
	result.Get("data").ForEach(func(key, value gjson.Result) bool {
		symbol := strings.TrimPrefix(key.String(), shared.Exchange+":")
		prices[symbol] = value.Get("last_price").Float()
		return true
	})

	return prices, nil
}

// FetchMargin fetches the available equity margin.
func (c *Client) FetchMargin(ctx context.Context) (float64, error) {
	const op = "fetch margin"

	result, err := c.do(ctx, op, http.MethodGet, "/user/margins", nil, nil)
	if err != nil {
		return 0, err
	}

	available := result.Get("data.equity.available.live_balance")
	if !available.Exists() {
		return 0, shared.Errorf(shared.DataUnavailable, op, "no equity live balance in response")
	}

	return available.Float(), nil
}

// PlaceOrder submits the provided intraday order.
func (c *Client) PlaceOrder(ctx context.Context, req shared.OrderRequest) (shared.OrderResponse, error) {
	const op = "place order"

	if req.Quantity <= 0 {
		return shared.OrderResponse{}, shared.Errorf(shared.InvalidInput, op,
			"%s quantity must be positive, got %d", req.Symbol, req.Quantity)
	}

	exchange := req.Exchange
	if exchange == "" {
		exchange = shared.Exchange
	}

	form := url.Values{}
	form.Set("tradingsymbol", req.Symbol)
	form.Set("exchange", exchange)
	form.Set("transaction_type", req.Side.String())
	form.Set("order_type", req.Type.String())
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("product", shared.ProductMIS)
	form.Set("validity", "DAY")
	if req.Type == shared.LimitOrder {
		if req.Price <= 0 {
			return shared.OrderResponse{}, shared.Errorf(shared.InvalidInput, op,
				"%s limit price must be positive, got %.2f", req.Symbol, req.Price)
		}
		form.Set("price", decimal.NewFromFloat(req.Price).StringFixed(2))
	}

	result, err := c.do(ctx, op, http.MethodPost, "/orders/regular", nil, form)
	if err != nil {
		return shared.OrderResponse{}, err
	}

	orderID := result.Get("data.order_id").String()
	if orderID == "" {
		return shared.OrderResponse{}, shared.Errorf(shared.Unknown, op, "no order id in response")
	}

	return shared.OrderResponse{OrderID: orderID, Status: shared.OrderPending}, nil
}

// CancelOrder cancels the provided working intraday order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	const op = "cancel order"

	if orderID == "" {
		return shared.Errorf(shared.InvalidInput, op, "order id cannot be an empty string")
	}

	result, err := c.do(ctx, op, http.MethodDelete, "/orders/regular/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return err
	}

	if result.Get("data.order_id").String() != orderID {
		return shared.Errorf(shared.Unknown, op, "unexpected cancellation response for order %s", orderID)
	}

	return nil
}

// FetchOrderStatus fetches the latest status of the provided order.
func (c *Client) FetchOrderStatus(ctx context.Context, orderID string) (shared.OrderStatus, error) {
	const op = "fetch order status"

	result, err := c.do(ctx, op, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return shared.OrderPending, err
	}

	history := result.Get("data").Array()
	if len(history) == 0 {
		return shared.OrderPending, shared.Errorf(shared.NotFound, op, "no history for order %s", orderID)
	}

	return shared.ParseOrderStatus(history[len(history)-1].Get("status").String()), nil
}
