// Package edgex implements the exchange surface against the edgeX
// perpetuals REST and websocket APIs.
package edgex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/gridbot/exchange"
)

const (
	// MainnetURL is the production REST endpoint.
	MainnetURL = "https://pro.edgex.exchange"
	// TestnetURL is the demo environment.
	TestnetURL = "https://testnet.edgex.exchange"
)

// Client talks to the edgeX REST API for a single contract. Prices are
// rounded to the contract tick maker-side (buys down, sells up) and
// sizes are rounded down to the size step.
type Client struct {
	baseURL    string
	apiKey     string
	contractID string
	tickSize   float64
	sizeStep   float64
	priceDecs  int
	sizeDecs   int
	httpClient *http.Client

	ticker *TickerStream
}

type Options struct {
	BaseURL    string
	APIKey     string
	ContractID string
	TickSize   float64
	SizeStep   float64
}

func NewClient(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = MainnetURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		contractID: opts.ContractID,
		tickSize:   opts.TickSize,
		sizeStep:   opts.SizeStep,
		priceDecs:  decimals(opts.TickSize),
		sizeDecs:   decimals(opts.SizeStep),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// UseTicker attaches a websocket mark-price stream; when set, Snapshot
// prefers its cached price over the REST oracle field.
func (c *Client) UseTicker(t *TickerStream) { c.ticker = t }

type accountResponse struct {
	Data struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		UnrealizedPnl      string `json:"unrealizePnl"`
		Positions          []struct {
			ContractID string `json:"contractId"`
			OpenSize   string `json:"openSize"`
			AvgPrice   string `json:"avgEntryPrice"`
		} `json:"positionList"`
		OraclePrice string `json:"oraclePrice"`
	} `json:"data"`
}

func (c *Client) Snapshot(ctx context.Context) (exchange.AccountSnapshot, error) {
	var resp accountResponse
	if err := c.get(ctx, "/api/v1/private/account/asset", url.Values{"contractId": {c.contractID}}, &resp); err != nil {
		return exchange.AccountSnapshot{}, err
	}

	snap := exchange.AccountSnapshot{}
	var err error
	if snap.Balance, err = parseDecimal(resp.Data.TotalWalletBalance); err != nil {
		return snap, fmt.Errorf("parse balance: %w", err)
	}
	if snap.UnrealizedPnl, err = parseDecimal(resp.Data.UnrealizedPnl); err != nil {
		return snap, fmt.Errorf("parse unrealized pnl: %w", err)
	}
	for _, p := range resp.Data.Positions {
		if p.ContractID != c.contractID {
			continue
		}
		if snap.Position.Size, err = parseDecimal(p.OpenSize); err != nil {
			return snap, fmt.Errorf("parse position size: %w", err)
		}
		if snap.Position.EntryPrice, err = parseDecimal(p.AvgPrice); err != nil {
			return snap, fmt.Errorf("parse entry price: %w", err)
		}
	}
	if resp.Data.OraclePrice != "" {
		if snap.MarkPrice, err = parseDecimal(resp.Data.OraclePrice); err != nil {
			return snap, fmt.Errorf("parse oracle price: %w", err)
		}
	}
	if c.ticker != nil {
		if last, ok := c.ticker.Last(); ok {
			snap.MarkPrice = last
		}
	}
	return snap, nil
}

type ordersResponse struct {
	Data []struct {
		OrderID       string `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Side          string `json:"side"`
		Price         string `json:"price"`
		Size          string `json:"size"`
		ReduceOnly    bool   `json:"reduceOnly"`
	} `json:"data"`
}

func (c *Client) ActiveOrders(ctx context.Context) ([]exchange.Order, error) {
	var resp ordersResponse
	if err := c.get(ctx, "/api/v1/private/order/active", url.Values{"contractId": {c.contractID}}, &resp); err != nil {
		return nil, err
	}
	orders := make([]exchange.Order, 0, len(resp.Data))
	for _, o := range resp.Data {
		price, err := parseDecimal(o.Price)
		if err != nil {
			return nil, fmt.Errorf("parse order price: %w", err)
		}
		size, err := parseDecimal(o.Size)
		if err != nil {
			return nil, fmt.Errorf("parse order size: %w", err)
		}
		orders = append(orders, exchange.Order{
			ID:         o.OrderID,
			ClientID:   o.ClientOrderID,
			Side:       exchange.Side(o.Side),
			Price:      price,
			Size:       size,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return orders, nil
}

type createOrderRequest struct {
	ContractID    string `json:"contractId"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Size          string `json:"size"`
	ReduceOnly    bool   `json:"reduceOnly,omitempty"`
	TimeInForce   string `json:"timeInForce,omitempty"`
}

type createOrderResponse struct {
	Data struct {
		OrderID string `json:"orderId"`
	} `json:"data"`
}

func (c *Client) PlaceLimit(ctx context.Context, req exchange.LimitOrderRequest) (exchange.Order, error) {
	price := c.roundPrice(req.Price, req.Side)
	size := c.roundSize(req.Size)
	body := createOrderRequest{
		ContractID:    c.contractID,
		ClientOrderID: req.ClientID,
		Side:          string(req.Side),
		Type:          "LIMIT",
		Price:         strconv.FormatFloat(price, 'f', c.priceDecs, 64),
		Size:          strconv.FormatFloat(size, 'f', c.sizeDecs, 64),
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   "GOOD_TIL_CANCEL",
	}
	var resp createOrderResponse
	if err := c.post(ctx, "/api/v1/private/order/create", body, &resp); err != nil {
		return exchange.Order{}, err
	}
	return exchange.Order{
		ID:         resp.Data.OrderID,
		ClientID:   req.ClientID,
		Side:       req.Side,
		Price:      price,
		Size:       size,
		ReduceOnly: req.ReduceOnly,
	}, nil
}

func (c *Client) PlaceMarket(ctx context.Context, req exchange.MarketOrderRequest) error {
	body := createOrderRequest{
		ContractID:    c.contractID,
		ClientOrderID: req.ClientID,
		Side:          string(req.Side),
		Type:          "MARKET",
		Size:          strconv.FormatFloat(c.roundSize(req.Size), 'f', c.sizeDecs, 64),
		ReduceOnly:    req.ReduceOnly,
	}
	var resp createOrderResponse
	return c.post(ctx, "/api/v1/private/order/create", body, &resp)
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	body := map[string]string{"orderId": orderID}
	return c.post(ctx, "/api/v1/private/order/cancel", body, &struct{}{})
}

func (c *Client) CancelAll(ctx context.Context) error {
	body := map[string]string{"contractId": c.contractID}
	return c.post(ctx, "/api/v1/private/order/cancel-all", body, &struct{}{})
}

// roundPrice snaps to the tick maker-side: buys down, sells up. The
// epsilon absorbs float division noise around exact multiples.
func (c *Client) roundPrice(price float64, side exchange.Side) float64 {
	if c.tickSize <= 0 {
		return price
	}
	ticks := price / c.tickSize
	if side == exchange.Buy {
		return math.Floor(ticks+1e-9) * c.tickSize
	}
	return math.Ceil(ticks-1e-9) * c.tickSize
}

func (c *Client) roundSize(size float64) float64 {
	if c.sizeStep <= 0 {
		return size
	}
	return math.Floor(size/c.sizeStep+1e-9) * c.sizeStep
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	apiURL := c.baseURL + path
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-edgeX-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.Transient(req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return exchange.Transient(req.URL.Path,
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// decimals counts the fractional digits of a tick or step, e.g. 0.001
// has three. Used to format outgoing prices and sizes exactly.
func decimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
