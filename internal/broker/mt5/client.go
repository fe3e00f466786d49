// Package mt5 talks to the MetaTrader 5 HTTP bridge.
//
// The bridge exposes /health, /connect, /account, /trade/buy, /trade/sell,
// /trades/open, /trades/closed and /position/close. Every response carries a
// "success" flag and, on failure, an "error" string.
package mt5

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bot-execution-core/config"
	"bot-execution-core/internal/broker"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MagicNumber tags every order placed by this service
const MagicNumber = 2025

const orderComment = "bot-execution-core"

type contract struct {
	ticket     int64
	symbol     string
	direction  string
	stake      float64
	openedAt   time.Time
	closeAt    time.Time // zero = closed by the venue (SL/TP or manual)
	closeOrder int64
}

// Client implements broker.Client on top of the bridge
type Client struct {
	baseURL  string
	login    int64
	password string
	server   string
	logger   zerolog.Logger
	now      func() time.Time

	// reads retries idempotent GETs; writes never retries since a replayed
	// order would open a second position
	reads  *retryablehttp.Client
	writes *retryablehttp.Client
	poller *broker.SettlementPoller

	mu           sync.Mutex
	connectionID string
	contracts    map[string]*contract
}

var (
	_ broker.Client        = (*Client)(nil)
	_ broker.SessionCloser = (*Client)(nil)
)

// NewClient creates a bridge client. Connect must succeed before trading.
func NewClient(cfg config.BrokerConfig, pollInterval, timeout time.Duration, logger zerolog.Logger) *Client {
	logger = logger.With().Str("component", "mt5").Logger()

	c := &Client{
		baseURL:   strings.TrimRight(cfg.MT5URL, "/"),
		login:     cfg.MT5Login,
		password:  cfg.MT5Password,
		server:    cfg.MT5Server,
		logger:    logger,
		now:       time.Now,
		reads:     newHTTPClient(3, timeout, logger),
		writes:    newHTTPClient(0, timeout, logger),
		contracts: make(map[string]*contract),
	}
	c.poller = broker.NewSettlementPoller(c.fetchSettlement, pollInterval, timeout, logger)
	return c
}

func newHTTPClient(retryMax int, timeout time.Duration, logger zerolog.Logger) *retryablehttp.Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = retryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = timeout
	hc.Logger = leveledLogger{logger}
	// Hand the final response back so the bridge's JSON error is reported
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return hc
}

type apiResponse struct {
	Success      bool       `json:"success"`
	Error        string     `json:"error"`
	ConnectionID string     `json:"connection_id"`
	Account      *account   `json:"account"`
	Order        *order     `json:"order"`
	Positions    []position `json:"positions"`
	Deals        []deal     `json:"deals"`
}

type account struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
}

type order struct {
	OrderID int64   `json:"order_id"`
	DealID  int64   `json:"deal_id"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
	Retcode int     `json:"retcode"`
}

type position struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Profit       float64 `json:"profit"`
	Magic        int     `json:"magic"`
	Time         int64   `json:"time"`
}

type deal struct {
	Ticket     int64   `json:"ticket"`
	Order      int64   `json:"order"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
	Time       int64   `json:"time"`
}

// Health checks that the bridge is reachable
func (c *Client) Health(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.reads.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnectionLost, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", broker.ErrAPI, resp.StatusCode)
	}
	return nil
}

// Connect logs into the trading account and stores the connection id
func (c *Client) Connect(ctx context.Context) error {
	body := map[string]interface{}{
		"login":    c.login,
		"password": c.password,
		"server":   c.server,
	}
	resp, err := c.post(ctx, c.reads, "/connect", body)
	if err != nil {
		return err
	}
	if resp.ConnectionID == "" {
		return fmt.Errorf("%w: bridge returned no connection id", broker.ErrAPI)
	}

	c.mu.Lock()
	c.connectionID = resp.ConnectionID
	c.mu.Unlock()

	bal := 0.0
	if resp.Account != nil {
		bal = resp.Account.Balance
	}
	c.logger.Info().Str("connection_id", resp.ConnectionID).Float64("balance", bal).Msg("Connected to MT5 bridge")
	return nil
}

// Disconnect ends the bridge session. Later calls fail as not connected
// until Connect runs again.
func (c *Client) Disconnect(ctx context.Context) error {
	id := c.connID()
	if id == "" {
		return nil
	}
	if _, err := c.post(ctx, c.writes, "/disconnect", map[string]string{"connection_id": id}); err != nil {
		return err
	}

	c.mu.Lock()
	c.connectionID = ""
	c.mu.Unlock()
	c.logger.Info().Str("connection_id", id).Msg("Disconnected from MT5 bridge")
	return nil
}

func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	resp, err := c.get(ctx, "/account", nil)
	if err != nil {
		return 0, err
	}
	if resp.Account == nil {
		return 0, fmt.Errorf("%w: account missing from response", broker.ErrAPI)
	}
	return resp.Account.Balance, nil
}

// RequestProposal validates the request locally. The bridge has no quote
// endpoint, so the proposal is priced at execution.
func (c *Client) RequestProposal(ctx context.Context, req broker.ProposalRequest) (*broker.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrTimeout, err)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol required", broker.ErrProposalRejected)
	}
	if req.Stake <= 0 {
		return nil, fmt.Errorf("%w: volume must be positive", broker.ErrProposalRejected)
	}
	if req.Direction != broker.DirectionBuy && req.Direction != broker.DirectionSell {
		return nil, fmt.Errorf("%w: invalid direction %q", broker.ErrProposalRejected, req.Direction)
	}
	if c.connID() == "" {
		return nil, fmt.Errorf("%w: not connected", broker.ErrConnectionLost)
	}

	return &broker.Proposal{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Stake:     req.Stake,
		Duration:  req.Duration,
		CreatedAt: c.now(),
	}, nil
}

// PlaceTrade sends a market order. Stake is the order volume in lots.
func (c *Client) PlaceTrade(ctx context.Context, p *broker.Proposal) (*broker.Placement, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil proposal", broker.ErrTradeExecutionFailed)
	}

	path := "/trade/buy"
	if p.Direction == broker.DirectionSell {
		path = "/trade/sell"
	}
	resp, err := c.post(ctx, c.writes, path, map[string]interface{}{
		"connection_id": c.connID(),
		"symbol":        p.Symbol,
		"volume":        p.Stake,
		"magic":         MagicNumber,
		"comment":       orderComment,
	})
	if err != nil {
		if broker.Classify(err) == broker.KindAPI {
			return nil, fmt.Errorf("%w: %v", broker.ErrTradeExecutionFailed, err)
		}
		return nil, err
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("%w: order missing from response", broker.ErrTradeExecutionFailed)
	}

	now := c.now()
	id := strconv.FormatInt(resp.Order.OrderID, 10)
	ct := &contract{
		ticket:    resp.Order.OrderID,
		symbol:    p.Symbol,
		direction: p.Direction,
		stake:     p.Stake,
		openedAt:  now,
	}
	if p.Duration > 0 {
		ct.closeAt = now.Add(p.Duration)
	}

	c.mu.Lock()
	c.contracts[id] = ct
	c.mu.Unlock()

	return &broker.Placement{
		ContractID: id,
		EntryPrice: resp.Order.Price,
		PlacedAt:   now,
	}, nil
}

func (c *Client) SubscribeToSettlement(contractID string, fn func(broker.Settlement)) func() {
	return c.poller.Subscribe(contractID, fn)
}

// fetchSettlement closes expired positions and reports the closing deal once
// the position is gone from the open list
func (c *Client) fetchSettlement(ctx context.Context, contractID string) (*broker.Settlement, error) {
	c.mu.Lock()
	ct, ok := c.contracts[contractID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown contract %s", broker.ErrAPI, contractID)
	}

	open, err := c.get(ctx, "/trades/open", url.Values{"symbol": {ct.symbol}})
	if err != nil {
		return nil, err
	}
	for _, pos := range open.Positions {
		if pos.Ticket != ct.ticket {
			continue
		}
		if !ct.closeAt.IsZero() && !c.now().Before(ct.closeAt) && ct.closeOrder == 0 {
			if err := c.closePosition(ctx, ct); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	closed, err := c.get(ctx, "/trades/closed", url.Values{"symbol": {ct.symbol}})
	if err != nil {
		return nil, err
	}
	d := findClosingDeal(closed.Deals, ct)
	if d == nil {
		// Position gone but the deal is not in history yet
		return nil, nil
	}

	balance, err := c.GetBalance(ctx)
	if err != nil {
		return nil, err
	}

	pl := d.Profit + d.Swap + d.Commission
	status := broker.StatusLost
	if pl > 0 {
		status = broker.StatusWon
	}

	c.mu.Lock()
	delete(c.contracts, contractID)
	c.mu.Unlock()

	return &broker.Settlement{
		ContractID:   contractID,
		Status:       status,
		ProfitLoss:   pl,
		ExitPrice:    d.Price,
		BalanceAfter: balance,
		SettledAt:    time.Unix(d.Time, 0),
	}, nil
}

func (c *Client) closePosition(ctx context.Context, ct *contract) error {
	resp, err := c.post(ctx, c.writes, "/position/close", map[string]interface{}{
		"connection_id": c.connID(),
		"ticket":        ct.ticket,
	})
	if err != nil {
		return err
	}
	if resp.Order != nil {
		c.mu.Lock()
		ct.closeOrder = resp.Order.OrderID
		c.mu.Unlock()
	}
	c.logger.Info().Int64("ticket", ct.ticket).Str("symbol", ct.symbol).Msg("Closed expired position")
	return nil
}

// findClosingDeal prefers the deal of our own close order and falls back to
// the latest non-opening deal since the position was opened
func findClosingDeal(deals []deal, ct *contract) *deal {
	var best *deal
	for i := range deals {
		d := &deals[i]
		if ct.closeOrder != 0 && d.Order == ct.closeOrder {
			return d
		}
		if d.Order == ct.ticket || d.Time < ct.openedAt.Unix() {
			continue
		}
		if best == nil || d.Time > best.Time {
			best = d
		}
	}
	return best
}

func (c *Client) connID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*apiResponse, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("connection_id", c.connID())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	return c.do(c.reads, req, path)
}

func (c *Client) post(ctx context.Context, hc *retryablehttp.Client, path string, body interface{}) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(hc, req, path)
}

func (c *Client) do(hc *retryablehttp.Client, req *retryablehttp.Request, path string) (*apiResponse, error) {
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", broker.ErrTimeout, path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", broker.ErrConnectionLost, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", broker.ErrConnectionLost, path, err)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode %s (status %d): %v", broker.ErrAPI, path, resp.StatusCode, err)
	}
	if !out.Success {
		if out.Error == "Not connected" {
			return nil, fmt.Errorf("%w: %s: bridge session expired", broker.ErrConnectionLost, path)
		}
		return nil, fmt.Errorf("%w: %s: %s", broker.ErrAPI, path, out.Error)
	}
	return &out, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Trace().Fields(kv).Msg(msg) }
