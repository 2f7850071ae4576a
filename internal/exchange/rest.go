package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

// RESTConfig configures a live RESTClient against a perpetual-futures
// exchange's REST + WS endpoints. Signing follows the HMAC-SHA256 query
// pattern used throughout retail exchange APIs (grounded on the Binance
// adapter's request signing).
type RESTConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	WSURL     string
	Timeout   time.Duration
}

// RESTClient is the live C1 ExchangeClient implementation.
type RESTClient struct {
	logger     *zap.Logger
	cfg        RESTConfig
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewRESTClient constructs a live exchange client. Rate limiting defaults
// to 10 requests/second, matching typical perpetual-futures exchange
// public-endpoint limits.
func NewRESTClient(logger *zap.Logger, cfg RESTConfig) *RESTClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RESTClient{
		logger:     logger,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    NewRateLimiter(10, 100*time.Millisecond),
	}
}

func (c *RESTClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	c.limiter.Acquire()

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		sig := c.sign(params.Encode())
		params.Set("signature", sig)
	}

	reqURL := c.cfg.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrRateLimit, resp.StatusCode)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrder, string(body))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnknown, resp.StatusCode, string(body))
	}
}

type wireKline struct {
	OpenTime int64           `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

func (c *RESTClient) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]types.OHLCVBar, error) {
	params := url.Values{
		"symbol":    {symbol},
		"interval":  {string(tf)},
		"startTime": {strconv.FormatInt(sinceMs, 10)},
		"limit":     {strconv.Itoa(limit)},
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}
	var wire []wireKline
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: decoding klines: %v", ErrUnknown, err)
	}
	bars := make([]types.OHLCVBar, 0, len(wire))
	for _, k := range wire {
		bars = append(bars, types.OHLCVBar{
			TimestampMs: k.OpenTime,
			Open:        k.Open,
			High:        k.High,
			Low:         k.Low,
			Close:       k.Close,
			Volume:      k.Volume,
		})
	}
	return bars, nil
}

func (c *RESTClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error) {
	if req.Qty.IsZero() || req.Qty.IsNegative() {
		return CreateOrderResponse{}, fmt.Errorf("%w: qty must be positive", ErrInvalidOrder)
	}
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {strings.ToUpper(string(req.Side))},
		"type":             {strings.ToUpper(string(req.Type))},
		"quantity":         {req.Qty.String()},
		"newClientOrderId": {req.ClientOrderID},
		"timeInForce":      {string(req.TIF)},
	}
	if !req.Price.IsZero() {
		params.Set("price", req.Price.String())
	}
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return CreateOrderResponse{}, err
	}
	var resp struct {
		OrderID int64           `json:"orderId"`
		Fee     decimal.Decimal `json:"fee"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return CreateOrderResponse{}, fmt.Errorf("%w: decoding order response: %v", ErrUnknown, err)
	}
	return CreateOrderResponse{ID: strconv.FormatInt(resp.OrderID, 10), Fees: resp.Fee}, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, id, symbol string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {id}}
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

func (c *RESTClient) FetchBalance(ctx context.Context) ([]AccountBalance, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return nil, err
	}
	var wire []struct {
		Asset              string          `json:"asset"`
		AvailableBalance   decimal.Decimal `json:"availableBalance"`
		Balance            decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: decoding balance: %v", ErrUnknown, err)
	}
	out := make([]AccountBalance, 0, len(wire))
	for _, b := range wire {
		out = append(out, AccountBalance{
			Currency: b.Asset,
			Free:     b.AvailableBalance,
			Used:     b.Balance.Sub(b.AvailableBalance),
			Total:    b.Balance,
		})
	}
	return out, nil
}

// StreamCandles opens a reconnecting websocket subscription to the
// exchange's kline stream, grounded on the Binance adapter's websocket
// connection handling.
func (c *RESTClient) StreamCandles(ctx context.Context, symbol string, tf types.Timeframe) (Subscription, error) {
	sub := &wsSubscription{
		updates: make(chan CandleUpdate, 64),
		done:    make(chan struct{}),
		logger:  c.logger,
		url:     fmt.Sprintf("%s/ws/%s@kline_%s", c.cfg.WSURL, strings.ToLower(symbol), tf),
		symbol:  symbol,
		tf:      tf,
	}
	go sub.run(ctx)
	return sub, nil
}

type wsSubscription struct {
	mu      sync.Mutex
	updates chan CandleUpdate
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger
	url     string
	symbol  string
	tf      types.Timeframe
}

func (s *wsSubscription) run(ctx context.Context) {
	defer close(s.updates)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("ws dial failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.readLoop(ctx, conn)
		conn.Close()
	}
}

func (s *wsSubscription) readLoop(ctx context.Context, conn *websocket.Conn) {
	type klineEvent struct {
		K struct {
			T     int64           `json:"t"`
			O     decimal.Decimal `json:"o"`
			H     decimal.Decimal `json:"h"`
			L     decimal.Decimal `json:"l"`
			C     decimal.Decimal `json:"c"`
			V     decimal.Decimal `json:"v"`
			Final bool            `json:"x"`
		} `json:"k"`
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Warn("ws read error", zap.Error(err))
			}
			return
		}
		var ev klineEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		update := CandleUpdate{
			Symbol:    s.symbol,
			Timeframe: s.tf,
			Closed:    ev.K.Final,
			Bar: types.OHLCVBar{
				TimestampMs: ev.K.T,
				Open:        ev.K.O,
				High:        ev.K.H,
				Low:         ev.K.L,
				Close:       ev.K.C,
				Volume:      ev.K.V,
			},
		}
		select {
		case s.updates <- update:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) Updates() <-chan CandleUpdate { return s.updates }

func (s *wsSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
