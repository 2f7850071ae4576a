// Package exchange implements the C1 ExchangeClient capability: fetching
// OHLCV chunks, placing/cancelling orders, and streaming live candles
// against a perpetual-futures exchange, abstracted behind one interface so
// paper and live trading share an identical contract.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

// Error taxonomy surfaced to callers, per spec §6.
var (
	ErrInsufficientFunds = errors.New("exchange: insufficient funds")
	ErrInvalidOrder      = errors.New("exchange: invalid order")
	ErrRateLimit         = errors.New("exchange: rate limited")
	ErrNetwork           = errors.New("exchange: network error")
	ErrAuth              = errors.New("exchange: authentication error")
	ErrUnknown           = errors.New("exchange: unknown error")
)

// Side is the order side on the wire.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order type on the wire.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce is always GTC per spec §6.
type TimeInForce string

const TimeInForceGTC TimeInForce = "GTC"

// CreateOrderRequest is the create_order wire contract.
type CreateOrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	ClientOrderID string          // MUST be honored for idempotency
	TIF           TimeInForce
}

// CreateOrderResponse is the create_order wire response.
type CreateOrderResponse struct {
	ID   string
	Fees decimal.Decimal
}

// AccountBalance is the fetch_balance response, per currency.
type AccountBalance struct {
	Currency string
	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
}

// CandleUpdate is one item pushed by a stream_candles subscription.
type CandleUpdate struct {
	Symbol    string
	Timeframe types.Timeframe
	Bar       types.OHLCVBar
	Closed    bool // true once the bar's window has elapsed
}

// Subscription is a live candle stream with reconnect handled internally.
type Subscription interface {
	Updates() <-chan CandleUpdate
	Close() error
}

// Client is the C1 ExchangeClient capability. Both PaperClient and
// RESTClient implement it so ExecutionEngine and HistoricalDataManager are
// indifferent to trading mode.
type Client interface {
	// FetchOHLCV returns bars in ascending time order; sinceMs is inclusive.
	FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]types.OHLCVBar, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	FetchBalance(ctx context.Context) ([]AccountBalance, error)
	StreamCandles(ctx context.Context, symbol string, tf types.Timeframe) (Subscription, error)
}
