package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

// PaperClient simulates order fills against an internal balance with no
// network I/O, so HistoricalDataManager/ExecutionEngine can run against a
// deterministic seeded source in tests. FetchOHLCV is backed by a supplied
// generator function so paper trading can be driven by either synthetic or
// replayed historical data.
type PaperClient struct {
	logger *zap.Logger
	mu     sync.Mutex
	rng    *rand.Rand

	balance map[string]AccountBalance
	orders  map[string]CreateOrderResponse

	// Generate produces bars for FetchOHLCV; if nil, a deterministic
	// synthetic random walk is used.
	Generate func(symbol string, tf types.Timeframe, sinceMs int64, limit int) []types.OHLCVBar

	defaultSlippageBps decimal.Decimal
	commissionRate     decimal.Decimal
}

// NewPaperClient creates a paper trading exchange client seeded with an
// initial free balance in the given currency.
func NewPaperClient(logger *zap.Logger, seed int64, initialBalance decimal.Decimal, currency string) *PaperClient {
	return &PaperClient{
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		balance: map[string]AccountBalance{
			currency: {Currency: currency, Free: initialBalance, Used: decimal.Zero, Total: initialBalance},
		},
		orders:              make(map[string]CreateOrderResponse),
		defaultSlippageBps:  decimal.NewFromFloat(0.0005),
		commissionRate:      decimal.NewFromFloat(0.0004),
	}
}

func (p *PaperClient) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]types.OHLCVBar, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if p.Generate != nil {
		return p.Generate(symbol, tf, sinceMs, limit), nil
	}
	return p.generateSynthetic(symbol, tf, sinceMs, limit), nil
}

// generateSynthetic produces a deterministic random-walk series seeded by
// the client's rng, never math/rand's unseeded global source.
func (p *PaperClient) generateSynthetic(symbol string, tf types.Timeframe, sinceMs int64, limit int) []types.OHLCVBar {
	interval := types.TimeframeInterval(tf)
	if interval == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price := decimal.NewFromInt(100)
	bars := make([]types.OHLCVBar, 0, limit)
	ts := sinceMs
	for i := 0; i < limit; i++ {
		change := decimal.NewFromFloat((p.rng.Float64() - 0.5) * 0.01)
		open := price
		price = price.Mul(decimal.NewFromInt(1).Add(change))
		high := decimal.Max(open, price).Mul(decimal.NewFromFloat(1.001))
		low := decimal.Min(open, price).Mul(decimal.NewFromFloat(0.999))
		vol := decimal.NewFromFloat(1000 + p.rng.Float64()*500)
		bars = append(bars, types.OHLCVBar{
			TimestampMs: ts,
			Open:        open,
			High:        high,
			Low:         low,
			Close:       price,
			Volume:      vol,
		})
		ts += interval
	}
	return bars
}

func (p *PaperClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error) {
	if req.Qty.IsZero() || req.Qty.IsNegative() {
		return CreateOrderResponse{}, fmt.Errorf("%w: qty must be positive", ErrInvalidOrder)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return existing, nil // idempotent on client_order_id
	}

	price := req.Price
	if price.IsZero() {
		price = decimal.NewFromInt(100)
	}
	slip := price.Mul(p.defaultSlippageBps)
	if req.Side == SideBuy {
		price = price.Add(slip)
	} else {
		price = price.Sub(slip)
	}
	fees := req.Qty.Mul(price).Mul(p.commissionRate)

	resp := CreateOrderResponse{ID: "paper_" + req.ClientOrderID, Fees: fees}
	p.orders[req.ClientOrderID] = resp
	p.logger.Debug("paper order filled",
		zap.String("clientOrderId", req.ClientOrderID),
		zap.String("symbol", req.Symbol),
		zap.String("fees", fees.String()),
	)
	return resp, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, id, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, id)
	return nil
}

func (p *PaperClient) FetchBalance(ctx context.Context) ([]AccountBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AccountBalance, 0, len(p.balance))
	for _, b := range p.balance {
		out = append(out, b)
	}
	return out, nil
}

func (p *PaperClient) StreamCandles(ctx context.Context, symbol string, tf types.Timeframe) (Subscription, error) {
	sub := &paperSubscription{
		updates: make(chan CandleUpdate, 16),
		done:    make(chan struct{}),
	}
	interval := types.TimeframeInterval(tf)
	go sub.run(ctx, p, symbol, tf, interval)
	return sub, nil
}

type paperSubscription struct {
	updates chan CandleUpdate
	done    chan struct{}
	once    sync.Once
}

func (s *paperSubscription) run(ctx context.Context, p *PaperClient, symbol string, tf types.Timeframe, interval int64) {
	defer close(s.updates)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond / 60) // accelerated for paper mode
	defer ticker.Stop()
	ts := time.Now().UnixMilli()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			bars := p.generateSynthetic(symbol, tf, ts, 1)
			ts += interval
			if len(bars) == 0 {
				continue
			}
			select {
			case s.updates <- CandleUpdate{Symbol: symbol, Timeframe: tf, Bar: bars[0], Closed: true}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *paperSubscription) Updates() <-chan CandleUpdate { return s.updates }

func (s *paperSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
