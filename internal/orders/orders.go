// Package orders implements C8 OrderManager: paper and live fills share
// one contract, single-writer mutex discipline guards open_trades/balance,
// and getters return copies. Adapted from
// internal/execution/order_manager.go's locking/lifecycle shape,
// generalized from ManagedOrder/OrderFill bookkeeping to spec §4.7's
// TradeRecord lifecycle.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/exchange"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

var ErrTradeNotOpen = errors.New("orders: trade not open")

// Manager is the C8 implementation.
type Manager struct {
	logger         *zap.Logger
	client         exchange.Client
	paper          bool
	commissionRate decimal.Decimal

	mu         sync.Mutex
	openTrades map[string]*types.TradeRecord
	balance    types.Balance
}

// New constructs a Manager. paper selects instant local fills over
// submitting to client.
func New(logger *zap.Logger, client exchange.Client, paper bool, commissionRate decimal.Decimal, initialBalance decimal.Decimal, mode string) *Manager {
	return &Manager{
		logger:         logger.Named("order-manager"),
		client:         client,
		paper:          paper,
		commissionRate: commissionRate,
		openTrades:     make(map[string]*types.TradeRecord),
		balance:        types.Balance{Mode: mode, Free: initialBalance, Total: initialBalance},
	}
}

// ExecuteOrder implements spec §4.7's execute_order. risk.SizeQty <= 0
// returns (nil, nil) as a non-error reject.
func (m *Manager) ExecuteOrder(ctx context.Context, symbol string, side types.TradeSide, risk types.RiskDecision, currentPrice decimal.Decimal, confidence float64) (*types.TradeRecord, error) {
	if risk.Rejected() {
		return nil, nil
	}

	trade := &types.TradeRecord{
		TradeID:    uuid.New().String(),
		Symbol:     symbol,
		Side:       side,
		SizeQty:    risk.SizeQty,
		StopLoss:   risk.StopLoss,
		TakeProfit: risk.TakeProfit,
		Leverage:   risk.Leverage,
		EntryTime:  time.Now(),
		Status:     types.TradeRecordOpen,
		Confidence: confidence,
	}

	if m.paper {
		// Entry commission is recorded against the trade but not yet
		// realized against balance: opening a position locks margin, it
		// doesn't change equity. Only CloseTrade nets total fees against
		// balance, so balance_after_close = balance_before_open + pnl
		// holds with fees included exactly once.
		fees := risk.SizeQty.Mul(currentPrice).Mul(m.commissionRate)
		trade.EntryPrice = currentPrice
		trade.Fees = fees
		trade.Status = types.TradeRecordFilled

		m.mu.Lock()
		m.openTrades[trade.TradeID] = trade
		m.mu.Unlock()

		m.logger.Info("orders: paper fill", zap.String("trade_id", trade.TradeID), zap.String("symbol", symbol))
		return trade, nil
	}

	wireSide := exchange.SideBuy
	if side == types.TradeSideSell {
		wireSide = exchange.SideSell
	}
	resp, err := m.client.CreateOrder(ctx, exchange.CreateOrderRequest{
		Symbol:        symbol,
		Side:          wireSide,
		Type:          exchange.OrderTypeLimit,
		Qty:           risk.SizeQty,
		Price:         currentPrice,
		ClientOrderID: "bot_" + trade.TradeID,
		TIF:           exchange.TimeInForceGTC,
	})
	if err != nil {
		switch {
		case errors.Is(err, exchange.ErrInsufficientFunds), errors.Is(err, exchange.ErrInvalidOrder), errors.Is(err, exchange.ErrNetwork):
			m.logger.Warn("orders: execute rejected", zap.String("symbol", symbol), zap.Error(err))
			return nil, nil
		default:
			return nil, fmt.Errorf("orders: create order: %w", err)
		}
	}

	trade.TradeID = resp.ID
	trade.EntryPrice = currentPrice
	trade.Fees = resp.Fees
	trade.Status = types.TradeRecordFilled

	m.mu.Lock()
	m.openTrades[trade.TradeID] = trade
	m.mu.Unlock()

	return trade, nil
}

// CloseTrade implements spec §4.7's close_trade: realized PnL =
// (exit-entry)*size*dir, dir=+1 BUY/-1 SELL, minus total fees.
func (m *Manager) CloseTrade(tradeID string, exitPrice decimal.Decimal, reason types.ExitReason) (*types.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade, ok := m.openTrades[tradeID]
	if !ok || trade.Status != types.TradeRecordFilled {
		return nil, ErrTradeNotOpen
	}

	dir := decimal.NewFromInt(1)
	if trade.Side == types.TradeSideSell {
		dir = decimal.NewFromInt(-1)
	}
	pnl := exitPrice.Sub(trade.EntryPrice).Mul(trade.SizeQty).Mul(dir)

	exitFees := trade.SizeQty.Mul(exitPrice).Mul(m.commissionRate)
	totalFees := trade.Fees.Add(exitFees)
	pnl = pnl.Sub(totalFees)

	trade.ExitPrice = exitPrice
	trade.ExitReason = reason
	trade.ExitTime = time.Now()
	trade.PnL = pnl
	trade.Fees = totalFees
	trade.Status = types.TradeRecordClosed

	m.applyBalanceDelta(pnl)
	delete(m.openTrades, tradeID)

	closed := *trade
	m.logger.Info("orders: trade closed", zap.String("trade_id", tradeID), zap.String("pnl", pnl.String()), zap.String("reason", string(reason)))
	return &closed, nil
}

// CheckStopLossTakeProfit evaluates every open trade against currentPrice
// and closes any whose SL/TP threshold is breached, per spec §4.7. Each
// trade closes at most once per call.
func (m *Manager) CheckStopLossTakeProfit(currentPrice decimal.Decimal) []*types.TradeRecord {
	m.mu.Lock()
	ids := make([]string, 0, len(m.openTrades))
	for id := range m.openTrades {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var closed []*types.TradeRecord
	for _, id := range ids {
		m.mu.Lock()
		trade, ok := m.openTrades[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		reason, fillPrice, breached := breachedThreshold(trade, currentPrice)
		m.mu.Unlock()
		if !breached {
			continue
		}
		record, err := m.CloseTrade(id, fillPrice, reason)
		if err == nil && record != nil {
			closed = append(closed, record)
		}
	}
	return closed
}

// breachedThreshold reports whether currentPrice has crossed trade's SL or
// TP level and, if so, the level itself: spec §4.7 fills at the breached
// threshold price, not the tick that triggered it.
func breachedThreshold(trade *types.TradeRecord, currentPrice decimal.Decimal) (types.ExitReason, decimal.Decimal, bool) {
	if trade.Side == types.TradeSideBuy {
		if currentPrice.LessThanOrEqual(trade.StopLoss) {
			return types.ExitReasonSL, trade.StopLoss, true
		}
		if currentPrice.GreaterThanOrEqual(trade.TakeProfit) {
			return types.ExitReasonTP, trade.TakeProfit, true
		}
		return "", decimal.Zero, false
	}
	if currentPrice.GreaterThanOrEqual(trade.StopLoss) {
		return types.ExitReasonSL, trade.StopLoss, true
	}
	if currentPrice.LessThanOrEqual(trade.TakeProfit) {
		return types.ExitReasonTP, trade.TakeProfit, true
	}
	return "", decimal.Zero, false
}

// applyBalanceDelta must be called with mu held.
func (m *Manager) applyBalanceDelta(delta decimal.Decimal) {
	m.balance.Total = m.balance.Total.Add(delta)
	m.balance.Free = m.balance.Free.Add(delta)
}

// GetOpenTrades returns a snapshot copy of every open trade.
func (m *Manager) GetOpenTrades() []types.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TradeRecord, 0, len(m.openTrades))
	for _, t := range m.openTrades {
		out = append(out, *t)
	}
	return out
}

// GetBalance returns a snapshot copy of the current balance.
func (m *Manager) GetBalance() types.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}
