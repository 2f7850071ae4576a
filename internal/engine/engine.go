// Package engine implements C9 ExecutionEngine: the guard chain that turns
// a raw strategy signal into (at most) one TradeRecord, and the circuit
// breaker / anti-duplicate state machine that guards it. Adapted from
// internal/execution/executor.go's paper/live dual-mode guard chain,
// reordered to spec §4.8's exact sequence.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/orders"
	"github.com/atlas-desktop/perpsync/internal/risk"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

// Signal is the strategy evaluator's raw output for one symbol at one bar.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Config carries the guard thresholds of spec §4.8, named after
// internal/config.TradingConfig's fields.
type Config struct {
	MinConfidence      float64
	MaxTradesPerBar    int
	CircuitBreakerLoss float64
	// StopLossPct is the fixed stop distance route_signal passes to
	// C7.calculate_position_size. route_signal's own parameter list (spec
	// §4.8) has no stop_loss_pct input, so it is a strategy-level constant
	// configured once here rather than derived per-signal.
	StopLossPct float64
}

// DefaultConfig returns the spec-named defaults.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.6, MaxTradesPerBar: 1, CircuitBreakerLoss: 0.05, StopLossPct: 0.02}
}

// Engine is the C9 implementation. It owns ExecutionGuards exclusively;
// no other component mutates it.
type Engine struct {
	logger *zap.Logger
	cfg    Config
	risk   *risk.Manager
	orders *orders.Manager

	mu     sync.Mutex
	guards types.ExecutionGuards
}

// New constructs an Engine.
func New(logger *zap.Logger, cfg Config, riskMgr *risk.Manager, orderMgr *orders.Manager) *Engine {
	return &Engine{
		logger: logger.Named("execution-engine"),
		cfg:    cfg,
		risk:   riskMgr,
		orders: orderMgr,
		guards: types.ExecutionGuards{
			LastSignalPerSymbol: make(map[string]types.SignalBarKey),
			TradesThisBar:       make(map[string]int),
		},
	}
}

// RouteSignal implements route_signal. Returns (nil, "") for HOLD and
// (trade, "") when an order is placed; every other outcome returns nil with
// a non-empty reason (a guard, a sizing reject, or an execution failure),
// so callers can log why a signal never reached the exchange.
func (e *Engine) RouteSignal(ctx context.Context, symbol string, signal Signal, confidence float64, price, atr, balance decimal.Decimal, barTs int64) (*types.TradeRecord, string) {
	if signal == SignalHold {
		return nil, ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	today := dateOf(barTs)
	if e.guards.LastResetDate == "" {
		e.guards.LastResetDate = today
	}
	if today != e.guards.LastResetDate {
		e.guards.LastResetDate = today
		e.guards.DailyLoss = decimal.Zero
		e.guards.CircuitBreakerActive = false
	}
	if e.guards.CircuitBreakerActive || e.guards.DailyLoss.LessThanOrEqual(balance.Mul(decimal.NewFromFloat(e.cfg.CircuitBreakerLoss)).Neg()) {
		e.guards.CircuitBreakerActive = true
		e.logger.Warn("engine: circuit breaker active, entry rejected", zap.String("symbol", symbol))
		return nil, "circuit_breaker"
	}

	if barTs != e.guards.CurrentBarTs {
		e.guards.CurrentBarTs = barTs
		e.guards.TradesThisBar = make(map[string]int)
	}
	side := toTradeSide(signal)
	barKey := barSideKey(symbol, side)
	if e.guards.TradesThisBar[barKey] >= maxTradesPerBar(e.cfg.MaxTradesPerBar) {
		return nil, "anti_duplicate"
	}
	if last, ok := e.guards.LastSignalPerSymbol[symbol]; ok && last.Side == side && last.BarTs == barTs {
		return nil, "anti_duplicate"
	}

	if confidence < e.cfg.MinConfidence {
		return nil, "confidence_floor"
	}

	slPct := decimal.NewFromFloat(e.cfg.StopLossPct)
	decision := e.risk.CalculatePositionSize(price, atr, balance, slPct, decimal.NewFromFloat(confidence), e.guards.DailyLoss)
	if decision.Rejected() {
		return nil, decisionRejectReason(decision)
	}

	trade, err := e.orders.ExecuteOrder(ctx, symbol, side, decision, price, confidence)
	if err != nil {
		e.logger.Error("engine: execute_order failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, "execute_error"
	}
	if trade == nil {
		return nil, "execute_rejected"
	}

	e.guards.LastSignalPerSymbol[symbol] = types.SignalBarKey{Side: side, BarTs: barTs}
	e.guards.TradesThisBar[barKey]++
	return trade, ""
}

// CheckOpenTrades fans out to OrderManager.CheckStopLossTakeProfit and
// folds any realized loss into the daily_loss guard.
func (e *Engine) CheckOpenTrades(price decimal.Decimal) []*types.TradeRecord {
	closed := e.orders.CheckStopLossTakeProfit(price)
	if len(closed) == 0 {
		return closed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range closed {
		if t.PnL.IsNegative() {
			e.guards.DailyLoss = e.guards.DailyLoss.Add(t.PnL)
		}
	}
	return closed
}

// Guards returns a snapshot copy of the execution guard state.
func (e *Engine) Guards() types.ExecutionGuards {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := e.guards
	g.LastSignalPerSymbol = make(map[string]types.SignalBarKey, len(e.guards.LastSignalPerSymbol))
	for k, v := range e.guards.LastSignalPerSymbol {
		g.LastSignalPerSymbol[k] = v
	}
	g.TradesThisBar = make(map[string]int, len(e.guards.TradesThisBar))
	for k, v := range e.guards.TradesThisBar {
		g.TradesThisBar[k] = v
	}
	return g
}

func toTradeSide(s Signal) types.TradeSide {
	if s == SignalSell {
		return types.TradeSideSell
	}
	return types.TradeSideBuy
}

// barSideKey keys trades_this_bar by (symbol, side) per the per-symbol-per-side
// Open Question decision: a flip within one bar is a distinct decision, a
// repeated identical side is not.
func barSideKey(symbol string, side types.TradeSide) string {
	return symbol + ":" + string(side)
}

func maxTradesPerBar(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func decisionRejectReason(d types.RiskDecision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return "sizing_rejected"
}

func dateOf(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02")
}
