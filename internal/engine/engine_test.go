package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/orders"
	"github.com/atlas-desktop/perpsync/internal/risk"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	riskMgr := risk.New(zap.NewNop(), risk.Config{MaxRiskPerTrade: 0.02, MaxDailyLossPct: 0.05, MaxDrawdownPct: 0.10, MaxLeverage: 3, LiveFutures: true})
	orderMgr := orders.New(zap.NewNop(), nil, true, decimal.NewFromFloat(0.0004), decimal.NewFromInt(10000), "paper")
	return New(zap.NewNop(), DefaultConfig(), riskMgr, orderMgr)
}

func barTs(day string) int64 {
	tm, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return tm.UnixMilli()
}

// TestAntiDuplicateS3 is S3: BUY(BTCUSDT) fills; a second BUY(BTCUSDT) at
// the same bar_ts is rejected; SELL(BTCUSDT) at the same bar_ts is accepted
// (different side, per-symbol-per-side accounting).
func TestAntiDuplicateS3(t *testing.T) {
	e := newEngine(t)
	price := decimal.NewFromInt(50000)
	atr := decimal.NewFromInt(1000)
	balance := decimal.NewFromInt(10000)
	ts := barTs("2026-01-05")

	trade, reason := e.RouteSignal(context.Background(), "BTCUSDT", SignalBuy, 0.8, price, atr, balance, ts)
	if trade == nil {
		t.Fatalf("expected first BUY to fill, got reason=%q", reason)
	}

	trade2, reason2 := e.RouteSignal(context.Background(), "BTCUSDT", SignalBuy, 0.8, price, atr, balance, ts)
	if trade2 != nil || reason2 != "anti_duplicate" {
		t.Fatalf("expected second BUY at same bar to be rejected anti_duplicate, got trade=%v reason=%q", trade2, reason2)
	}

	trade3, reason3 := e.RouteSignal(context.Background(), "BTCUSDT", SignalSell, 0.8, price, atr, balance, ts)
	if trade3 == nil {
		t.Fatalf("expected SELL at same bar (different side) to be accepted, got reason=%q", reason3)
	}
}

// TestInvariant7NeverTwoFillsSameSideSameBar fires many BUY signals at the
// same bar_ts and asserts at most one fill.
func TestInvariant7NeverTwoFillsSameSideSameBar(t *testing.T) {
	e := newEngine(t)
	price := decimal.NewFromInt(50000)
	atr := decimal.NewFromInt(1000)
	balance := decimal.NewFromInt(10000)
	ts := barTs("2026-01-05")

	fills := 0
	for i := 0; i < 10; i++ {
		trade, _ := e.RouteSignal(context.Background(), "BTCUSDT", SignalBuy, 0.8, price, atr, balance, ts)
		if trade != nil {
			fills++
		}
	}
	if fills != 1 {
		t.Fatalf("expected exactly 1 fill across repeated same-side same-bar signals, got %d", fills)
	}
}

// TestCircuitBreakerS4: five $100 losses on a $10000 balance trip the 5%
// circuit breaker; a subsequent route_signal is rejected until date rollover.
func TestCircuitBreakerS4(t *testing.T) {
	e := newEngine(t)
	balance := decimal.NewFromInt(10000)
	day1 := barTs("2026-01-05")

	e.mu.Lock()
	e.guards.LastResetDate = dateOf(day1)
	e.guards.DailyLoss = decimal.NewFromInt(-500)
	e.mu.Unlock()

	_, reason := e.RouteSignal(context.Background(), "BTCUSDT", SignalBuy, 0.8, decimal.NewFromInt(100), decimal.NewFromInt(2), balance, day1)
	if reason != "circuit_breaker" {
		t.Fatalf("expected circuit_breaker rejection, got %q", reason)
	}

	day2 := barTs("2026-01-06")
	trade, reason2 := e.RouteSignal(context.Background(), "BTCUSDT", SignalBuy, 0.8, decimal.NewFromInt(100), decimal.NewFromInt(2), balance, day2)
	if trade == nil {
		t.Fatalf("expected acceptance after date rollover, got reason=%q", reason2)
	}
}

// TestInvariant8ExitsStillOccurWhileTripped: once the circuit breaker is
// active, check_open_trades must still close positions on SL/TP.
func TestInvariant8ExitsStillOccurWhileTripped(t *testing.T) {
	e := newEngine(t)
	ts := barTs("2026-01-05")

	trade, reason := e.RouteSignal(context.Background(), "BTCUSDT", SignalBuy, 0.8, decimal.NewFromInt(50000), decimal.NewFromInt(1000), decimal.NewFromInt(10000), ts)
	if trade == nil {
		t.Fatalf("setup: expected open fill, got reason=%q", reason)
	}

	e.mu.Lock()
	e.guards.CircuitBreakerActive = true
	e.mu.Unlock()

	closed := e.CheckOpenTrades(decimal.NewFromInt(48900))
	if len(closed) != 1 {
		t.Fatalf("expected the open trade to close on SL even while circuit breaker is tripped, got %d closes", len(closed))
	}
}

// TestConfidenceFloorRejects confirms the confidence guard fires before
// sizing is ever attempted.
func TestConfidenceFloorRejects(t *testing.T) {
	e := newEngine(t)
	ts := barTs("2026-01-05")
	trade, reason := e.RouteSignal(context.Background(), "BTCUSDT", SignalBuy, 0.1, decimal.NewFromInt(50000), decimal.NewFromInt(1000), decimal.NewFromInt(10000), ts)
	if trade != nil || reason != "confidence_floor" {
		t.Fatalf("expected confidence_floor rejection, got trade=%v reason=%q", trade, reason)
	}
}

// TestHoldIsNoop confirms HOLD never touches guards or orders.
func TestHoldIsNoop(t *testing.T) {
	e := newEngine(t)
	ts := barTs("2026-01-05")
	trade, reason := e.RouteSignal(context.Background(), "BTCUSDT", SignalHold, 0.9, decimal.NewFromInt(50000), decimal.NewFromInt(1000), decimal.NewFromInt(10000), ts)
	if trade != nil || reason != "" {
		t.Fatalf("expected HOLD to be a pure no-op, got trade=%v reason=%q", trade, reason)
	}
	g := e.Guards()
	if len(g.TradesThisBar) != 0 || len(g.LastSignalPerSymbol) != 0 {
		t.Fatalf("HOLD must not mutate guards, got %+v", g)
	}
}
