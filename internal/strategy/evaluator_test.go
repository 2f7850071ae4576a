package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/engine"
	"github.com/atlas-desktop/perpsync/internal/orders"
	"github.com/atlas-desktop/perpsync/internal/risk"
	"github.com/atlas-desktop/perpsync/internal/store"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

func seedTrendingBars(t *testing.T, ts *store.Store, symbol string, n int) (startTs, endTs int64) {
	t.Helper()
	var bars []types.OHLCVBar
	price := decimal.NewFromInt(100)
	step := decimal.NewFromFloat(1.0)
	tsBase := int64(1700000000000)
	interval := types.TimeframeInterval(types.Timeframe1h)
	for i := 0; i < n; i++ {
		bars = append(bars, types.OHLCVBar{
			TimestampMs: tsBase + int64(i)*interval,
			Open:        price, High: price.Add(decimal.NewFromFloat(0.5)), Low: price.Sub(decimal.NewFromFloat(0.5)), Close: price,
			Volume: decimal.NewFromInt(10),
		})
		price = price.Add(step)
	}
	if _, err := ts.Append(context.Background(), symbol, types.Timeframe1h, bars); err != nil {
		t.Fatalf("seeding bars: %v", err)
	}
	return bars[0].TimestampMs, bars[len(bars)-1].TimestampMs
}

func TestSimpleMomentumEvaluatorProducesTrades(t *testing.T) {
	dir := t.TempDir()
	ts, err := store.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	startTs, endTs := seedTrendingBars(t, ts, "BTCUSDT", 60)

	riskMgr := risk.New(zap.NewNop(), risk.Config{MaxRiskPerTrade: 0.02, MaxDailyLossPct: 0.05, MaxDrawdownPct: 0.10, MaxLeverage: 3, LiveFutures: true})
	orderMgr := orders.New(zap.NewNop(), nil, true, decimal.NewFromFloat(0.0004), decimal.NewFromInt(10000), "paper")
	eng := engine.New(zap.NewNop(), engine.DefaultConfig(), riskMgr, orderMgr)

	evaluator := NewSimpleMomentumEvaluator(zap.NewNop(), ts, eng, DefaultSimpleMomentumConfig())
	task := types.CycleTask{
		CycleID: "c1", Symbol: "BTCUSDT", Timeframe: types.Timeframe1h,
		WindowStartTs: startTs, WindowEndTs: endTs, StrategyID: "simple-momentum",
	}

	result := evaluator(task)
	if result.Status != types.CycleResultSuccess {
		t.Fatalf("expected success, got %s: %s", result.Status, result.ErrorMsg)
	}
	if result.ExecutionTimeMs < 0 {
		t.Fatalf("execution time should be non-negative, got %d", result.ExecutionTimeMs)
	}
}

func TestSimpleMomentumEvaluatorEmptyWindowSucceeds(t *testing.T) {
	dir := t.TempDir()
	ts, err := store.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	riskMgr := risk.New(zap.NewNop(), risk.Config{MaxRiskPerTrade: 0.02, MaxDailyLossPct: 0.05, MaxDrawdownPct: 0.10, MaxLeverage: 3})
	orderMgr := orders.New(zap.NewNop(), nil, true, decimal.NewFromFloat(0.0004), decimal.NewFromInt(10000), "paper")
	eng := engine.New(zap.NewNop(), engine.DefaultConfig(), riskMgr, orderMgr)

	evaluator := NewSimpleMomentumEvaluator(zap.NewNop(), ts, eng, DefaultSimpleMomentumConfig())
	task := types.CycleTask{CycleID: "c2", Symbol: "ETHUSDT", Timeframe: types.Timeframe1h, WindowStartTs: 0, WindowEndTs: time.Now().UnixMilli(), StrategyID: "simple-momentum"}

	result := evaluator(task)
	if result.Status != types.CycleResultSuccess {
		t.Fatalf("expected success on an empty window, got %s: %s", result.Status, result.ErrorMsg)
	}
	if result.TradesCount != 0 {
		t.Fatalf("expected zero trades on an empty window, got %d", result.TradesCount)
	}
}
