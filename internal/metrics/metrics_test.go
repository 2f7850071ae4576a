package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	return New(zap.NewNop(), prometheus.NewRegistry(), DefaultThresholds())
}

func TestIngestTotals(t *testing.T) {
	a := newAggregator(t)
	a.Ingest(types.CycleResult{StrategyID: "s1", Symbol: "BTCUSDT", Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(100), TradesCount: 2, WinRate: 0.6, ExecutionTimeMs: 200})
	a.Ingest(types.CycleResult{StrategyID: "s1", Symbol: "BTCUSDT", Status: types.CycleResultFailed, ErrorMsg: "boom"})

	s := a.Summary(5)
	if s.Cycles != 2 || s.Success != 1 || s.Fail != 1 {
		t.Fatalf("totals = %+v", s)
	}
	if !s.PnL.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("pnl = %s, want 100", s.PnL)
	}
	if s.Trades != 2 {
		t.Fatalf("trades = %d, want 2", s.Trades)
	}
}

func TestRecommendationsTriggerOnThresholds(t *testing.T) {
	a := newAggregator(t)
	// 1 success out of 5 cycles -> success rate 20% < 80% threshold.
	a.Ingest(types.CycleResult{StrategyID: "s1", Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(-50), WinRate: 0.1})
	for i := 0; i < 4; i++ {
		a.Ingest(types.CycleResult{StrategyID: "s1", Status: types.CycleResultFailed})
	}
	a.RecordResourceSample(0.95, 2<<30)

	s := a.Summary(5)
	found := map[string]bool{}
	for _, r := range s.Recommendations {
		found[r] = true
	}
	anyMatches := false
	for r := range found {
		if r != "" {
			anyMatches = true
		}
	}
	if !anyMatches {
		t.Fatalf("expected at least one recommendation, got none")
	}
	if len(s.Recommendations) < 3 {
		t.Fatalf("expected multiple thresholds to trigger (success rate, negative pnl, peak memory, cpu), got %v", s.Recommendations)
	}
}

func TestHealthySummaryHasDefaultRecommendation(t *testing.T) {
	a := newAggregator(t)
	a.Ingest(types.CycleResult{StrategyID: "s1", Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(10), WinRate: 0.9, ExecutionTimeMs: 50})
	s := a.Summary(5)
	if len(s.Recommendations) != 1 || s.Recommendations[0] != "All metrics within healthy thresholds" {
		t.Fatalf("expected single healthy recommendation, got %v", s.Recommendations)
	}
}

func TestTopStrategiesRanking(t *testing.T) {
	a := newAggregator(t)
	a.Ingest(types.CycleResult{StrategyID: "winner", Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(500), WinRate: 0.7})
	a.Ingest(types.CycleResult{StrategyID: "loser", Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(-100), WinRate: 0.3})

	top := a.TopStrategies(5)
	if len(top) != 2 || top[0].StrategyID != "winner" {
		t.Fatalf("expected winner ranked first, got %+v", top)
	}
}

func TestBestWorstBySymbol(t *testing.T) {
	a := newAggregator(t)
	a.Ingest(types.CycleResult{StrategyID: "a", Symbol: "BTCUSDT", Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(100), WinRate: 0.6})
	a.Ingest(types.CycleResult{StrategyID: "b", Symbol: "BTCUSDT", Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(-50), WinRate: 0.3})

	best, worst := a.BestWorstBySymbol()
	if len(best) != 1 || best[0].StrategyID != "a" {
		t.Fatalf("best = %+v, want strategy a", best)
	}
	if len(worst) != 1 || worst[0].StrategyID != "b" {
		t.Fatalf("worst = %+v, want strategy b", worst)
	}
}

func TestGeneratedAtIsSet(t *testing.T) {
	a := newAggregator(t)
	s := a.Summary(5)
	if s.GeneratedAt.IsZero() || s.GeneratedAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("generatedAt looks wrong: %v", s.GeneratedAt)
	}
}
