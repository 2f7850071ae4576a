package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/cache"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

func drain(results <-chan types.CycleResult, summary <-chan types.ExecutionSummary) types.ExecutionSummary {
	for range results {
	}
	return <-summary
}

// TestAggregationInvariantIsWorkerCountIndependent covers invariant 5: the
// aggregated totals must be identical regardless of MaxWorkers.
func TestAggregationInvariantIsWorkerCountIndependent(t *testing.T) {
	symbols := []string{"BTC-USD", "ETH-USD", "SOL-USD"}
	timeframes := []types.Timeframe{types.Timeframe1h, types.Timeframe4h}
	timeline := types.MasterTimeline{Start: 0, End: 1000}

	evaluator := func(task types.CycleTask) types.CycleResult {
		return types.CycleResult{
			CycleID: task.CycleID, Symbol: task.Symbol, Timeframe: task.Timeframe,
			Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(10), TradesCount: 2,
			Timestamp: time.Now(),
		}
	}

	run := func(workers int) types.ExecutionSummary {
		c := cache.New(zap.NewNop())
		defer c.Close()
		e := New(zap.NewNop(), ExecutorConfig{MaxWorkers: workers, DelayMs: 0, CycleTimeout: time.Second}, c)
		results, summaryCh := e.Execute(context.Background(), timeline, symbols, timeframes, "strat-1", evaluator, nil)
		return drain(results, summaryCh)
	}

	s1 := run(1)
	s4 := run(4)

	if s1.CyclesTotal != s4.CyclesTotal || s1.Successful != s4.Successful || s1.Failed != s4.Failed {
		t.Fatalf("counts differ by worker count: %+v vs %+v", s1, s4)
	}
	if !s1.TotalPnL.Equal(s4.TotalPnL) {
		t.Fatalf("pnl differs by worker count: %s vs %s", s1.TotalPnL, s4.TotalPnL)
	}
	if s1.TotalTrades != s4.TotalTrades {
		t.Fatalf("trade counts differ by worker count: %d vs %d", s1.TotalTrades, s4.TotalTrades)
	}
	wantTasks := len(symbols) * len(timeframes)
	if s1.CyclesTotal != wantTasks {
		t.Fatalf("cycles_total = %d, want %d", s1.CyclesTotal, wantTasks)
	}
}

// TestPanicInEvaluatorCountsAsFailedNotCached ensures a panicking evaluator
// yields a failed CycleResult and is never cached, so a retry re-evaluates.
func TestPanicInEvaluatorCountsAsFailedNotCached(t *testing.T) {
	c := cache.New(zap.NewNop())
	defer c.Close()
	e := New(zap.NewNop(), ExecutorConfig{MaxWorkers: 1, DelayMs: 0, CycleTimeout: time.Second}, c)

	calls := 0
	evaluator := func(task types.CycleTask) types.CycleResult {
		calls++
		panic("boom")
	}

	timeline := types.MasterTimeline{Start: 0, End: 100}
	results, summaryCh := e.Execute(context.Background(), timeline, []string{"BTC-USD"}, []types.Timeframe{types.Timeframe1h}, "strat-1", evaluator, nil)
	summary := drain(results, summaryCh)

	if summary.Failed != 1 || summary.Successful != 0 {
		t.Fatalf("expected 1 failed 0 successful, got %+v", summary)
	}
	if c.Len() != 0 {
		t.Fatalf("panicked result must not be cached, got len=%d", c.Len())
	}
}

// TestTimeoutTreatedAsFailed ensures an evaluator that never returns is
// treated as a failed cycle once CycleTimeout elapses, and is not cached.
func TestTimeoutTreatedAsFailed(t *testing.T) {
	c := cache.New(zap.NewNop())
	defer c.Close()
	e := New(zap.NewNop(), ExecutorConfig{MaxWorkers: 1, DelayMs: 0, CycleTimeout: 20 * time.Millisecond}, c)

	block := make(chan struct{})
	evaluator := func(task types.CycleTask) types.CycleResult {
		<-block
		return types.CycleResult{Status: types.CycleResultSuccess}
	}

	timeline := types.MasterTimeline{Start: 0, End: 100}
	results, summaryCh := e.Execute(context.Background(), timeline, []string{"BTC-USD"}, []types.Timeframe{types.Timeframe1h}, "strat-1", evaluator, nil)
	summary := drain(results, summaryCh)
	close(block)

	if summary.Failed != 1 {
		t.Fatalf("expected timeout to count as failed, got %+v", summary)
	}
	if c.Len() != 0 {
		t.Fatalf("timed-out result must not be cached, got len=%d", c.Len())
	}
}

// TestCancelMidDispatchDoesNotHangSummary covers cancellation partway
// through dispatch: fewer than len(tasks) jobs ever get submitted, and the
// summary must still arrive instead of blocking forever on results that
// were never sent.
func TestCancelMidDispatchDoesNotHangSummary(t *testing.T) {
	c := cache.New(zap.NewNop())
	defer c.Close()
	e := New(zap.NewNop(), ExecutorConfig{MaxWorkers: 1, DelayMs: 50, CycleTimeout: time.Second}, c)

	evaluator := func(task types.CycleTask) types.CycleResult {
		return types.CycleResult{
			CycleID: task.CycleID, Symbol: task.Symbol, Timeframe: task.Timeframe,
			Status: types.CycleResultSuccess, PnL: decimal.NewFromInt(1), TradesCount: 1,
			Timestamp: time.Now(),
		}
	}

	symbols := []string{"BTC-USD", "ETH-USD", "SOL-USD", "XRP-USD", "DOGE-USD"}
	timeframes := []types.Timeframe{types.Timeframe1h}
	timeline := types.MasterTimeline{Start: 0, End: 100}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(60*time.Millisecond, cancel)

	results, summaryCh := e.Execute(ctx, timeline, symbols, timeframes, "strat-1", evaluator, nil)

	done := make(chan types.ExecutionSummary, 1)
	go func() { done <- drain(results, summaryCh) }()

	select {
	case summary := <-done:
		if summary.CyclesTotal >= len(symbols) {
			t.Fatalf("expected cancellation to cut dispatch short, got %d of %d cycles", summary.CyclesTotal, len(symbols))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("summary channel never closed after mid-dispatch cancellation")
	}
}
