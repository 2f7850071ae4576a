package cycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/cache"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

// Evaluator computes a CycleResult for one CycleTask. Pluggable per
// spec.md's Non-goals ("the discovery algorithm for strategy candidates is
// treated as a pluggable scorer") — see internal/strategy for the default.
type Evaluator func(task types.CycleTask) types.CycleResult

// ExecutorConfig tunes the C6 dispatcher.
type ExecutorConfig struct {
	MaxWorkers  int
	DelayMs     int // inter-task dispatch delay, default 100ms
	CycleTimeout time.Duration
}

// DefaultExecutorConfig matches spec §4.5/§5/§6 defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxWorkers: 4, DelayMs: 100, CycleTimeout: 30 * time.Second}
}

// Executor is the C6 ParallelCycleExecutor implementation.
type Executor struct {
	logger *zap.Logger
	cfg    ExecutorConfig
	cache  *cache.Cache

	// progress counters, readable without locks per spec §4.5.
	currentProgress atomic.Int64
	totalTasks      atomic.Int64

	cyclesTotal atomic.Int64
	successful  atomic.Int64
	failedCount atomic.Int64
	totalTrades atomic.Int64
}

// New constructs an Executor.
func New(logger *zap.Logger, cfg ExecutorConfig, resultCache *cache.Cache) *Executor {
	return &Executor{logger: logger, cfg: cfg, cache: resultCache}
}

// Progress returns (current, total) task counts, safe to poll without
// locking, per spec §4.5.
func (e *Executor) Progress() (current, total int64) {
	return e.currentProgress.Load(), e.totalTasks.Load()
}

// Execute runs evaluator over the Cartesian product of symbols x timeframes
// against the given MasterTimeline, per spec §4.5. Results are published to
// the returned channel as they complete (no ordering guarantee); the
// channel is closed once every task has completed or the pool drains after
// cancellation. progressCh, if non-nil, receives percentage-complete
// notifications at roughly 25/50/75/100%.
func (e *Executor) Execute(ctx context.Context, timeline types.MasterTimeline, symbols []string, timeframes []types.Timeframe, strategyID string, evaluator Evaluator, progressCh chan<- float64) (<-chan types.CycleResult, <-chan types.ExecutionSummary) {
	results := make(chan types.CycleResult, 64)
	summaryCh := make(chan types.ExecutionSummary, 1)

	poolCfg := DefaultPoolConfig()
	poolCfg.NumWorkers = e.cfg.MaxWorkers
	poolCfg.TaskTimeout = e.cfg.CycleTimeout
	pool := NewPool(e.logger, poolCfg)

	tasks := make([]types.CycleTask, 0, len(symbols)*len(timeframes))
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			tasks = append(tasks, types.CycleTask{
				CycleID:       uuid.New().String(),
				Symbol:        symbol,
				Timeframe:     tf,
				WindowStartTs: timeline.Start,
				WindowEndTs:   timeline.End,
				StrategyID:    strategyID,
			})
		}
	}
	e.totalTasks.Store(int64(len(tasks)))

	start := time.Now()
	var pnlTotal decimal.Decimal
	pnlCh := make(chan decimal.Decimal, len(tasks))
	var dispatched sync.WaitGroup

	go func() {
		defer close(results)
		defer pool.Stop()
		// dispatched.Add only ever happens in this loop, so waiting here
		// (rather than in a separately-started goroutine) guarantees every
		// Add has already happened before Wait is reached, cancelled or not.
		defer func() {
			dispatched.Wait()
			close(pnlCh)
		}()

		lastReported := -1.0
		for _, task := range tasks {
			select {
			case <-ctx.Done():
				return
			default:
			}

			t := task
			dispatched.Add(1)
			pool.Submit(func(taskCtx context.Context) error {
				defer dispatched.Done()
				result := e.evaluateOne(taskCtx, t, evaluator)
				e.cyclesTotal.Add(1)
				if result.Status == types.CycleResultSuccess {
					e.successful.Add(1)
				} else {
					e.failedCount.Add(1)
				}
				e.totalTrades.Add(int64(result.TradesCount))
				pnlCh <- result.PnL
				results <- result
				e.currentProgress.Add(1)
				return nil
			})

			time.Sleep(time.Duration(e.cfg.DelayMs) * time.Millisecond)

			if progressCh != nil {
				pct := 100 * float64(e.currentProgress.Load()) / float64(len(tasks))
				if pct-lastReported >= 25 {
					select {
					case progressCh <- pct:
					default:
					}
					lastReported = pct
				}
			}
		}
	}()

	go func() {
		for v := range pnlCh {
			pnlTotal = pnlTotal.Add(v)
		}
		_, _, avgCPU, peakRSS := pool.Stats()
		summaryCh <- types.ExecutionSummary{
			CyclesTotal:  int(e.cyclesTotal.Load()),
			Successful:   int(e.successful.Load()),
			Failed:       int(e.failedCount.Load()),
			TotalPnL:     pnlTotal,
			TotalTrades:  int(e.totalTrades.Load()),
			AvgCPU:       avgCPU,
			PeakRSSBytes: peakRSS,
			Duration:     time.Since(start),
		}
		close(summaryCh)
		if progressCh != nil {
			close(progressCh)
		}
	}()

	return results, summaryCh
}

func (e *Executor) evaluateOne(ctx context.Context, task types.CycleTask, evaluator Evaluator) types.CycleResult {
	key := cache.Key(task.Symbol, task.Timeframe, task.WindowEndTs, task.StrategyID)
	if cached, ok := e.cache.Get(key); ok {
		return cached
	}

	done := make(chan types.CycleResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.CycleResult{
					CycleID: task.CycleID, Symbol: task.Symbol, Timeframe: task.Timeframe,
					StrategyID: task.StrategyID, Status: types.CycleResultFailed,
					ErrorMsg: "panic in evaluator", Timestamp: time.Now(),
				}
			}
		}()
		done <- evaluator(task)
	}()

	select {
	case result := <-done:
		if result.Status == types.CycleResultSuccess {
			e.cache.Put(key, result)
		}
		return result
	case <-ctx.Done():
		return types.CycleResult{
			CycleID: task.CycleID, Symbol: task.Symbol, Timeframe: task.Timeframe,
			StrategyID: task.StrategyID, Status: types.CycleResultFailed,
			ErrorMsg: "timeout", Timestamp: time.Now(),
		}
	}
}
