// Package control implements C11 ControlOrchestrator: a single cooperative
// task dispatching a typed Command stream to the relevant subsystem,
// streaming ProgressMessages back, and enforcing the one-mutating-command-
// at-a-time / EmergencyStop-preempts-everything rules of spec §4.10.
// Grounded on internal/orchestrator/orchestrator.go's composition and
// event-driven dispatch shape, simplified to one typed command switch.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/atlas-desktop/perpsync/internal/cycle"
	"github.com/atlas-desktop/perpsync/internal/engine"
	"github.com/atlas-desktop/perpsync/internal/events"
	"github.com/atlas-desktop/perpsync/internal/exchange"
	"github.com/atlas-desktop/perpsync/internal/historical"
	"github.com/atlas-desktop/perpsync/internal/learning"
	"github.com/atlas-desktop/perpsync/internal/metrics"
	"github.com/atlas-desktop/perpsync/internal/regime"
	"github.com/atlas-desktop/perpsync/internal/store"
	synchronizer "github.com/atlas-desktop/perpsync/internal/sync"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

// EvaluatorFactory builds a fresh cycle.Evaluator for the given strategy id,
// so StartTrading/TrainHist can hand the executor something real without
// the orchestrator knowing anything about strategy internals.
type EvaluatorFactory func(strategyID string) func(types.CycleTask) types.CycleResult

// Orchestrator is the C11 implementation.
type Orchestrator struct {
	logger *zap.Logger

	store      *store.Store
	historical *historical.Manager
	sync       *synchronizer.Synchronizer
	executor   *cycle.Executor
	engine     *engine.Engine
	metrics    *metrics.Aggregator
	client     exchange.Client
	evaluators EvaluatorFactory
	events     *events.Bus // optional: nil means fills/alerts aren't published

	commands chan types.Command
	results  chan types.CommandResult
	progress chan types.ProgressMessage

	regimeDetector *regime.RegimeDetector
	regimeLastBar  map[string]decimal.Decimal
	performance    *learning.PerformanceTracker

	mu          sync.Mutex
	busyCommand types.CommandKind
	busyCancel  context.CancelFunc
	stopped     bool
	lastPrice   map[string]decimal.Decimal
	cbAlerted   map[string]bool
}

// Deps bundles the subsystems the orchestrator dispatches to.
type Deps struct {
	Store      *store.Store
	Historical *historical.Manager
	Sync       *synchronizer.Synchronizer
	Executor   *cycle.Executor
	Engine     *engine.Engine
	Metrics    *metrics.Aggregator
	Client     exchange.Client
	Evaluators EvaluatorFactory
	Events     *events.Bus // optional
}

// New constructs an Orchestrator. commandBuffer sizes the inbound queue.
func New(logger *zap.Logger, deps Deps, commandBuffer int) *Orchestrator {
	return &Orchestrator{
		logger:     logger.Named("control-orchestrator"),
		store:      deps.Store,
		historical: deps.Historical,
		sync:       deps.Sync,
		executor:   deps.Executor,
		engine:     deps.Engine,
		metrics:    deps.Metrics,
		client:     deps.Client,
		evaluators: deps.Evaluators,
		events:     deps.Events,
		commands:   make(chan types.Command, commandBuffer),
		results:    make(chan types.CommandResult, commandBuffer),
		progress:   make(chan types.ProgressMessage, 256),
		lastPrice:  make(map[string]decimal.Decimal),
		cbAlerted:  make(map[string]bool),

		regimeDetector: regime.NewRegimeDetector(logger.Named("regime-detector"), regime.DefaultRegimeConfig()),
		regimeLastBar:  make(map[string]decimal.Decimal),
		performance:    learning.NewPerformanceTracker(logger),
	}
}

// Results returns the channel of terminal CommandResults.
func (o *Orchestrator) Results() <-chan types.CommandResult { return o.results }

// Progress returns the channel of incremental ProgressMessages.
func (o *Orchestrator) Progress() <-chan types.ProgressMessage { return o.progress }

// Submit enqueues a command for dispatch. Returns false if the queue is full.
func (o *Orchestrator) Submit(cmd types.Command) bool {
	select {
	case o.commands <- cmd:
		return true
	default:
		return false
	}
}

// Run is the single cooperative task reading the command channel, per
// spec §4.10. It blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-o.commands:
			o.dispatch(ctx, cmd)
		}
	}
}

const (
	commandTrainHist    = types.CommandTrainHist
	commandStartTrading = types.CommandStartTrading
)

func isMutating(kind types.CommandKind) bool {
	return kind == commandTrainHist || kind == commandStartTrading
}

func (o *Orchestrator) dispatch(ctx context.Context, cmd types.Command) {
	if cmd.Kind == types.CommandEmergencyStop {
		o.handleEmergencyStop(ctx, cmd)
		return
	}

	if isMutating(cmd.Kind) {
		o.mu.Lock()
		if o.busyCommand != "" {
			o.mu.Unlock()
			o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultBusy, Message: fmt.Sprintf("busy running %s", o.busyCommand), FinishedAt: time.Now()}
			return
		}
		cmdCtx, cancel := context.WithCancel(ctx)
		o.busyCommand = cmd.Kind
		o.busyCancel = cancel
		o.mu.Unlock()

		go func() {
			defer o.clearBusy()
			o.runMutating(cmdCtx, cmd)
		}()
		return
	}

	switch cmd.Kind {
	case types.CommandDownloadData:
		o.handleDownloadData(ctx, cmd)
	case types.CommandSyncSymbols:
		o.handleSyncSymbols(ctx, cmd)
	case types.CommandStopTrading:
		o.handleStopTrading(cmd)
	case types.CommandStatus:
		o.handleStatus(cmd)
	default:
		o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultError, Message: "unknown command", FinishedAt: time.Now()}
	}
}

func (o *Orchestrator) clearBusy() {
	o.mu.Lock()
	o.busyCommand = ""
	o.busyCancel = nil
	o.mu.Unlock()
}

func (o *Orchestrator) runMutating(ctx context.Context, cmd types.Command) {
	switch cmd.Kind {
	case types.CommandTrainHist:
		o.handleTrainHist(ctx, cmd)
	case types.CommandStartTrading:
		o.handleStartTrading(ctx, cmd)
	}
}

func (o *Orchestrator) handleDownloadData(ctx context.Context, cmd types.Command) {
	report, err := o.historical.EnsureCoverage(ctx, cmd.Symbols, cmd.Timeframes)
	if err != nil {
		o.results <- errResult(cmd, err)
		return
	}
	o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultSuccess, Payload: report, FinishedAt: time.Now()}
}

func (o *Orchestrator) handleSyncSymbols(ctx context.Context, cmd types.Command) {
	var last synchronizer.MasterTimelineWithSeries
	for _, tf := range cmd.Timeframes {
		r, err := o.sync.Sync(ctx, cmd.Symbols, tf)
		if err != nil {
			o.results <- errResult(cmd, err)
			return
		}
		last = r
	}
	o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultSuccess, Payload: last.Timeline, FinishedAt: time.Now()}
}

// handleTrainHist runs ParallelCycleExecutor over the Cartesian product of
// symbols/timeframes using the registered evaluator, streaming progress and
// ingesting every CycleResult into MetricsAggregator. strategy_id is always
// "simple-momentum": Command carries no strategy field, and spec.md leaves
// strategy_id lifecycle to the evaluator registry (SPEC_FULL §9 item 2).
func (o *Orchestrator) handleTrainHist(ctx context.Context, cmd types.Command) {
	strategyID := "simple-momentum"
	timeline, err := o.sync.Sync(ctx, cmd.Symbols, firstOrDefault(cmd.Timeframes))
	if err != nil {
		o.results <- errResult(cmd, err)
		return
	}

	progressCh := make(chan float64, 8)
	go func() {
		for pct := range progressCh {
			o.progress <- types.ProgressMessage{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, PercentDone: pct, Message: "train_hist in progress", Timestamp: time.Now()}
		}
	}()

	evaluator := o.evaluators(strategyID)
	resultsCh, summaryCh := o.executor.Execute(ctx, timeline.Timeline, cmd.Symbols, cmd.Timeframes, strategyID, evaluator, progressCh)

	for r := range resultsCh {
		o.metrics.Ingest(r)
		o.metrics.RecordTradePnL(r.PnL)
		if r.TradesCount > 0 {
			o.performance.Record(strategyID, &types.TradeRecord{PnL: r.PnL})
		}
	}
	summary := <-summaryCh

	o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultSuccess, Payload: summary, FinishedAt: time.Now()}
}

// handleStartTrading runs the always-on subscribe-route-size-execute cycle
// the teacher's autonomous/agent.go polling loop used, trimmed to exactly
// the subscription + RouteSignal + CheckOpenTrades steps spec §4.8/§4.10
// describe, per SPEC_FULL §1.3.
func (o *Orchestrator) handleStartTrading(ctx context.Context, cmd types.Command) {
	strategyID := "simple-momentum"
	tf := firstOrDefault(cmd.Timeframes)

	for _, symbol := range cmd.Symbols {
		sub, err := o.client.StreamCandles(ctx, symbol, tf)
		if err != nil {
			o.results <- errResult(cmd, err)
			return
		}
		go o.consumeCandles(ctx, symbol, tf, strategyID, sub)
	}

	o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultSuccess, Message: "trading started", FinishedAt: time.Now()}
	<-ctx.Done()
}

// liveLookbackBars bounds how much history is replayed through the
// evaluator on every closed live bar. The anti-duplicate guard inside
// engine.RouteSignal makes replaying already-seen bars safe: a signal
// identical to the last one routed for the same bar_ts is rejected, so
// only the newest bar in the window ever produces a fresh trade.
const liveLookbackBars = 60

func (o *Orchestrator) consumeCandles(ctx context.Context, symbol string, tf types.Timeframe, strategyID string, sub exchange.Subscription) {
	defer sub.Close()
	interval := types.TimeframeInterval(tf)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			o.mu.Lock()
			o.lastPrice[symbol] = update.Bar.Close
			o.mu.Unlock()
			if !update.Closed {
				continue
			}

			if _, err := o.store.Append(ctx, symbol, tf, []types.OHLCVBar{update.Bar}); err != nil {
				o.logger.Error("control: failed appending live bar", zap.String("symbol", symbol), zap.Error(err))
				continue
			}

			o.updateRegimeTag(symbol, update.Bar.Close)

			task := types.CycleTask{
				CycleID: "live-" + symbol + "-" + time.Now().Format("150405.000"),
				Symbol:  symbol, Timeframe: tf, StrategyID: strategyID,
				WindowStartTs: update.Bar.TimestampMs - int64(liveLookbackBars)*interval,
				WindowEndTs:   update.Bar.TimestampMs,
			}
			result := o.evaluators(strategyID)(task)
			o.metrics.Ingest(result)
			o.checkCircuitBreakerAlert(symbol)

			closed := o.engine.CheckOpenTrades(update.Bar.Close)
			for _, t := range closed {
				o.metrics.Ingest(types.CycleResult{
					Symbol: symbol, Timeframe: update.Timeframe, StrategyID: "simple-momentum",
					Status: types.CycleResultSuccess, PnL: t.PnL, TradesCount: 1,
					WinRate: winRateOf(t), Timestamp: time.Now(),
				})
				o.metrics.RecordTradePnL(t.PnL)
				o.performance.Record(strategyID, t)
				o.publishFill(t)
			}
		}
	}
}

// publishFill forwards a closed trade to the event bus for the API's
// WebSocket hub, if one is wired.
func (o *Orchestrator) publishFill(t *types.TradeRecord) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.NewFillEvent(t.TradeID, t.Symbol, string(t.Side), t.SizeQty, t.ExitPrice, t.PnL, string(t.ExitReason)))
}

// updateRegimeTag feeds the closed bar's return into the HMM regime
// detector and republishes its classification onto MetricsAggregator as
// a display-only annotation, per SPEC_FULL §1.3. Never consulted by any
// trading invariant.
func (o *Orchestrator) updateRegimeTag(symbol string, close decimal.Decimal) {
	o.mu.Lock()
	prev, ok := o.regimeLastBar[symbol]
	o.regimeLastBar[symbol] = close
	o.mu.Unlock()
	if !ok || prev.IsZero() {
		return
	}

	ret, _ := close.Sub(prev).Div(prev).Float64()
	o.regimeDetector.AddReturn(ret)

	if o.metrics == nil {
		return
	}
	state := o.regimeDetector.GetCurrentRegime()
	if state.Primary != regime.RegimeUnknown {
		o.metrics.SetRegimeTag(string(state.Primary))
	}
}

// checkCircuitBreakerAlert publishes a risk alert exactly once per trip,
// clearing the latch once the breaker resets on day rollover.
func (o *Orchestrator) checkCircuitBreakerAlert(symbol string) {
	guards := o.engine.Guards()
	o.mu.Lock()
	wasAlerted := o.cbAlerted[symbol]
	o.cbAlerted[symbol] = guards.CircuitBreakerActive
	o.mu.Unlock()

	if guards.CircuitBreakerActive && !wasAlerted && o.events != nil {
		o.events.Publish(events.NewRiskAlertEvent(symbol, "circuit_breaker", "critical", "daily loss limit breached, new entries rejected until day rollover", guards.DailyLoss, decimal.Zero))
	}
}

func winRateOf(t *types.TradeRecord) float64 {
	if t.PnL.IsPositive() {
		return 1
	}
	return 0
}

func (o *Orchestrator) handleStopTrading(cmd types.Command) {
	o.mu.Lock()
	if o.busyCommand == types.CommandStartTrading && o.busyCancel != nil {
		o.busyCancel()
	}
	o.mu.Unlock()
	o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultSuccess, Message: "trading stopped", FinishedAt: time.Now()}
}

// handleEmergencyStop cancels whichever mutating command is running, marks
// the orchestrator stopped, and runs the engine's SL/TP check once for each
// symbol's last streamed price. Only open trades whose stop-loss or
// take-profit that price has crossed are closed; other positions stay open,
// no order is cancelled on the exchange, and the stopped flag is only
// reported by status, never checked before routing signals or dispatching
// later commands.
func (o *Orchestrator) handleEmergencyStop(ctx context.Context, cmd types.Command) {
	o.mu.Lock()
	if o.busyCancel != nil {
		o.busyCancel()
	}
	o.stopped = true
	prices := maps.Clone(o.lastPrice)
	o.mu.Unlock()

	closedAny := false
	for symbol, price := range prices {
		closed := o.engine.CheckOpenTrades(price)
		closedAny = closedAny || len(closed) > 0
		o.logger.Warn("control: emergency stop closing positions", zap.String("symbol", symbol), zap.Int("closed", len(closed)))
	}

	o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultSuccess, Message: "emergency stop complete", FinishedAt: time.Now()}
	_ = closedAny
}

func (o *Orchestrator) handleStatus(cmd types.Command) {
	o.mu.Lock()
	busy := o.busyCommand
	stopped := o.stopped
	o.mu.Unlock()

	status := map[string]interface{}{"busy": busy, "stopped": stopped}
	if o.metrics != nil {
		status["summary"] = o.metrics.Summary(5)
	}
	status["performance"] = o.performance.AllSnapshots()
	o.results <- types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultSuccess, Payload: status, FinishedAt: time.Now()}
}

func errResult(cmd types.Command, err error) types.CommandResult {
	return types.CommandResult{CorrelationID: cmd.CorrelationID, Command: cmd.Kind, Status: types.CommandResultError, Message: err.Error(), FinishedAt: time.Now()}
}

func firstOrDefault(tfs []types.Timeframe) types.Timeframe {
	if len(tfs) == 0 {
		return types.Timeframe1h
	}
	return tfs[0]
}
