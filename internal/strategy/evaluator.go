// SimpleMomentum adapts MomentumStrategy's rule (strategy.go) into a
// cycle.Evaluator closure: a pure function of a CycleTask whose only
// hidden state is the read-only store and execution dependencies it
// closes over. It is the pluggable default spec.md deliberately leaves
// unspecified ("discovery algorithm for strategy candidates").
package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/engine"
	"github.com/atlas-desktop/perpsync/internal/store"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

// SimpleMomentumConfig tunes the default evaluator.
type SimpleMomentumConfig struct {
	Period    int             // lookback bars for the momentum window
	Threshold decimal.Decimal // fractional move required to signal
}

// DefaultSimpleMomentumConfig mirrors MomentumStrategy's defaults.
func DefaultSimpleMomentumConfig() SimpleMomentumConfig {
	return SimpleMomentumConfig{Period: 14, Threshold: decimal.NewFromFloat(0.02)}
}

// NewSimpleMomentumEvaluator returns a cycle.Evaluator that replays a
// CycleTask's window bar-by-bar against ts, routing every signal through
// eng (which applies the full C7/C8/C9 guard chain, paper or live) and
// folding the resulting fills into one CycleResult.
func NewSimpleMomentumEvaluator(logger *zap.Logger, ts *store.Store, eng *engine.Engine, cfg SimpleMomentumConfig) func(task types.CycleTask) types.CycleResult {
	log := logger.Named("strategy-simple-momentum")

	return func(task types.CycleTask) types.CycleResult {
		start := time.Now()
		result := types.CycleResult{
			CycleID: task.CycleID, Symbol: task.Symbol, Timeframe: task.Timeframe,
			StrategyID: task.StrategyID, Timestamp: time.Now(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		it, err := ts.Range(ctx, task.Symbol, task.Timeframe, task.WindowStartTs, task.WindowEndTs)
		if err != nil {
			result.Status = types.CycleResultFailed
			result.ErrorMsg = err.Error()
			result.ExecutionTimeMs = time.Since(start).Milliseconds()
			return result
		}

		var bars []types.OHLCVBar
		for it.Next() {
			bars = append(bars, it.Bar())
		}
		if len(bars) <= cfg.Period {
			result.Status = types.CycleResultSuccess
			result.ExecutionTimeMs = time.Since(start).Milliseconds()
			return result
		}

		wins, closes := 0, 0
		balance := decimal.NewFromInt(10000)
		atr := estimateATR(bars, cfg.Period)

		for i := cfg.Period; i < len(bars); i++ {
			bar := bars[i]
			past := bars[i-cfg.Period]
			if past.Close.IsZero() {
				continue
			}
			momentum := bar.Close.Sub(past.Close).Div(past.Close)

			signal := engine.SignalHold
			confidence := 0.0
			switch {
			case momentum.GreaterThan(cfg.Threshold):
				signal = engine.SignalBuy
				confidence = clampConfidence(momentum, cfg.Threshold)
			case momentum.LessThan(cfg.Threshold.Neg()):
				signal = engine.SignalSell
				confidence = clampConfidence(momentum.Abs(), cfg.Threshold)
			}

			if signal != engine.SignalHold {
				if _, reason := eng.RouteSignal(ctx, task.Symbol, signal, confidence, bar.Close, atr, balance, bar.TimestampMs); reason != "" {
					log.Debug("strategy: signal rejected", zap.String("symbol", task.Symbol), zap.String("reason", reason))
				}
			}

			closedTrades := eng.CheckOpenTrades(bar.Close)
			for _, t := range closedTrades {
				closes++
				if t.PnL.IsPositive() {
					wins++
				}
				result.PnL = result.PnL.Add(t.PnL)
				result.TradesCount++
			}
		}

		if closes > 0 {
			result.WinRate = float64(wins) / float64(closes)
		}
		result.Status = types.CycleResultSuccess
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		return result
	}
}

// estimateATR approximates average true range over the last `period` bars
// using the high-low range as a stand-in for true range (no prior-close gap
// component), sufficient for the volatility-throttle input C7 needs.
func estimateATR(bars []types.OHLCVBar, period int) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	n := period
	if n > len(bars) {
		n = len(bars)
	}
	sum := decimal.Zero
	for i := len(bars) - n; i < len(bars); i++ {
		sum = sum.Add(bars[i].High.Sub(bars[i].Low))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// clampConfidence scales a momentum reading against its trigger threshold
// into (0,1], mirroring MomentumStrategy's Strength calculation.
func clampConfidence(momentum, threshold decimal.Decimal) float64 {
	if threshold.IsZero() {
		return 1
	}
	ratio := momentum.Div(threshold)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	f, _ := ratio.Float64()
	return f
}
