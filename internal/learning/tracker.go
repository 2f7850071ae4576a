// Package learning turns closed TradeRecords into a per-strategy
// performance snapshot the control surface can expose between train_hist
// batches, per SPEC_FULL §1.3. Adapted from feedback.go's PerformanceAnalyzer
// (Sharpe/Sortino/drawdown/streak math), but automatic: there is no manual
// rating input here, only running statistics folded from closed trades.
package learning

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
	"github.com/atlas-desktop/perpsync/pkg/utils"
)

// PerformanceSnapshot is one strategy_id's running performance picture.
type PerformanceSnapshot struct {
	StrategyID    string          `json:"strategyId"`
	TotalTrades   int             `json:"totalTrades"`
	Wins          int             `json:"wins"`
	WinRate       float64         `json:"winRate"`
	TotalPnL      decimal.Decimal `json:"totalPnL"`
	AvgPnL        decimal.Decimal `json:"avgPnL"`
	SharpeRatio   decimal.Decimal `json:"sharpeRatio"`
	MaxDrawdown   decimal.Decimal `json:"maxDrawdown"`
	WinStreak     int             `json:"winStreak"`
	LossStreak    int             `json:"lossStreak"`
	CurrentStreak int             `json:"currentStreak"` // positive = winning streak, negative = losing
}

type strategyState struct {
	returns    []decimal.Decimal
	equity     decimal.Decimal
	peak       decimal.Decimal
	maxDD      decimal.Decimal
	wins       int
	winStreak  int
	lossStreak int
	current    int
}

// PerformanceTracker folds closed TradeRecords into per-strategy running
// statistics. Safe for concurrent use. Advisory only: nothing in engine or
// risk consults it, matching SPEC_FULL §1.3's framing of this as a
// between-batch feedback surface, not an invariant.
type PerformanceTracker struct {
	logger *zap.Logger

	mu    sync.Mutex
	state map[string]*strategyState
}

// NewPerformanceTracker constructs an empty tracker.
func NewPerformanceTracker(logger *zap.Logger) *PerformanceTracker {
	return &PerformanceTracker{
		logger: logger.Named("learning-tracker"),
		state:  make(map[string]*strategyState),
	}
}

// startingEquity mirrors PerformanceAnalyzer.calculateMaxDrawdown's
// baseline: drawdown is tracked against a notional equity curve seeded at
// this value, not the account's actual balance.
var startingEquity = decimal.NewFromInt(10000)

// Record folds one closed trade into strategyID's running snapshot.
func (pt *PerformanceTracker) Record(strategyID string, trade *types.TradeRecord) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	st, ok := pt.state[strategyID]
	if !ok {
		st = &strategyState{equity: startingEquity, peak: startingEquity}
		pt.state[strategyID] = st
	}

	st.returns = append(st.returns, trade.PnL)
	st.equity = st.equity.Add(trade.PnL)
	if st.equity.GreaterThan(st.peak) {
		st.peak = st.equity
	}
	if !st.peak.IsZero() {
		dd := st.peak.Sub(st.equity).Div(st.peak)
		if dd.GreaterThan(st.maxDD) {
			st.maxDD = dd
		}
	}

	if trade.PnL.IsPositive() {
		st.wins++
		if st.current >= 0 {
			st.current++
		} else {
			st.current = 1
		}
		if st.current > st.winStreak {
			st.winStreak = st.current
		}
	} else {
		if st.current <= 0 {
			st.current--
		} else {
			st.current = -1
		}
		if -st.current > st.lossStreak {
			st.lossStreak = -st.current
		}
	}
}

// Snapshot returns strategyID's current performance picture, or the zero
// value with TotalTrades 0 if nothing has been recorded yet.
func (pt *PerformanceTracker) Snapshot(strategyID string) PerformanceSnapshot {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	snap := PerformanceSnapshot{StrategyID: strategyID, TotalPnL: decimal.Zero, AvgPnL: decimal.Zero, SharpeRatio: decimal.Zero, MaxDrawdown: decimal.Zero}
	st, ok := pt.state[strategyID]
	if !ok {
		return snap
	}

	snap.TotalTrades = len(st.returns)
	snap.Wins = st.wins
	if snap.TotalTrades > 0 {
		snap.WinRate = float64(st.wins) / float64(snap.TotalTrades)
	}
	for _, r := range st.returns {
		snap.TotalPnL = snap.TotalPnL.Add(r)
	}
	if snap.TotalTrades > 0 {
		snap.AvgPnL = snap.TotalPnL.Div(decimal.NewFromInt(int64(snap.TotalTrades)))
	}
	snap.SharpeRatio = utils.CalculateSharpeRatio(st.returns, decimal.Zero, 252)
	snap.MaxDrawdown = st.maxDD
	snap.WinStreak = st.winStreak
	snap.LossStreak = st.lossStreak
	snap.CurrentStreak = st.current
	return snap
}

// AllSnapshots returns every tracked strategy's current snapshot.
func (pt *PerformanceTracker) AllSnapshots() map[string]PerformanceSnapshot {
	pt.mu.Lock()
	ids := make([]string, 0, len(pt.state))
	for id := range pt.state {
		ids = append(ids, id)
	}
	pt.mu.Unlock()

	out := make(map[string]PerformanceSnapshot, len(ids))
	for _, id := range ids {
		out[id] = pt.Snapshot(id)
	}
	return out
}
