package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeframeInterval returns the canonical millisecond interval of a
// timeframe. Zero means unknown.
func TimeframeInterval(tf Timeframe) int64 {
	switch tf {
	case Timeframe1m:
		return 60_000
	case Timeframe5m:
		return 5 * 60_000
	case Timeframe15m:
		return 15 * 60_000
	case Timeframe1h:
		return 60 * 60_000
	case Timeframe4h:
		return 4 * 60 * 60_000
	case Timeframe1d:
		return 24 * 60 * 60_000
	default:
		return 0
	}
}

// OHLCVBar is an immutable candlestick keyed by (symbol, timeframe, timestamp_ms).
type OHLCVBar struct {
	TimestampMs int64           `json:"timestampMs"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
}

// Valid checks the OHLCVBar invariants from the data model.
func (b OHLCVBar) Valid() bool {
	if b.Volume.IsNegative() {
		return false
	}
	maxOC := b.Open
	if b.Close.GreaterThan(maxOC) {
		maxOC = b.Close
	}
	minOC := b.Open
	if b.Close.LessThan(minOC) {
		minOC = b.Close
	}
	return !b.High.LessThan(maxOC) && !b.Low.GreaterThan(minOC)
}

// CoverageStatus classifies how complete a (symbol, timeframe) series is.
type CoverageStatus string

const (
	CoverageNoData       CoverageStatus = "NO_DATA"
	CoverageInsufficient CoverageStatus = "INSUFFICIENT"
	CoverageComplete     CoverageStatus = "COMPLETE"
	CoverageError        CoverageStatus = "ERROR"
)

// Range is an inclusive [Start,End] millisecond timestamp range.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// CoverageReport describes the state of one (symbol, timeframe) series.
type CoverageReport struct {
	Symbol     string         `json:"symbol"`
	Timeframe  Timeframe      `json:"timeframe"`
	Records    int            `json:"records"`
	FirstTs    int64          `json:"firstTs"`
	LastTs     int64          `json:"lastTs"`
	Gaps       []Range        `json:"gaps"`
	Duplicates int            `json:"duplicates"`
	Status     CoverageStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
}

// InsertStats reports the outcome of a TimeSeriesStore.Append call.
type InsertStats struct {
	Inserted         int `json:"inserted"`
	DuplicatesIgnored int `json:"duplicatesIgnored"`
}

// MasterTimeline is the ordered, deduplicated intersection of per-symbol
// timestamp sets for one timeframe, produced by SymbolSynchronizer.
type MasterTimeline struct {
	Timeframe     Timeframe `json:"timeframe"`
	Timestamps    []int64   `json:"timestamps"`
	Start         int64     `json:"start"`
	End           int64     `json:"end"`
	TotalPeriods  int       `json:"totalPeriods"`
	SyncQuality   float64   `json:"syncQuality"`
	SessionID     string    `json:"sessionId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AlignedSeries is the subset of a symbol's raw bars whose timestamps are in
// the MasterTimeline for that timeframe.
type AlignedSeries struct {
	Symbol    string     `json:"symbol"`
	Timeframe Timeframe  `json:"timeframe"`
	Bars      []OHLCVBar `json:"bars"`
}

// CycleTask is one unit of strategy evaluation over a timeline slice.
type CycleTask struct {
	CycleID       string    `json:"cycleId"`
	Symbol        string    `json:"symbol"`
	Timeframe     Timeframe `json:"timeframe"`
	WindowStartTs int64     `json:"windowStartTs"`
	WindowEndTs   int64     `json:"windowEndTs"`
	StrategyID    string    `json:"strategyId"`
}

// CycleResultStatus is the outcome of one CycleTask evaluation.
type CycleResultStatus string

const (
	CycleResultSuccess CycleResultStatus = "success"
	CycleResultFailed  CycleResultStatus = "failed"
)

// CycleResult is the immutable output of one evaluated CycleTask.
type CycleResult struct {
	CycleID         string            `json:"cycleId"`
	Symbol          string            `json:"symbol"`
	Timeframe       Timeframe         `json:"timeframe"`
	ExecutionTimeMs int64             `json:"executionTimeMs"`
	PnL             decimal.Decimal   `json:"pnl"`
	TradesCount     int               `json:"tradesCount"`
	WinRate         float64           `json:"winRate"`
	StrategyID      string            `json:"strategyId"`
	Status          CycleResultStatus `json:"status"`
	ErrorMsg        string            `json:"errorMsg,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// TradeSide is BUY or SELL for a TradeRecord (distinct from OrderSide's
// lowercase exchange-wire values).
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// ExitReason names why a TradeRecord closed.
type ExitReason string

const (
	ExitReasonTP             ExitReason = "TP"
	ExitReasonSL             ExitReason = "SL"
	ExitReasonManual         ExitReason = "MANUAL"
	ExitReasonCircuitBreaker ExitReason = "CIRCUIT_BREAKER"
)

// TradeRecordStatus is the lifecycle state of a TradeRecord.
type TradeRecordStatus string

const (
	TradeRecordOpen      TradeRecordStatus = "OPEN"
	TradeRecordFilled    TradeRecordStatus = "FILLED"
	TradeRecordClosed    TradeRecordStatus = "CLOSED"
	TradeRecordCancelled TradeRecordStatus = "CANCELLED"
)

// TradeRecord is the persisted record of one position, created OPEN by
// OrderManager.ExecuteOrder and transitioning to CLOSED on SL/TP/manual exit.
type TradeRecord struct {
	TradeID    string            `json:"tradeId"`
	Symbol     string            `json:"symbol"`
	Side       TradeSide         `json:"side"`
	SizeQty    decimal.Decimal   `json:"sizeQty"`
	EntryPrice decimal.Decimal   `json:"entryPrice"`
	ExitPrice  decimal.Decimal   `json:"exitPrice"`
	StopLoss   decimal.Decimal   `json:"stopLoss"`
	TakeProfit decimal.Decimal   `json:"takeProfit"`
	Leverage   int               `json:"leverage"`
	PnL        decimal.Decimal   `json:"pnl"`
	Fees       decimal.Decimal   `json:"fees"`
	EntryTime  time.Time         `json:"entryTime"`
	ExitTime   time.Time         `json:"exitTime,omitempty"`
	ExitReason ExitReason        `json:"exitReason,omitempty"`
	Status     TradeRecordStatus `json:"status"`
	Confidence float64           `json:"confidence"`
}

// TrailingConfig parameterizes a trailing stop.
type TrailingConfig struct {
	ActivationPct decimal.Decimal `json:"activationPct"`
	TrailPct      decimal.Decimal `json:"trailPct"`
}

// RiskDecision is the derived, non-persisted output of RiskManager sizing.
// SizeQty == 0 means reject.
type RiskDecision struct {
	SizeQty    decimal.Decimal `json:"sizeQty"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	Leverage   int             `json:"leverage"`
	RiskAmount decimal.Decimal `json:"riskAmount"`
	RiskPct    decimal.Decimal `json:"riskPct"`
	Trailing   *TrailingConfig `json:"trailing,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Rejected reports whether the decision is a reject (size_qty == 0).
func (d RiskDecision) Rejected() bool {
	return d.SizeQty.IsZero() || d.SizeQty.IsNegative()
}

// Balance is process-owned monetary state for one trading mode.
type Balance struct {
	Mode  string          `json:"mode"`
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
	Total decimal.Decimal `json:"total"`
}

// ExecutionGuards is process-wide state mutated only by the ExecutionEngine.
type ExecutionGuards struct {
	LastSignalPerSymbol  map[string]SignalBarKey `json:"lastSignalPerSymbol"`
	TradesThisBar        map[string]int          `json:"tradesThisBar"`
	DailyLoss            decimal.Decimal         `json:"dailyLoss"`
	LastResetDate        string                  `json:"lastResetDate"`
	CircuitBreakerActive bool                    `json:"circuitBreakerActive"`
	CurrentBarTs         int64                   `json:"currentBarTs"`
}

// SignalBarKey identifies a (side, bar timestamp) pair for anti-duplicate
// comparison.
type SignalBarKey struct {
	Side  TradeSide `json:"side"`
	BarTs int64     `json:"barTs"`
}

// PairDownloadStatus is the per-(symbol,timeframe) outcome of a backfill.
type PairDownloadStatus struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Fetched   int       `json:"fetched"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// DownloadReport is HistoricalDataManager's structured backfill summary.
type DownloadReport struct {
	Pairs       []PairDownloadStatus `json:"pairs"`
	TotalFetched int                 `json:"totalFetched"`
	TotalErrors  int                 `json:"totalErrors"`
	StartedAt    time.Time           `json:"startedAt"`
	FinishedAt   time.Time           `json:"finishedAt"`
}

// SyncSession is the persisted-state record of one SymbolSynchronizer run.
type SyncSession struct {
	SessionID  string    `json:"sessionId"`
	CreatedAt  time.Time `json:"createdAt"`
	Symbols    []string  `json:"symbols"`
	Timeframes []string  `json:"timeframes"`
	Quality    float64   `json:"quality"`
}

// ExecutionSummary is ParallelCycleExecutor's return value.
type ExecutionSummary struct {
	CyclesTotal  int             `json:"cyclesTotal"`
	Successful   int             `json:"successful"`
	Failed       int             `json:"failed"`
	TotalPnL     decimal.Decimal `json:"totalPnl"`
	TotalTrades  int             `json:"totalTrades"`
	AvgCPU       float64         `json:"avgCpu"`
	PeakRSSBytes uint64          `json:"peakRssBytes"`
	Duration     time.Duration   `json:"duration"`
}

// StrategyRanking is one entry in MetricsAggregator's rankings.
type StrategyRanking struct {
	StrategyID string          `json:"strategyId"`
	Symbol     string          `json:"symbol"`
	PnL        decimal.Decimal `json:"pnl"`
	WinRate    float64         `json:"winRate"`
	Cycles     int             `json:"cycles"`
}

// SummaryReport is MetricsAggregator's plain snapshot.
type SummaryReport struct {
	Cycles          int               `json:"cycles"`
	Success         int               `json:"success"`
	Fail            int               `json:"fail"`
	PnL             decimal.Decimal   `json:"pnl"`
	Trades          int               `json:"trades"`
	WinRate         float64           `json:"winRate"`
	TopStrategies   []StrategyRanking `json:"topStrategies"`
	BestBySymbol    []StrategyRanking `json:"bestBySymbol"`
	WorstBySymbol   []StrategyRanking `json:"worstBySymbol"`
	Recommendations []string          `json:"recommendations"`
	AvgCycleTimeMs  float64           `json:"avgCycleTimeMs"`
	PeakRSSBytes    uint64            `json:"peakRssBytes"`
	AvgCPU          float64           `json:"avgCpu"`
	GeneratedAt     time.Time         `json:"generatedAt"`

	// Robustness is an advisory Monte Carlo resample score over the
	// batch's trade PnL sequence (0-1, higher is more robust); nil until
	// a train_hist batch has run enough trades to compute it.
	Robustness *RobustnessReport `json:"robustness,omitempty"`
	// Regime is the informational HMM-derived market regime tag for the
	// most recently synchronized timeline; never consulted by any
	// invariant, display-only.
	Regime string `json:"regime,omitempty"`
}

// RobustnessReport is the advisory post-hoc Monte Carlo validation result
// attached to a SummaryReport after a train_hist batch.
type RobustnessReport struct {
	Score              float64         `json:"score"`
	RuinProbability    float64         `json:"ruinProbability"`
	MedianFinalBalance decimal.Decimal `json:"medianFinalBalance"`
	Runs               int             `json:"runs"`
}
