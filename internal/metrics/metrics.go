// Package metrics implements C10 MetricsAggregator: folds a stream of
// CycleResult into totals, rankings, and threshold-driven health
// recommendations, and exports the same totals as Prometheus gauges/
// counters. The recommendation pattern is grounded on
// internal/data/quality.go's generateRecommendations.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

// Thresholds names the trigger points of spec §4.9's health recommendations.
type Thresholds struct {
	MinSuccessRate   float64
	MaxAvgCycleTimeS float64
	MinWinRate       float64
	MaxPeakRSSBytes  uint64
	MaxAvgCPU        float64
}

// DefaultThresholds returns the spec-named defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate:   0.80,
		MaxAvgCycleTimeS: 5.0,
		MinWinRate:       0.50,
		MaxPeakRSSBytes:  1 << 30,
		MaxAvgCPU:        0.80,
	}
}

type strategyTotals struct {
	pnl     decimal.Decimal
	wins    int
	cycles  int
	trades  int
}

type symbolStrategyKey struct {
	symbol     string
	strategyID string
}

// Aggregator is the C10 implementation. Ingest is safe for concurrent use.
type Aggregator struct {
	logger     *zap.Logger
	thresholds Thresholds

	mu              sync.Mutex
	cycles          int
	success         int
	fail            int
	pnl             decimal.Decimal
	trades          int
	winningCycles   int
	totalCycleTimeMs int64
	peakRSSBytes    uint64
	cpuSamples      []float64
	perStrategy     map[string]*strategyTotals
	perSymbol       map[symbolStrategyKey]*strategyTotals

	tradeReturns []float64 // realized PnL amounts from RecordTradePnL, feeds the Monte Carlo robustness check
	regimeTag    string

	cyclesTotalMetric   prometheus.Counter
	cyclesSuccessMetric prometheus.Counter
	cyclesFailMetric    prometheus.Counter
	pnlMetric           prometheus.Gauge
	tradesMetric        prometheus.Counter
	winRateMetric       prometheus.Gauge
}

// New constructs an Aggregator and registers its metrics against reg. Pass
// a dedicated *prometheus.Registry (not the global DefaultRegisterer) so
// tests can construct multiple independent Aggregators.
func New(logger *zap.Logger, reg prometheus.Registerer, thresholds Thresholds) *Aggregator {
	a := &Aggregator{
		logger:      logger.Named("metrics-aggregator"),
		thresholds:  thresholds,
		perStrategy: make(map[string]*strategyTotals),
		perSymbol:   make(map[symbolStrategyKey]*strategyTotals),
		pnl:         decimal.Zero,

		cyclesTotalMetric:   prometheus.NewCounter(prometheus.CounterOpts{Name: "perpsync_cycles_total", Help: "Total evaluated cycles."}),
		cyclesSuccessMetric: prometheus.NewCounter(prometheus.CounterOpts{Name: "perpsync_cycles_success_total", Help: "Cycles that evaluated without error."}),
		cyclesFailMetric:    prometheus.NewCounter(prometheus.CounterOpts{Name: "perpsync_cycles_fail_total", Help: "Cycles that errored or panicked."}),
		pnlMetric:           prometheus.NewGauge(prometheus.GaugeOpts{Name: "perpsync_pnl_total", Help: "Cumulative realized PnL across ingested cycles."}),
		tradesMetric:        prometheus.NewCounter(prometheus.CounterOpts{Name: "perpsync_trades_total", Help: "Total trades across ingested cycles."}),
		winRateMetric:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "perpsync_win_rate", Help: "Fraction of ingested cycles with a win rate of at least 0.5."}),
	}
	if reg != nil {
		reg.MustRegister(a.cyclesTotalMetric, a.cyclesSuccessMetric, a.cyclesFailMetric, a.pnlMetric, a.tradesMetric, a.winRateMetric)
	}
	return a
}

// Ingest folds one CycleResult into the running totals.
func (a *Aggregator) Ingest(r types.CycleResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cycles++
	a.cyclesTotalMetric.Inc()
	if r.Status == types.CycleResultSuccess {
		a.success++
		a.cyclesSuccessMetric.Inc()
	} else {
		a.fail++
		a.cyclesFailMetric.Inc()
		return
	}

	a.pnl = a.pnl.Add(r.PnL)
	a.pnlMetric.Set(a.pnl.InexactFloat64())
	a.trades += r.TradesCount
	a.tradesMetric.Add(float64(r.TradesCount))
	a.totalCycleTimeMs += r.ExecutionTimeMs
	if r.WinRate >= 0.5 {
		a.winningCycles++
	}
	if a.cycles > 0 {
		a.winRateMetric.Set(float64(a.winningCycles) / float64(a.cycles))
	}

	st, ok := a.perStrategy[r.StrategyID]
	if !ok {
		st = &strategyTotals{}
		a.perStrategy[r.StrategyID] = st
	}
	st.pnl = st.pnl.Add(r.PnL)
	st.cycles++
	st.trades += r.TradesCount
	if r.WinRate >= 0.5 {
		st.wins++
	}

	key := symbolStrategyKey{symbol: r.Symbol, strategyID: r.StrategyID}
	sy, ok := a.perSymbol[key]
	if !ok {
		sy = &strategyTotals{}
		a.perSymbol[key] = sy
	}
	sy.pnl = sy.pnl.Add(r.PnL)
	sy.cycles++
	sy.trades += r.TradesCount
	if r.WinRate >= 0.5 {
		sy.wins++
	}
}

// RecordResourceSample folds one CPU/RSS sample taken during execution,
// mirroring C6's background sampler.
func (a *Aggregator) RecordResourceSample(cpuFraction float64, rssBytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cpuSamples = append(a.cpuSamples, cpuFraction)
	if rssBytes > a.peakRSSBytes {
		a.peakRSSBytes = rssBytes
	}
}

// TopStrategies returns the top-k strategies by cumulative PnL.
func (a *Aggregator) TopStrategies(k int) []types.StrategyRanking {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.StrategyRanking, 0, len(a.perStrategy))
	for id, st := range a.perStrategy {
		out = append(out, rankingFrom(id, "", st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PnL.GreaterThan(out[j].PnL) })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// BestWorstBySymbol returns, for every symbol seen, its best- and
// worst-performing strategy by cumulative PnL.
func (a *Aggregator) BestWorstBySymbol() (best, worst []types.StrategyRanking) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bestBySymbol := make(map[string]types.StrategyRanking)
	worstBySymbol := make(map[string]types.StrategyRanking)
	seen := make(map[string]bool)
	for key, st := range a.perSymbol {
		r := rankingFrom(key.strategyID, key.symbol, st)
		if !seen[key.symbol] {
			seen[key.symbol] = true
			bestBySymbol[key.symbol] = r
			worstBySymbol[key.symbol] = r
			continue
		}
		if r.PnL.GreaterThan(bestBySymbol[key.symbol].PnL) {
			bestBySymbol[key.symbol] = r
		}
		if r.PnL.LessThan(worstBySymbol[key.symbol].PnL) {
			worstBySymbol[key.symbol] = r
		}
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		best = append(best, bestBySymbol[s])
		worst = append(worst, worstBySymbol[s])
	}
	return best, worst
}

func rankingFrom(strategyID, symbol string, st *strategyTotals) types.StrategyRanking {
	winRate := 0.0
	if st.cycles > 0 {
		winRate = float64(st.wins) / float64(st.cycles)
	}
	return types.StrategyRanking{StrategyID: strategyID, Symbol: symbol, PnL: st.pnl, WinRate: winRate, Cycles: st.cycles}
}

// Summary produces the plain SummaryReport snapshot, including health
// recommendations derived from thresholds.
func (a *Aggregator) Summary(topK int) types.SummaryReport {
	a.mu.Lock()
	winRate := 0.0
	if a.cycles > 0 {
		winRate = float64(a.winningCycles) / float64(a.cycles)
	}
	avgCycleMs := 0.0
	if a.cycles > 0 {
		avgCycleMs = float64(a.totalCycleTimeMs) / float64(a.cycles)
	}
	avgCPU := 0.0
	if len(a.cpuSamples) > 0 {
		sum := 0.0
		for _, s := range a.cpuSamples {
			sum += s
		}
		avgCPU = sum / float64(len(a.cpuSamples))
	}
	report := types.SummaryReport{
		Cycles:         a.cycles,
		Success:        a.success,
		Fail:           a.fail,
		PnL:            a.pnl,
		Trades:         a.trades,
		WinRate:        winRate,
		AvgCycleTimeMs: avgCycleMs,
		PeakRSSBytes:   a.peakRSSBytes,
		AvgCPU:         avgCPU,
		GeneratedAt:    time.Now(),
	}
	a.mu.Unlock()

	report.TopStrategies = a.TopStrategies(topK)
	report.BestBySymbol, report.WorstBySymbol = a.BestWorstBySymbol()
	report.Recommendations = a.recommend(report)
	report.Robustness = a.robustness()
	report.Regime = a.RegimeTag()
	return report
}

// RecordTradePnL folds one realized PnL amount into the robustness
// validator's resample population. Live trading records one per
// TradeRecord close; train_hist records one per CycleResult, carrying that
// cycle's summed PnL.
func (a *Aggregator) RecordTradePnL(pnl decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tradeReturns = append(a.tradeReturns, pnl.InexactFloat64())
}

// SetRegimeTag records the latest informational HMM-derived regime label.
// Display-only: no invariant in this package consults it.
func (a *Aggregator) SetRegimeTag(tag string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regimeTag = tag
}

// RegimeTag returns the most recently recorded regime label.
func (a *Aggregator) RegimeTag() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regimeTag
}

func (a *Aggregator) recommend(r types.SummaryReport) []string {
	recs := make([]string, 0)
	if r.Cycles > 0 {
		successRate := float64(r.Success) / float64(r.Cycles)
		if successRate < a.thresholds.MinSuccessRate {
			recs = append(recs, "Cycle success rate is below the health threshold - investigate evaluator errors or timeouts")
		}
	}
	if r.AvgCycleTimeMs/1000.0 > a.thresholds.MaxAvgCycleTimeS {
		recs = append(recs, "Average cycle time exceeds the health threshold - consider reducing max_workers contention or evaluator cost")
	}
	if r.Cycles > 0 && r.WinRate < a.thresholds.MinWinRate {
		recs = append(recs, "Win rate is below 50% - review strategy parameters or disable the offending strategy_id")
	}
	if r.PnL.IsNegative() {
		recs = append(recs, "Total PnL is negative across ingested cycles - treat as a signal to pause trading and review risk settings")
	}
	if r.PeakRSSBytes > a.thresholds.MaxPeakRSSBytes {
		recs = append(recs, "Peak memory usage exceeded 1GB - consider lowering max_workers or the evaluated window size")
	}
	if r.AvgCPU > a.thresholds.MaxAvgCPU {
		recs = append(recs, "Average CPU usage exceeded the health threshold - consider lowering max_workers")
	}
	if len(recs) == 0 {
		recs = append(recs, "All metrics within healthy thresholds")
	}
	return recs
}
