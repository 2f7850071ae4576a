// Package montecarlo resamples a batch's closed-trade return sequence to
// estimate how much of its Sharpe ratio and drawdown profile is luck versus
// a repeatable edge, feeding the advisory RobustnessReport that
// internal/metrics attaches to a SummaryReport after a train_hist run.
package montecarlo

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Simulator resamples a TradeSequence via block bootstrap to build a
// distribution of outcomes around one observed run.
type Simulator struct {
	logger *zap.Logger
	config *SimulatorConfig
	mu     sync.Mutex
}

// SimulatorConfig tunes the resampling.
type SimulatorConfig struct {
	NumSimulations   int   // Monte Carlo runs
	Seed             int64 // random seed (0 for time-based)
	ParallelWorkers  int
	AllowReplacement bool // bootstrap with replacement vs. shuffle
}

// DefaultSimulatorConfig matches the 1000-run, 8-worker defaults SPEC_FULL
// §1.3's robustness validation runs against a closed-trade batch.
func DefaultSimulatorConfig() *SimulatorConfig {
	return &SimulatorConfig{
		NumSimulations:   1000,
		Seed:             0,
		ParallelWorkers:  8,
		AllowReplacement: true,
	}
}

// NewSimulator constructs a Simulator; config nil selects the default.
func NewSimulator(logger *zap.Logger, config *SimulatorConfig) *Simulator {
	if config == nil {
		config = DefaultSimulatorConfig()
	}
	return &Simulator{logger: logger, config: config}
}

// TradeSequence is the per-trade fractional-return history a batch produced.
// internal/metrics.Aggregator builds one by dividing each recorded PnL amount
// by the 10,000 starting capital it replays against.
type TradeSequence struct {
	Returns []float64
}

// RobustnessResult is the Monte Carlo summary of one resampled TradeSequence.
type RobustnessResult struct {
	NumSimulations  int
	FinalEquity     *Distribution
	RobustnessScore float64
	RuinProbability float64
}

// Distribution is a statistical distribution over resampled outcomes.
type Distribution struct {
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
}

// equityCurveStats is the per-resample statistics used to score robustness;
// unexported because only their aggregate distributions leave this package.
type equityCurveStats struct {
	finalEquity decimal.Decimal
	maxDrawdown float64
	totalReturn float64
	sharpeRatio float64
	winRate     float64
}

// RunSimulation resamples trades.Returns NumSimulations times and scores the
// resulting distribution against the observed run.
func (s *Simulator) RunSimulation(trades *TradeSequence, initialCapital decimal.Decimal) *RobustnessResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("starting Monte Carlo simulation",
		zap.Int("num_simulations", s.config.NumSimulations),
		zap.Int("num_trades", len(trades.Returns)),
	)

	runs := s.runParallelSimulations(trades, initialCapital)

	result := &RobustnessResult{NumSimulations: s.config.NumSimulations}
	result.FinalEquity = distributionOf(finalEquities(runs))

	winRate := distributionOf(extract(runs, func(r *equityCurveStats) float64 { return r.winRate }))
	sharpe := distributionOf(extract(runs, func(r *equityCurveStats) float64 { return r.sharpeRatio }))
	maxDD := distributionOf(extract(runs, func(r *equityCurveStats) float64 { return r.maxDrawdown }))

	initialFloat, _ := initialCapital.Float64()
	result.RuinProbability = ruinProbability(runs, initialFloat*0.5)
	targetProbability := targetProbability(runs, initialFloat*2.0)

	result.RobustnessScore = robustnessScore(winRate, sharpe, maxDD, result.RuinProbability, targetProbability)

	s.logger.Info("Monte Carlo simulation complete",
		zap.Float64("robustness_score", result.RobustnessScore),
		zap.Float64("ruin_probability", result.RuinProbability),
	)

	return result
}

func (s *Simulator) runParallelSimulations(trades *TradeSequence, initialCapital decimal.Decimal) []*equityCurveStats {
	results := make([]*equityCurveStats, s.config.NumSimulations)

	numWorkers := s.config.ParallelWorkers
	jobs := make(chan int, s.config.NumSimulations)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for simIdx := range jobs {
				shuffled := s.resample(trades, rng)
				results[simIdx] = calculateEquityStats(shuffled, initialCapital)
			}
		}(w)
	}

	for i := 0; i < s.config.NumSimulations; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// resample bootstraps (or shuffles, without replacement) one candidate
// ordering of trades.Returns.
func (s *Simulator) resample(trades *TradeSequence, rng *rand.Rand) []float64 {
	n := len(trades.Returns)
	if n == 0 {
		return nil
	}

	result := make([]float64, n)
	if s.config.AllowReplacement {
		for i := 0; i < n; i++ {
			result[i] = trades.Returns[rng.Intn(n)]
		}
	} else {
		perm := rng.Perm(n)
		for i, idx := range perm {
			result[i] = trades.Returns[idx]
		}
	}
	return result
}

// calculateEquityStats replays returns against initialCapital and derives
// the statistics one resample contributes to the robustness score.
func calculateEquityStats(returns []float64, initialCapital decimal.Decimal) *equityCurveStats {
	if len(returns) == 0 {
		return &equityCurveStats{finalEquity: initialCapital}
	}

	initialFloat, _ := initialCapital.Float64()
	equity := initialFloat
	peak := initialFloat
	maxDD := 0.0
	wins := 0

	for _, ret := range returns {
		equity *= 1 + ret
		if ret > 0 {
			wins++
		}
		if equity > peak {
			peak = equity
		} else if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}

	meanRet := 0.0
	for _, r := range returns {
		meanRet += r
	}
	meanRet /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - meanRet
		variance += diff * diff
	}
	variance /= float64(len(returns))
	stdDev := math.Sqrt(variance)

	stats := &equityCurveStats{
		finalEquity: decimal.NewFromFloat(equity),
		maxDrawdown: maxDD,
		totalReturn: (equity - initialFloat) / initialFloat,
		winRate:     float64(wins) / float64(len(returns)),
	}
	if stdDev > 0 {
		stats.sharpeRatio = (meanRet / stdDev) * math.Sqrt(252)
	}
	return stats
}

func extract(runs []*equityCurveStats, field func(*equityCurveStats) float64) []float64 {
	values := make([]float64, len(runs))
	for i, run := range runs {
		values[i] = field(run)
	}
	return values
}

func finalEquities(runs []*equityCurveStats) []float64 {
	values := make([]float64, len(runs))
	for i, run := range runs {
		values[i], _ = run.finalEquity.Float64()
	}
	return values
}

func distributionOf(values []float64) *Distribution {
	if len(values) == 0 {
		return &Distribution{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= n

	return &Distribution{
		Mean:   mean,
		Median: sorted[len(sorted)/2],
		StdDev: math.Sqrt(variance),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

func ruinProbability(runs []*equityCurveStats, ruinLevel float64) float64 {
	count := 0
	for _, run := range runs {
		finalFloat, _ := run.finalEquity.Float64()
		if finalFloat < ruinLevel {
			count++
		}
	}
	return float64(count) / float64(len(runs))
}

func targetProbability(runs []*equityCurveStats, target float64) float64 {
	count := 0
	for _, run := range runs {
		finalFloat, _ := run.finalEquity.Float64()
		if finalFloat >= target {
			count++
		}
	}
	return float64(count) / float64(len(runs))
}

// robustnessScore blends win-rate consistency, median Sharpe, ruin
// probability, target-reach probability, and drawdown control into one
// [0,1]-ish score. Weighting mirrors the factors a robustness read should
// weigh most: avoiding ruin counts for as much as the Sharpe level itself.
func robustnessScore(winRate, sharpe, maxDrawdown *Distribution, ruinProbability, targetProbability float64) float64 {
	score := 0.0

	if winRate.StdDev > 0 && winRate.Mean > 0 {
		consistency := 1 - math.Min(winRate.StdDev/winRate.Mean, 1)
		score += consistency * 0.2
	}

	score += math.Min(sharpe.Median/2.0, 1) * 0.25
	score += (1 - ruinProbability) * 0.25
	score += targetProbability * 0.15
	score += math.Max(0, 1-maxDrawdown.Median*2) * 0.15

	return score
}
