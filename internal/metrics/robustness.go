// Advisory post-hoc validation of a train_hist batch's trade sequence,
// adapted from internal/montecarlo/simulator.go's resampling approach and
// internal/backtester/viability.go's minimum-trade-count gate. Runs after
// a batch completes and never blocks or rejects a CycleResult — purely an
// extension of the SummaryReport C10 already produces.
package metrics

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/perpsync/internal/montecarlo"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

// minTradesForRobustness mirrors viability.go's statistical-significance
// floor: fewer trades than this and a resample is too noisy to report.
const minTradesForRobustness = 30

func (a *Aggregator) robustness() *types.RobustnessReport {
	a.mu.Lock()
	returns := append([]float64{}, a.tradeReturns...)
	a.mu.Unlock()

	if len(returns) < minTradesForRobustness {
		return nil
	}

	// The simulator compounds fractional returns, so each recorded PnL amount
	// is expressed as a fraction of the capital it is replayed against.
	const initialCapital = 10000.0
	for i := range returns {
		returns[i] /= initialCapital
	}

	sim := montecarlo.NewSimulator(a.logger, montecarlo.DefaultSimulatorConfig())
	seq := &montecarlo.TradeSequence{Returns: returns}
	result := sim.RunSimulation(seq, decimal.NewFromFloat(initialCapital))

	return &types.RobustnessReport{
		Score:              result.RobustnessScore,
		RuinProbability:    result.RuinProbability,
		MedianFinalBalance: decimal.NewFromFloat(result.FinalEquity.Median),
		Runs:               result.NumSimulations,
	}
}
