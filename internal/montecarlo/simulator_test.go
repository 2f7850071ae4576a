package montecarlo

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestRunSimulationScoresConsistentWinnersHigherThanCoinFlips(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.NumSimulations = 200
	cfg.ParallelWorkers = 4

	sim := NewSimulator(zap.NewNop(), cfg)
	initialCapital := decimal.NewFromInt(10000)

	steady := make([]float64, 60)
	for i := range steady {
		steady[i] = 0.01
	}
	steadyResult := sim.RunSimulation(&TradeSequence{Returns: steady}, initialCapital)

	choppy := make([]float64, 60)
	for i := range choppy {
		if i%2 == 0 {
			choppy[i] = 0.05
		} else {
			choppy[i] = -0.048
		}
	}
	choppyResult := sim.RunSimulation(&TradeSequence{Returns: choppy}, initialCapital)

	if steadyResult.RobustnessScore <= choppyResult.RobustnessScore {
		t.Fatalf("expected steady returns to score higher: steady=%f choppy=%f",
			steadyResult.RobustnessScore, choppyResult.RobustnessScore)
	}
	if steadyResult.RuinProbability > choppyResult.RuinProbability {
		t.Fatalf("expected steady returns to have lower ruin probability: steady=%f choppy=%f",
			steadyResult.RuinProbability, choppyResult.RuinProbability)
	}
}

func TestRunSimulationHandlesEmptyReturns(t *testing.T) {
	sim := NewSimulator(zap.NewNop(), nil)
	result := sim.RunSimulation(&TradeSequence{}, decimal.NewFromInt(10000))

	if result.NumSimulations != DefaultSimulatorConfig().NumSimulations {
		t.Fatalf("expected default simulation count, got %d", result.NumSimulations)
	}
	if result.FinalEquity.Mean != 10000 {
		t.Fatalf("expected flat final equity with no trades, got %f", result.FinalEquity.Mean)
	}
}
