package risk

import (
	"sync"

	"go.uber.org/zap"
)

// KellyOverlay computes an advisory fractional-Kelly position size
// alongside the mandated eleven-step decision, logged for comparison but
// never substituted into a RiskDecision. Adapted from
// internal/sizing/position_sizer.go's calculateKelly, trimmed of its
// regime/correlation/min-max bracketing since those apply to the
// mandated path instead.
type KellyOverlay struct {
	logger   *zap.Logger
	fraction float64 // quarter-Kelly by default

	mu      sync.Mutex
	history map[string][]tradeOutcome
}

type tradeOutcome struct {
	isWin     bool
	returnPct float64
}

// NewKellyOverlay constructs an overlay using the given Kelly fraction
// (0.25 = quarter Kelly, matching the teacher's conservative default).
func NewKellyOverlay(logger *zap.Logger, fraction float64) *KellyOverlay {
	if fraction <= 0 {
		fraction = 0.25
	}
	return &KellyOverlay{logger: logger.Named("kelly-overlay"), fraction: fraction, history: make(map[string][]tradeOutcome)}
}

// RecordTrade feeds a closed trade's outcome into the per-symbol rolling
// statistics used for the next advisory calculation.
func (k *KellyOverlay) RecordTrade(symbol string, isWin bool, returnPct float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.history[symbol] = append(k.history[symbol], tradeOutcome{isWin: isWin, returnPct: returnPct})
	if len(k.history[symbol]) > 200 {
		k.history[symbol] = k.history[symbol][len(k.history[symbol])-200:]
	}
}

// Advise returns the fractional-Kelly position percentage for a symbol
// given its recorded trade history, and logs it alongside the mandated
// size for comparison. It never gates or overrides a RiskDecision.
func (k *KellyOverlay) Advise(symbol string, mandatedSizePct float64) float64 {
	k.mu.Lock()
	trades := k.history[symbol]
	k.mu.Unlock()

	if len(trades) < 10 {
		return 0 // insufficient history to form an opinion
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, t := range trades {
		if t.isWin {
			wins++
			winSum += t.returnPct
		} else {
			losses++
			lossSum += -t.returnPct
		}
	}
	if wins == 0 || losses == 0 {
		return 0
	}
	winRate := float64(wins) / float64(len(trades))
	avgWin := winSum / float64(wins)
	avgLoss := lossSum / float64(losses)

	kelly := calculateKelly(winRate, avgWin, avgLoss)
	advised := kelly * k.fraction

	k.logger.Debug("kelly overlay advisory",
		zap.String("symbol", symbol),
		zap.Float64("kelly_full", kelly),
		zap.Float64("kelly_advised_pct", advised),
		zap.Float64("mandated_pct", mandatedSizePct))

	return advised
}

// calculateKelly implements f* = p - q/b, p=win rate, q=1-p, b=win/loss ratio.
func calculateKelly(winRate, avgWin, avgLoss float64) float64 {
	if winRate <= 0 || winRate >= 1 || avgLoss == 0 {
		return 0
	}
	p := winRate
	q := 1 - p
	b := avgWin / avgLoss
	if b <= 0 {
		return 0
	}
	kelly := p - q/b
	if kelly < 0 {
		return 0
	}
	if kelly > 1 {
		kelly = 1
	}
	return kelly
}
