// Package regime classifies the market a synchronized symbol is currently
// trading in from its recent bar-to-bar returns, via a lightweight HMM blended
// with rule-based thresholds. internal/control feeds it one return per closed
// bar and reads back a RegimeType to tag SummaryReport.Regime — advisory and
// display-only, never consulted by engine or risk invariants.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RegimeType is one of the market regimes this detector recognizes.
type RegimeType string

const (
	RegimeBull          RegimeType = "bull"           // Uptrend
	RegimeBear          RegimeType = "bear"           // Downtrend
	RegimeHighVol       RegimeType = "high_vol"       // High volatility
	RegimeLowVol        RegimeType = "low_vol"        // Low volatility
	RegimeMeanReverting RegimeType = "mean_reverting" // Range-bound
	RegimeUnknown       RegimeType = "unknown"
)

// RegimeState is the detector's current read of the market.
type RegimeState struct {
	Primary       RegimeType
	Secondary     RegimeType // optional secondary regime
	Confidence    float64    // 0-1
	Duration      time.Duration
	StartedAt     time.Time
	Volatility    float64 // current annualized vol
	Trend         float64 // trend strength (-1 to 1)
	MeanReversion float64 // autocorrelation coefficient
	Probabilities map[RegimeType]float64
}

// RegimeDetector folds a per-symbol return stream into an HMM-blended
// regime classification.
type RegimeDetector struct {
	logger *zap.Logger
	config *RegimeConfig

	mu           sync.RWMutex
	currentState *RegimeState
	stateHistory []*RegimeState

	// HMM parameters (learned from data)
	transitionMatrix [][]float64 // state transition probabilities
	emissionMeans    []float64   // emission means per state
	emissionVars     []float64   // emission variances per state

	returns    []float64
	volatility []float64
	windowSize int
}

// RegimeConfig tunes the detector's lookback windows and classification
// thresholds.
type RegimeConfig struct {
	WindowSize       int     // lookback window for regime detection
	VolatilityWindow int     // window for volatility calculation
	NumStates        int     // number of HMM states
	VolThreshold     float64 // threshold for high/low vol classification
	TrendThreshold   float64 // threshold for trending classification
	MRThreshold      float64 // mean reversion threshold
}

// DefaultRegimeConfig returns sensible defaults.
func DefaultRegimeConfig() *RegimeConfig {
	return &RegimeConfig{
		WindowSize:       100,
		VolatilityWindow: 20,
		NumStates:        4, // Bull, Bear, HighVol, LowVol
		VolThreshold:     0.25,
		TrendThreshold:   0.3,
		MRThreshold:      -0.1,
	}
}

// NewRegimeDetector constructs a RegimeDetector; config nil selects the
// default.
func NewRegimeDetector(logger *zap.Logger, config *RegimeConfig) *RegimeDetector {
	if config == nil {
		config = DefaultRegimeConfig()
	}

	rd := &RegimeDetector{
		logger:       logger,
		config:       config,
		stateHistory: make([]*RegimeState, 0, 1000),
		returns:      make([]float64, 0, config.WindowSize*2),
		volatility:   make([]float64, 0, config.WindowSize*2),
		windowSize:   config.WindowSize,
	}

	rd.initializeHMM()
	return rd
}

// initializeHMM sets up initial HMM parameters.
func (rd *RegimeDetector) initializeHMM() {
	n := rd.config.NumStates

	rd.transitionMatrix = make([][]float64, n)
	for i := 0; i < n; i++ {
		rd.transitionMatrix[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				rd.transitionMatrix[i][j] = 0.9 // high self-transition
			} else {
				rd.transitionMatrix[i][j] = 0.1 / float64(n-1)
			}
		}
	}

	rd.emissionMeans = []float64{0.001, -0.001, 0.0, 0.0} // Bull, Bear, HighVol, LowVol
	rd.emissionVars = []float64{0.0001, 0.0001, 0.0004, 0.00005}
}

// AddReturn folds one bar-to-bar fractional return into the detector and
// recomputes the current regime once enough history has accumulated.
func (rd *RegimeDetector) AddReturn(ret float64) {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	rd.returns = append(rd.returns, ret)

	if len(rd.returns) >= rd.config.VolatilityWindow {
		vol := rd.calculateVolatility(rd.returns[len(rd.returns)-rd.config.VolatilityWindow:])
		rd.volatility = append(rd.volatility, vol)
	}

	rd.trimBuffers()
	rd.updateRegime()
}

func (rd *RegimeDetector) trimBuffers() {
	maxSize := rd.windowSize * 2

	if len(rd.returns) > maxSize {
		rd.returns = rd.returns[len(rd.returns)-rd.windowSize:]
	}
	if len(rd.volatility) > maxSize {
		rd.volatility = rd.volatility[len(rd.volatility)-rd.windowSize:]
	}
}

// updateRegime recalculates the current regime from the trailing window.
func (rd *RegimeDetector) updateRegime() {
	if len(rd.returns) < rd.config.WindowSize {
		return
	}

	recentReturns := rd.returns[len(rd.returns)-rd.config.WindowSize:]

	trend := rd.calculateTrend(recentReturns)
	vol := rd.calculateVolatility(recentReturns) * math.Sqrt(252)
	mr := rd.calculateMeanReversion(recentReturns)
	probs := rd.calculateStateProbabilities(recentReturns)

	primary, confidence := rd.classifyRegime(trend, vol, mr, probs)
	secondary := rd.classifySecondary(trend, vol, mr, primary)

	newState := &RegimeState{
		Primary:       primary,
		Secondary:     secondary,
		Confidence:    confidence,
		Volatility:    vol,
		Trend:         trend,
		MeanReversion: mr,
		Probabilities: probs,
		StartedAt:     time.Now(),
	}

	if rd.currentState != nil && rd.currentState.Primary == primary {
		newState.StartedAt = rd.currentState.StartedAt
		newState.Duration = time.Since(rd.currentState.StartedAt)
	}

	rd.currentState = newState
	rd.stateHistory = append(rd.stateHistory, newState)

	if len(rd.stateHistory) > 1000 {
		rd.stateHistory = rd.stateHistory[500:]
	}
}

// calculateTrend normalizes the sum of returns by volatility into [-1, 1].
func (rd *RegimeDetector) calculateTrend(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}

	vol := rd.calculateVolatility(returns)
	if vol == 0 {
		return 0
	}

	trend := sum / (vol * math.Sqrt(float64(len(returns))))
	if trend > 1 {
		trend = 1
	} else if trend < -1 {
		trend = -1
	}
	return trend
}

// calculateVolatility is the sample standard deviation of returns.
func (rd *RegimeDetector) calculateVolatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}

// calculateMeanReversion is the lag-1 autocorrelation; negative means mean
// reverting.
func (rd *RegimeDetector) calculateMeanReversion(returns []float64) float64 {
	if len(returns) < 3 {
		return 0
	}

	n := len(returns)
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	autocovariance := 0.0
	variance := 0.0
	for i := 1; i < n; i++ {
		autocovariance += (returns[i] - mean) * (returns[i-1] - mean)
		variance += (returns[i] - mean) * (returns[i] - mean)
	}

	if variance == 0 {
		return 0
	}
	return autocovariance / variance
}

// calculateStateProbabilities runs a simplified HMM forward pass over
// returns and maps the resulting state distribution onto RegimeTypes.
func (rd *RegimeDetector) calculateStateProbabilities(returns []float64) map[RegimeType]float64 {
	if len(returns) == 0 {
		return make(map[RegimeType]float64)
	}

	n := rd.config.NumStates
	alpha := make([]float64, n)
	for i := 0; i < n; i++ {
		alpha[i] = 1.0 / float64(n)
	}

	for _, ret := range returns {
		newAlpha := make([]float64, n)
		for j := 0; j < n; j++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += alpha[i] * rd.transitionMatrix[i][j]
			}
			emission := rd.gaussianPDF(ret, rd.emissionMeans[j], rd.emissionVars[j])
			newAlpha[j] = sum * emission
		}

		total := 0.0
		for _, a := range newAlpha {
			total += a
		}
		if total > 0 {
			for j := 0; j < n; j++ {
				newAlpha[j] /= total
			}
		}
		alpha = newAlpha
	}

	regimeTypes := []RegimeType{RegimeBull, RegimeBear, RegimeHighVol, RegimeLowVol}
	probs := make(map[RegimeType]float64)
	for i, rt := range regimeTypes {
		if i < len(alpha) {
			probs[rt] = alpha[i]
		}
	}
	return probs
}

func (rd *RegimeDetector) gaussianPDF(x, mean, variance float64) float64 {
	if variance <= 0 {
		variance = 0.0001
	}

	diff := x - mean
	exponent := -0.5 * diff * diff / variance
	coefficient := 1.0 / math.Sqrt(2*math.Pi*variance)
	return coefficient * math.Exp(exponent)
}

// classifyRegime blends the HMM state probabilities with rule-based
// overrides for a strong vol, trend, or mean-reversion signal.
func (rd *RegimeDetector) classifyRegime(trend, vol, mr float64, probs map[RegimeType]float64) (RegimeType, float64) {
	maxProb := 0.0
	maxRegime := RegimeUnknown
	for regime, prob := range probs {
		if prob > maxProb {
			maxProb = prob
			maxRegime = regime
		}
	}

	if vol > rd.config.VolThreshold {
		if maxProb < 0.7 {
			maxRegime = RegimeHighVol
			maxProb = 0.5 + vol/2
		}
	} else if vol < rd.config.VolThreshold/2 {
		if maxProb < 0.7 {
			maxRegime = RegimeLowVol
			maxProb = 0.5 + (rd.config.VolThreshold-vol)/rd.config.VolThreshold
		}
	}

	if math.Abs(trend) > rd.config.TrendThreshold {
		if trend > 0 && maxRegime != RegimeHighVol {
			maxRegime = RegimeBull
			maxProb = 0.5 + trend/2
		} else if trend < 0 && maxRegime != RegimeHighVol {
			maxRegime = RegimeBear
			maxProb = 0.5 + math.Abs(trend)/2
		}
	}

	if mr < rd.config.MRThreshold && maxProb < 0.6 {
		maxRegime = RegimeMeanReverting
		maxProb = 0.5 + math.Abs(mr)
	}

	if maxProb > 1 {
		maxProb = 1
	}
	return maxRegime, maxProb
}

// classifySecondary names a complementary regime alongside primary, if one
// applies.
func (rd *RegimeDetector) classifySecondary(trend, vol, mr float64, primary RegimeType) RegimeType {
	switch primary {
	case RegimeBull, RegimeBear:
		if vol > rd.config.VolThreshold {
			return RegimeHighVol
		} else if vol < rd.config.VolThreshold/2 {
			return RegimeLowVol
		}
	case RegimeHighVol, RegimeLowVol:
		if trend > rd.config.TrendThreshold {
			return RegimeBull
		} else if trend < -rd.config.TrendThreshold {
			return RegimeBear
		} else if mr < rd.config.MRThreshold {
			return RegimeMeanReverting
		}
	case RegimeMeanReverting:
		if vol > rd.config.VolThreshold {
			return RegimeHighVol
		}
	}
	return RegimeUnknown
}

// GetCurrentRegime returns the detector's current regime read, or
// RegimeUnknown with zero confidence before enough history has accumulated.
func (rd *RegimeDetector) GetCurrentRegime() *RegimeState {
	rd.mu.RLock()
	defer rd.mu.RUnlock()

	if rd.currentState == nil {
		return &RegimeState{Primary: RegimeUnknown, Confidence: 0}
	}

	state := *rd.currentState
	state.Duration = time.Since(state.StartedAt)
	return &state
}
