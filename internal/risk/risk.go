// Package risk implements C7 RiskManager: position sizing, stop-loss/
// take-profit derivation, and the daily loss/drawdown limits that gate
// every entry. The locking and violation-tracking shape is adapted from
// internal/execution/risk_manager.go; the sizing formula itself follows
// the eleven-step algorithm pinned exactly (no Kelly, no correlation
// groups in the mandated path — those live in KellyOverlay as advisory-only).
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

var (
	half          = decimal.NewFromFloat(0.5)
	one           = decimal.NewFromInt(1)
	two           = decimal.NewFromInt(2)
	defaultActivationPct = decimal.NewFromFloat(0.01)
	defaultTrailPct      = decimal.NewFromFloat(0.005)
)

// Config mirrors internal/config.RiskConfig plus the futures/leverage
// switch that influences step 10 of the sizing algorithm.
type Config struct {
	MaxRiskPerTrade float64
	MaxDailyLossPct float64
	MaxDrawdownPct  float64
	MaxLeverage     int
	LiveFutures     bool
}

// Manager is the C7 implementation.
type Manager struct {
	logger *zap.Logger
	cfg    Config

	mu         sync.RWMutex
	violations []Violation
}

// Violation records a single rejected sizing attempt for observability.
type Violation struct {
	Rule      string
	Message   string
	Timestamp time.Time
}

// New constructs a Manager.
func New(logger *zap.Logger, cfg Config) *Manager {
	return &Manager{logger: logger.Named("risk-manager"), cfg: cfg}
}

// sizeDecimals is the number of decimal places step 8 truncates size_qty to.
const sizeDecimals = 4

// CalculatePositionSize implements spec §4.6's eleven-step algorithm
// exactly. dailyPnL is C9's ExecutionGuards.daily_loss, passed in rather
// than owned here, per spec's ownership note.
func (m *Manager) CalculatePositionSize(currentPrice, atr, balance, stopLossPct, confidence, dailyPnL decimal.Decimal) types.RiskDecision {
	// Step 1: reject on non-positive inputs or daily-limit breach.
	if currentPrice.LessThanOrEqual(decimal.Zero) ||
		atr.LessThanOrEqual(decimal.Zero) ||
		balance.LessThanOrEqual(decimal.Zero) ||
		stopLossPct.LessThanOrEqual(decimal.Zero) ||
		confidence.LessThanOrEqual(decimal.Zero) {
		return m.reject("invalid_input", "non-positive sizing input")
	}
	if !m.checkDailyLimits(balance, dailyPnL) {
		return m.reject("daily_limit", "daily loss or drawdown limit breached")
	}

	// Step 2-3: base and confidence-adjusted risk.
	baseRisk := balance.Mul(decimal.NewFromFloat(m.cfg.MaxRiskPerTrade))
	adjustedRisk := baseRisk.Mul(confidence)

	// Step 4: risk per share.
	riskPerShare := currentPrice.Mul(stopLossPct)
	if riskPerShare.LessThanOrEqual(decimal.Zero) {
		return m.reject("zero_risk_per_share", "stop distance collapses to zero")
	}

	// Step 5: raw size.
	size0 := adjustedRisk.Div(riskPerShare)

	// Step 6: volatility throttle, vol_factor = min(1, 0.5/(atr/price)).
	volRatio := atr.Div(currentPrice)
	volFactor := one
	if !volRatio.IsZero() {
		candidate := half.Div(volRatio)
		if candidate.LessThan(one) {
			volFactor = candidate
		}
	}
	size1 := size0.Mul(volFactor)

	// Step 7: exposure cap, size2 = min(size1, 0.5*balance/price).
	exposureCap := half.Mul(balance).Div(currentPrice)
	size2 := size1
	if size2.GreaterThan(exposureCap) {
		size2 = exposureCap
	}

	// Step 8: floor-round to 4 decimals; reject if zero.
	sizeQty := size2.Truncate(sizeDecimals)
	if sizeQty.LessThanOrEqual(decimal.Zero) {
		return m.reject("size_rounds_to_zero", "position size rounds to zero")
	}

	// Step 9: SL/TP at 1:2 risk:reward.
	stopLoss := currentPrice.Mul(one.Sub(stopLossPct))
	takeProfit := currentPrice.Mul(one.Add(two.Mul(stopLossPct)))

	// Step 10: leverage.
	leverage := 1
	if m.cfg.LiveFutures {
		leverage = m.cfg.MaxLeverage
		if leverage > 3 {
			leverage = 3
		}
		if leverage < 1 {
			leverage = 1
		}
	}

	return types.RiskDecision{
		SizeQty:    sizeQty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Leverage:   leverage,
		RiskAmount: adjustedRisk,
		RiskPct:    decimal.NewFromFloat(m.cfg.MaxRiskPerTrade),
		Trailing:   &types.TrailingConfig{ActivationPct: defaultActivationPct, TrailPct: defaultTrailPct},
	}
}

// checkDailyLimits implements spec §4.6's daily-limit check: reject if
// daily_pnl < -balance*max_daily_loss_pct or < -balance*max_drawdown_pct.
func (m *Manager) checkDailyLimits(balance, dailyPnL decimal.Decimal) bool {
	lossLimit := balance.Mul(decimal.NewFromFloat(m.cfg.MaxDailyLossPct)).Neg()
	drawdownLimit := balance.Mul(decimal.NewFromFloat(m.cfg.MaxDrawdownPct)).Neg()
	if dailyPnL.LessThan(lossLimit) {
		return false
	}
	if dailyPnL.LessThan(drawdownLimit) {
		return false
	}
	return true
}

func (m *Manager) reject(rule, message string) types.RiskDecision {
	m.mu.Lock()
	m.violations = append(m.violations, Violation{Rule: rule, Message: message, Timestamp: time.Now()})
	m.mu.Unlock()
	m.logger.Debug("risk: sizing rejected", zap.String("rule", rule), zap.String("message", message))
	return types.RiskDecision{Reason: rule}
}

// Violations returns the most recent n violations (all, if n<=0).
func (m *Manager) Violations(n int) []Violation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.violations) {
		n = len(m.violations)
	}
	start := len(m.violations) - n
	if start < 0 {
		start = 0
	}
	out := make([]Violation, n)
	copy(out, m.violations[start:])
	return out
}

