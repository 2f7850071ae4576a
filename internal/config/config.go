// Package config loads the frozen configuration object the core consumes
// at startup (spec §6). Loading is the only place viper is used; everything
// downstream receives a plain validated struct.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

// HistoricalConfig controls HistoricalDataManager coverage targets.
type HistoricalConfig struct {
	Years           int               `mapstructure:"years"`
	MinCoverageDays int               `mapstructure:"min_coverage_days"`
	AutoDownload    bool              `mapstructure:"auto_download"`
	Timeframes      []types.Timeframe `mapstructure:"timeframes"`
}

// TradingConfig controls ExecutionEngine/OrderManager trading behavior.
type TradingConfig struct {
	Mode               types.TradingMode `mapstructure:"mode"`
	Futures            bool              `mapstructure:"futures"`
	CommissionRate     decimal.Decimal   `mapstructure:"commission_rate"`
	InitialBalance     decimal.Decimal   `mapstructure:"initial_balance"`
	MinConfidence      float64           `mapstructure:"min_confidence"`
	MaxTradesPerBar    int               `mapstructure:"max_trades_per_bar"`
	CircuitBreakerLoss float64           `mapstructure:"circuit_breaker_loss"`
	StopLossPct        float64           `mapstructure:"stop_loss_pct"`
}

// RiskConfig controls RiskManager sizing limits.
type RiskConfig struct {
	MaxRiskPerTrade  float64 `mapstructure:"max_risk_per_trade"`
	MaxDailyLossPct  float64 `mapstructure:"max_daily_loss_pct"`
	MaxDrawdownPct   float64 `mapstructure:"max_drawdown_pct"`
	MaxLeverage      int     `mapstructure:"max_leverage"`
}

// ExecutorConfig controls ParallelCycleExecutor scheduling.
type ExecutorConfig struct {
	MaxWorkers    int `mapstructure:"max_workers"`
	DelayMs       int `mapstructure:"delay_ms"`
	CycleTimeoutS int `mapstructure:"cycle_timeout_s"`
}

// Config is the complete recognized configuration set of spec §6. Unknown
// keys are rejected at load.
type Config struct {
	Symbols    []string          `mapstructure:"symbols"`
	Timeframes []types.Timeframe `mapstructure:"timeframes"`
	Historical HistoricalConfig  `mapstructure:"historical"`
	Trading    TradingConfig     `mapstructure:"trading"`
	Risk       RiskConfig        `mapstructure:"risk"`
	Executor   ExecutorConfig    `mapstructure:"executor"`

	Unrecognized map[string]interface{} `mapstructure:",remain"`
}

// Default returns the conservative defaults named throughout spec §4.
func Default() *Config {
	return &Config{
		Symbols:    []string{"BTCUSDT", "ETHUSDT"},
		Timeframes: []types.Timeframe{types.Timeframe1h, types.Timeframe1d},
		Historical: HistoricalConfig{
			Years:           2,
			MinCoverageDays: 730,
			AutoDownload:    true,
			Timeframes:      []types.Timeframe{types.Timeframe1h, types.Timeframe1d},
		},
		Trading: TradingConfig{
			Mode:               types.TradingModePaper,
			Futures:            true,
			CommissionRate:     decimal.NewFromFloat(0.0004),
			InitialBalance:     decimal.NewFromInt(10000),
			MinConfidence:      0.6,
			MaxTradesPerBar:    1,
			CircuitBreakerLoss: 0.05,
			StopLossPct:        0.02,
		},
		Risk: RiskConfig{
			MaxRiskPerTrade: 0.02,
			MaxDailyLossPct: 0.05,
			MaxDrawdownPct:  0.10,
			MaxLeverage:     3,
		},
		Executor: ExecutorConfig{
			MaxWorkers:    4,
			DelayMs:       100,
			CycleTimeoutS: 30,
		},
	}
}

// Load reads configuration from the given file path (YAML/JSON/TOML, any
// format viper supports by extension), overlays environment variables
// prefixed PERPSYNC_, merges over Default(), and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("symbols", def.Symbols)
	v.SetDefault("timeframes", def.Timeframes)
	v.SetDefault("historical.years", def.Historical.Years)
	v.SetDefault("historical.min_coverage_days", def.Historical.MinCoverageDays)
	v.SetDefault("historical.auto_download", def.Historical.AutoDownload)
	v.SetDefault("historical.timeframes", def.Historical.Timeframes)
	v.SetDefault("trading.mode", string(def.Trading.Mode))
	v.SetDefault("trading.futures", def.Trading.Futures)
	v.SetDefault("trading.commission_rate", def.Trading.CommissionRate.String())
	v.SetDefault("trading.initial_balance", def.Trading.InitialBalance.String())
	v.SetDefault("trading.min_confidence", def.Trading.MinConfidence)
	v.SetDefault("trading.max_trades_per_bar", def.Trading.MaxTradesPerBar)
	v.SetDefault("trading.circuit_breaker_loss", def.Trading.CircuitBreakerLoss)
	v.SetDefault("trading.stop_loss_pct", def.Trading.StopLossPct)
	v.SetDefault("risk.max_risk_per_trade", def.Risk.MaxRiskPerTrade)
	v.SetDefault("risk.max_daily_loss_pct", def.Risk.MaxDailyLossPct)
	v.SetDefault("risk.max_drawdown_pct", def.Risk.MaxDrawdownPct)
	v.SetDefault("risk.max_leverage", def.Risk.MaxLeverage)
	v.SetDefault("executor.max_workers", def.Executor.MaxWorkers)
	v.SetDefault("executor.delay_ms", def.Executor.DelayMs)
	v.SetDefault("executor.cycle_timeout_s", def.Executor.CycleTimeoutS)

	v.SetEnvPrefix("PERPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if len(cfg.Unrecognized) > 0 {
		keys := make([]string, 0, len(cfg.Unrecognized))
		for k := range cfg.Unrecognized {
			keys = append(keys, k)
		}
		return nil, fmt.Errorf("config: unrecognized keys: %s", strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks semantic constraints beyond structural decoding.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: symbols must not be empty")
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("config: timeframes must not be empty")
	}
	for _, tf := range c.Timeframes {
		if types.TimeframeInterval(tf) == 0 {
			return fmt.Errorf("config: unknown timeframe %q", tf)
		}
	}
	if c.Trading.Mode != types.TradingModePaper && c.Trading.Mode != types.TradingModeLive {
		return fmt.Errorf("config: trading.mode must be paper or live, got %q", c.Trading.Mode)
	}
	if c.Trading.MaxTradesPerBar <= 0 {
		return fmt.Errorf("config: trading.max_trades_per_bar must be positive")
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade >= 1 {
		return fmt.Errorf("config: risk.max_risk_per_trade must be in (0,1)")
	}
	if c.Executor.MaxWorkers <= 0 {
		return fmt.Errorf("config: executor.max_workers must be positive")
	}
	if c.Executor.CycleTimeoutS <= 0 {
		return fmt.Errorf("config: executor.cycle_timeout_s must be positive")
	}
	return nil
}
