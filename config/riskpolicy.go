package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RiskPolicy is the declarative document consumed by the riskengine
// package: numeric limits, advanced limits, the trading-hours window, and
// a per-rule enable map.
type RiskPolicy struct {
	Limits       NumericLimits   `yaml:"limits"`
	Advanced     AdvancedLimits  `yaml:"advanced"`
	TradingHours TradingHours    `yaml:"trading_hours"`
	EnabledRules map[string]bool `yaml:"enabled_rules"`

	// SectorDataAvailable and MinVolumeDataAvailable gate the R3/R6 stub
	// evaluators: absent a concrete data source they default to false and
	// the rule reports a skip instead of silently passing.
	SectorDataAvailable    bool `yaml:"sector_data_available"`
	MinVolumeDataAvailable bool `yaml:"min_volume_data_available"`
}

// NumericLimits holds the basic-rule (R1-R8) thresholds.
type NumericLimits struct {
	MaxNotional     decimal.Decimal
	MaxPositionPct  float64
	MaxSectorPct    float64
	MaxSlippageBps  float64
	MinDailyVolume  int64
	MaxDailyTrades  int
	MaxDailyLoss    decimal.Decimal
	AllowPreMarket  bool
	AllowAfterHours bool
}

// UnmarshalYAML decodes money limits through strings so the document can
// carry exact decimals; fields absent from the document keep whatever
// value the target already holds (the compiled-in defaults).
func (l *NumericLimits) UnmarshalYAML(node *yaml.Node) error {
	type rawLimits struct {
		MaxNotional     *string  `yaml:"max_notional"`
		MaxPositionPct  *float64 `yaml:"max_position_pct"`
		MaxSectorPct    *float64 `yaml:"max_sector_pct"`
		MaxSlippageBps  *float64 `yaml:"max_slippage_bps"`
		MinDailyVolume  *int64   `yaml:"min_daily_volume"`
		MaxDailyTrades  *int     `yaml:"max_daily_trades"`
		MaxDailyLoss    *string  `yaml:"max_daily_loss"`
		AllowPreMarket  *bool    `yaml:"allow_pre_market"`
		AllowAfterHours *bool    `yaml:"allow_after_hours"`
	}
	var raw rawLimits
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxNotional != nil {
		d, err := decimal.NewFromString(*raw.MaxNotional)
		if err != nil {
			return fmt.Errorf("limits.max_notional: %w", err)
		}
		l.MaxNotional = d
	}
	if raw.MaxPositionPct != nil {
		l.MaxPositionPct = *raw.MaxPositionPct
	}
	if raw.MaxSectorPct != nil {
		l.MaxSectorPct = *raw.MaxSectorPct
	}
	if raw.MaxSlippageBps != nil {
		l.MaxSlippageBps = *raw.MaxSlippageBps
	}
	if raw.MinDailyVolume != nil {
		l.MinDailyVolume = *raw.MinDailyVolume
	}
	if raw.MaxDailyTrades != nil {
		l.MaxDailyTrades = *raw.MaxDailyTrades
	}
	if raw.MaxDailyLoss != nil {
		d, err := decimal.NewFromString(*raw.MaxDailyLoss)
		if err != nil {
			return fmt.Errorf("limits.max_daily_loss: %w", err)
		}
		l.MaxDailyLoss = d
	}
	if raw.AllowPreMarket != nil {
		l.AllowPreMarket = *raw.AllowPreMarket
	}
	if raw.AllowAfterHours != nil {
		l.AllowAfterHours = *raw.AllowAfterHours
	}
	return nil
}

// AdvancedLimits holds the advanced-rule (R9-R12) thresholds. A zero value
// means the advanced rules are not composed at all (see HasAdvanced).
type AdvancedLimits struct {
	MaxPositionVolatility     float64
	MinPositionSize           decimal.Decimal
	MaxPositionSize           decimal.Decimal
	MaxDrawdownPct            float64
	RestrictedMinutes         int
	CorrelationDataAvailable  bool
	MaxCorrelationExposurePct float64
}

// UnmarshalYAML decodes the position-size bounds through strings, same as
// NumericLimits.
func (l *AdvancedLimits) UnmarshalYAML(node *yaml.Node) error {
	type rawAdvanced struct {
		MaxPositionVolatility     *float64 `yaml:"max_position_volatility"`
		MinPositionSize           *string  `yaml:"min_position_size"`
		MaxPositionSize           *string  `yaml:"max_position_size"`
		MaxDrawdownPct            *float64 `yaml:"max_drawdown_pct"`
		RestrictedMinutes         *int     `yaml:"restricted_minutes"`
		CorrelationDataAvailable  *bool    `yaml:"correlation_data_available"`
		MaxCorrelationExposurePct *float64 `yaml:"max_correlation_exposure_pct"`
	}
	var raw rawAdvanced
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxPositionVolatility != nil {
		l.MaxPositionVolatility = *raw.MaxPositionVolatility
	}
	if raw.MinPositionSize != nil {
		d, err := decimal.NewFromString(*raw.MinPositionSize)
		if err != nil {
			return fmt.Errorf("advanced.min_position_size: %w", err)
		}
		l.MinPositionSize = d
	}
	if raw.MaxPositionSize != nil {
		d, err := decimal.NewFromString(*raw.MaxPositionSize)
		if err != nil {
			return fmt.Errorf("advanced.max_position_size: %w", err)
		}
		l.MaxPositionSize = d
	}
	if raw.MaxDrawdownPct != nil {
		l.MaxDrawdownPct = *raw.MaxDrawdownPct
	}
	if raw.RestrictedMinutes != nil {
		l.RestrictedMinutes = *raw.RestrictedMinutes
	}
	if raw.CorrelationDataAvailable != nil {
		l.CorrelationDataAvailable = *raw.CorrelationDataAvailable
	}
	if raw.MaxCorrelationExposurePct != nil {
		l.MaxCorrelationExposurePct = *raw.MaxCorrelationExposurePct
	}
	return nil
}

// TradingHours defines the UTC trading window used by R5.
type TradingHours struct {
	OpenHourUTC  int `yaml:"open_hour_utc"`
	OpenMinUTC   int `yaml:"open_min_utc"`
	CloseHourUTC int `yaml:"close_hour_utc"`
	CloseMinUTC  int `yaml:"close_min_utc"`
}

// LoadRiskPolicy reads and validates a risk policy document from disk.
func LoadRiskPolicy(path string) (*RiskPolicy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open risk policy: %w", err)
	}
	defer file.Close()

	policy := defaultRiskPolicy()
	if err := yaml.NewDecoder(file).Decode(policy); err != nil {
		return nil, fmt.Errorf("decode risk policy: %w", err)
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func defaultRiskPolicy() *RiskPolicy {
	return &RiskPolicy{
		Limits: NumericLimits{
			MaxNotional:    decimal.NewFromInt(50000),
			MaxPositionPct: 25,
			MaxSectorPct:   40,
			MaxSlippageBps: 50,
			MaxDailyTrades: 100,
			MaxDailyLoss:   decimal.NewFromInt(5000),
		},
		TradingHours: TradingHours{OpenHourUTC: 13, OpenMinUTC: 30, CloseHourUTC: 20, CloseMinUTC: 0},
		EnabledRules: map[string]bool{
			"R1": true, "R2": true, "R3": true, "R4": true, "R5": true,
			"R6": true, "R7": true, "R8": true,
		},
	}
}

func (p *RiskPolicy) validate() error {
	if p.Limits.MaxNotional.Sign() <= 0 {
		return fmt.Errorf("limits.max_notional must be positive")
	}
	if p.Limits.MaxPositionPct <= 0 || p.Limits.MaxPositionPct > 100 {
		return fmt.Errorf("limits.max_position_pct must be in (0, 100]")
	}
	if p.TradingHours.OpenHourUTC < 0 || p.TradingHours.OpenHourUTC > 23 {
		return fmt.Errorf("trading_hours.open_hour_utc out of range")
	}
	if p.TradingHours.CloseHourUTC < 0 || p.TradingHours.CloseHourUTC > 23 {
		return fmt.Errorf("trading_hours.close_hour_utc out of range")
	}
	return nil
}

// RuleEnabled reports whether the named rule is enabled; rules absent from
// the map default to enabled.
func (p *RiskPolicy) RuleEnabled(id string) bool {
	if p == nil || p.EnabledRules == nil {
		return true
	}
	enabled, ok := p.EnabledRules[strings.ToUpper(id)]
	if !ok {
		return true
	}
	return enabled
}

// HasAdvanced reports whether the advanced (R9-R12) rule set is composed:
// any configured advanced limit activates the whole block.
func (p *RiskPolicy) HasAdvanced() bool {
	if p == nil {
		return false
	}
	adv := p.Advanced
	return adv.MaxPositionVolatility > 0 ||
		adv.MaxDrawdownPct > 0 ||
		adv.RestrictedMinutes > 0 ||
		adv.MinPositionSize.Sign() > 0 ||
		adv.MaxPositionSize.Sign() > 0 ||
		adv.CorrelationDataAvailable
}
