package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete bot configuration.
type Config struct {
	Exchange ExchangeConfig `json:"exchange" yaml:"exchange"`
	Grid     GridConfig     `json:"grid" yaml:"grid"`
	Risk     RiskConfig     `json:"risk" yaml:"risk"`
	Size     SizeConfig     `json:"size" yaml:"size"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
}

// ExchangeConfig identifies the venue and contract being traded.
type ExchangeConfig struct {
	BaseURL    string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	WSURL      string  `json:"ws_url,omitempty" yaml:"ws_url,omitempty"`
	ContractID string  `json:"contract_id" yaml:"contract_id"`
	TickSize   float64 `json:"tick_size" yaml:"tick_size"`
	SizeStep   float64 `json:"size_step" yaml:"size_step"`
	Leverage   float64 `json:"leverage" yaml:"leverage"`
}

// GridConfig shapes the ladder and the loop cadence.
type GridConfig struct {
	StepUsd        float64 `json:"step_usd" yaml:"step_usd"`
	FirstOffsetUsd float64 `json:"first_offset_usd" yaml:"first_offset_usd"`
	LevelsPerSide  int     `json:"levels_per_side" yaml:"levels_per_side"`
	Size           float64 `json:"size" yaml:"size"`
	OpSpacingSec   float64 `json:"op_spacing_sec" yaml:"op_spacing_sec"`
	CycleSec       float64 `json:"cycle_sec" yaml:"cycle_sec"`
}

// RiskConfig holds the circuit-breaker thresholds in percent units and
// the balance-recovery settings. Zero thresholds disable a rule.
type RiskConfig struct {
	AssetLossCutPct       float64 `json:"asset_loss_cut_pct,omitempty" yaml:"asset_loss_cut_pct,omitempty"`
	AssetTakeProfitPct    float64 `json:"asset_take_profit_pct,omitempty" yaml:"asset_take_profit_pct,omitempty"`
	PositionLossCutPct    float64 `json:"position_loss_cut_pct,omitempty" yaml:"position_loss_cut_pct,omitempty"`
	PositionTakeProfitPct float64 `json:"position_take_profit_pct,omitempty" yaml:"position_take_profit_pct,omitempty"`

	BalanceRecoveryEnabled  bool    `json:"balance_recovery_enabled" yaml:"balance_recovery_enabled"`
	InitialBalanceUsd       float64 `json:"initial_balance_usd,omitempty" yaml:"initial_balance_usd,omitempty"`
	RecoveryEnforceLevelUsd float64 `json:"recovery_enforce_level_usd,omitempty" yaml:"recovery_enforce_level_usd,omitempty"`
}

// SizeConfig caps position growth. Exactly one of the BTC pair or the
// ratio pair must be configured, and the reduce-only threshold must sit
// below the limit.
type SizeConfig struct {
	LimitBtc      float64 `json:"limit_btc,omitempty" yaml:"limit_btc,omitempty"`
	ReduceOnlyBtc float64 `json:"reduce_only_btc,omitempty" yaml:"reduce_only_btc,omitempty"`

	LimitRatio      float64 `json:"limit_ratio,omitempty" yaml:"limit_ratio,omitempty"`
	ReduceOnlyRatio float64 `json:"reduce_only_ratio,omitempty" yaml:"reduce_only_ratio,omitempty"`
}

// ScheduleConfig controls the time-of-day gate.
type ScheduleConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	URL                 string `json:"url,omitempty" yaml:"url,omitempty"`
	Type                string `json:"type,omitempty" yaml:"type,omitempty"`
	OutOfScheduleAction string `json:"out_of_schedule_action,omitempty" yaml:"out_of_schedule_action,omitempty"`
}

// JournalConfig enables the SQLite journal when a path is set.
type JournalConfig struct {
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// SizeMode is the resolved size-limit configuration.
type SizeMode struct {
	Ratio   bool
	Limit   float64
	Release float64
}

// Mode resolves which size-limit pair is active. Call after Validate.
func (c *SizeConfig) Mode() SizeMode {
	if c.LimitRatio > 0 {
		return SizeMode{Ratio: true, Limit: c.LimitRatio, Release: c.ReduceOnlyRatio}
	}
	return SizeMode{Limit: c.LimitBtc, Release: c.ReduceOnlyBtc}
}

// OpSpacing returns the minimum delay between exchange mutations.
func (c *GridConfig) OpSpacing() time.Duration {
	return time.Duration(c.OpSpacingSec * float64(time.Second))
}

// Cycle returns the control-loop cadence.
func (c *GridConfig) Cycle() time.Duration {
	if c.CycleSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.CycleSec * float64(time.Second))
}

// LoadFromFile loads configuration from a file (JSON or YAML based on extension)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine format by extension
	if (len(path) > 5 && path[len(path)-5:] == ".yaml") || (len(path) > 4 && path[len(path)-4:] == ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Exchange.ContractID == "" {
		return fmt.Errorf("exchange.contract_id is required")
	}
	if c.Exchange.TickSize <= 0 {
		return fmt.Errorf("exchange.tick_size must be positive")
	}
	if c.Exchange.SizeStep <= 0 {
		return fmt.Errorf("exchange.size_step must be positive")
	}
	if c.Exchange.Leverage <= 0 {
		return fmt.Errorf("exchange.leverage must be positive")
	}
	if c.Grid.StepUsd <= 0 {
		return fmt.Errorf("grid.step_usd must be positive")
	}
	if c.Grid.FirstOffsetUsd <= 0 {
		return fmt.Errorf("grid.first_offset_usd must be positive")
	}
	if c.Grid.LevelsPerSide <= 0 {
		return fmt.Errorf("grid.levels_per_side must be positive")
	}
	if c.Grid.Size <= 0 {
		return fmt.Errorf("grid.size must be positive")
	}
	if c.Grid.OpSpacingSec < 0 {
		return fmt.Errorf("grid.op_spacing_sec must not be negative")
	}

	btcSet := c.Size.LimitBtc > 0 || c.Size.ReduceOnlyBtc > 0
	ratioSet := c.Size.LimitRatio > 0 || c.Size.ReduceOnlyRatio > 0
	if btcSet && ratioSet {
		return fmt.Errorf("size: limit_btc and limit_ratio are mutually exclusive")
	}
	if !btcSet && !ratioSet {
		return fmt.Errorf("size: one of limit_btc or limit_ratio must be configured")
	}
	if btcSet {
		if c.Size.LimitBtc <= 0 || c.Size.ReduceOnlyBtc <= 0 {
			return fmt.Errorf("size: limit_btc and reduce_only_btc are both required")
		}
		if c.Size.ReduceOnlyBtc >= c.Size.LimitBtc {
			return fmt.Errorf("size: reduce_only_btc must be below limit_btc")
		}
	}
	if ratioSet {
		if c.Size.LimitRatio <= 0 || c.Size.ReduceOnlyRatio <= 0 {
			return fmt.Errorf("size: limit_ratio and reduce_only_ratio are both required")
		}
		if c.Size.ReduceOnlyRatio >= c.Size.LimitRatio {
			return fmt.Errorf("size: reduce_only_ratio must be below limit_ratio")
		}
	}

	if c.Risk.BalanceRecoveryEnabled {
		if c.Risk.InitialBalanceUsd <= 0 {
			return fmt.Errorf("risk.initial_balance_usd required when balance recovery is enabled")
		}
		if c.Risk.RecoveryEnforceLevelUsd <= 0 {
			return fmt.Errorf("risk.recovery_enforce_level_usd required when balance recovery is enabled")
		}
	}

	if c.Schedule.Enabled {
		switch c.Schedule.OutOfScheduleAction {
		case "nothing", "auto", "immediately":
		case "":
			return fmt.Errorf("schedule.out_of_schedule_action is required when schedule is enabled")
		default:
			return fmt.Errorf("schedule.out_of_schedule_action must be one of nothing, auto, immediately")
		}
	}

	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			ContractID: "10000001",
			TickSize:   0.1,
			SizeStep:   0.001,
			Leverage:   10,
		},
		Grid: GridConfig{
			StepUsd:        100,
			FirstOffsetUsd: 50,
			LevelsPerSide:  3,
			Size:           0.01,
			OpSpacingSec:   0.3,
			CycleSec:       5,
		},
		Risk: RiskConfig{
			AssetLossCutPct: 0.05,
		},
		Size: SizeConfig{
			LimitBtc:      0.05,
			ReduceOnlyBtc: 0.02,
		},
		Schedule: ScheduleConfig{
			Enabled:             true,
			Type:                "normal",
			OutOfScheduleAction: "auto",
		},
		Journal: JournalConfig{
			DBPath: "./gridbot.db",
		},
	}
}
