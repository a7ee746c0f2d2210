package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantdesk.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Logging    Logging          `yaml:"logging"`
	Provider   ProviderConfig   `yaml:"provider"`
	Universe   UniverseConfig   `yaml:"universe"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Gather     GatherJobConfig  `yaml:"gather"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	// GRPCPort serves the gRPC health service. Zero disables it.
	GRPCPort int    `yaml:"grpc_port" validate:"gte=0,lte=65535"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// ProviderConfig selects and tunes the market-data provider.
type ProviderConfig struct {
	// Source is "eastmoney" for the HTTP API or "local" for Parquet bars
	// plus a CSV snapshot under Storage.DataDir.
	Source          string        `yaml:"source" validate:"oneof=eastmoney local"`
	BaseURL         string        `yaml:"base_url"`
	HistoryURL      string        `yaml:"history_url"`
	FinanceURL      string        `yaml:"finance_url"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxConcurrent   int           `yaml:"max_concurrent" validate:"gte=1"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" validate:"gte=0"`
	Retries         int           `yaml:"retries" validate:"gte=1"`
	CacheTTL        time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	CacheSize       int           `yaml:"cache_size" validate:"gte=0"`
	SnapshotFile    string        `yaml:"snapshot_file"`
	// SnapshotGBK decodes the snapshot CSV from GBK instead of UTF-8.
	SnapshotGBK bool `yaml:"snapshot_gbk"`
}

// UniverseConfig holds the board and name filters applied to the universe.
type UniverseConfig struct {
	IncludeGrowthBoard  bool `yaml:"include_growth_board"`
	IncludeSciTechBoard bool `yaml:"include_sci_tech_board"`
	ExcludeST           bool `yaml:"exclude_st"`
}

// BacktestConfig holds portfolio simulation parameters.
type BacktestConfig struct {
	InitialCapital     float64 `yaml:"initial_capital" validate:"gt=0"`
	LookbackDays       int     `yaml:"lookback_days" validate:"gte=1"`
	AllocationFraction float64 `yaml:"allocation_fraction" validate:"gt=0,lte=1"`
	LotSize            int64   `yaml:"lot_size" validate:"gte=1"`
	RiskFreeRate       float64 `yaml:"risk_free_rate" validate:"gte=0"`
	// Pairing is "adjacent" or "fifo"; see performance.PairingMode.
	Pairing string `yaml:"pairing" validate:"oneof=adjacent fifo"`
	// StalePrice is "carry_forward" or "zero".
	StalePrice string `yaml:"stale_price" validate:"oneof=carry_forward zero"`
}

// StrategiesConfig holds per-strategy parameters.
type StrategiesConfig struct {
	Bollinger   BollingerConfig   `yaml:"bollinger"`
	Fundamental FundamentalConfig `yaml:"fundamental"`
}

// BollingerConfig parameterises the rolling-band strategy.
type BollingerConfig struct {
	Window       int     `yaml:"window" validate:"gte=2"`
	BandWidth    float64 `yaml:"band_width" validate:"gt=0"`
	VolumeFactor float64 `yaml:"volume_factor" validate:"gt=0"`
	TopN         int     `yaml:"top_n" validate:"gte=1"`
}

// FundamentalConfig parameterises the weighted-score strategy.
type FundamentalConfig struct {
	Complexity    string  `yaml:"complexity" validate:"oneof=simple medium complex"`
	BuyThreshold  float64 `yaml:"buy_threshold" validate:"gte=0,lte=1"`
	SellThreshold float64 `yaml:"sell_threshold" validate:"gte=0,lte=1"`
	HoldingPeriod int     `yaml:"holding_period" validate:"gte=1"`
	TopN          int     `yaml:"top_n" validate:"gte=1"`
}

// GatherJobConfig holds parameters for the daily bar gathering job.
type GatherJobConfig struct {
	StartDate  string `yaml:"start_date"`
	BatchSize  int    `yaml:"batch_size" validate:"gte=0"`
	MaxWorkers int    `yaml:"max_workers" validate:"gte=0"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config populated with the built-in defaults. Load starts
// from these values so a YAML file only needs to list what it changes.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/quantdesk.db",
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8000,
			GRPCPort: 9090,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Provider: ProviderConfig{
			Source:          "eastmoney",
			BaseURL:         "https://push2.eastmoney.com",
			HistoryURL:      "https://push2his.eastmoney.com",
			FinanceURL:      "https://datacenter.eastmoney.com",
			Timeout:         15 * time.Second,
			MaxConcurrent:   5,
			RateLimitPerMin: 300,
			Retries:         3,
			CacheTTL:        30 * time.Minute,
			CacheSize:       100,
			SnapshotFile:    "cn/universe.csv",
			SnapshotGBK:     true,
		},
		Universe: UniverseConfig{
			ExcludeST: true,
		},
		Backtest: BacktestConfig{
			InitialCapital:     1000000,
			LookbackDays:       30,
			AllocationFraction: 0.01,
			LotSize:            100,
			RiskFreeRate:       0.03,
			Pairing:            "adjacent",
			StalePrice:         "carry_forward",
		},
		Strategies: StrategiesConfig{
			Bollinger: BollingerConfig{
				Window:       20,
				BandWidth:    2.0,
				VolumeFactor: 2.0,
				TopN:         300,
			},
			Fundamental: FundamentalConfig{
				Complexity:    "medium",
				BuyThreshold:  0.7,
				SellThreshold: 0.3,
				HoldingPeriod: 20,
				TopN:          10,
			},
		},
		Gather: GatherJobConfig{
			StartDate:  "2020-01-01",
			BatchSize:  300,
			MaxWorkers: 4,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of the
// defaults, applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its validation tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("QUANTDESK_PROVIDER"); v != "" {
		cfg.Provider.Source = v
	}

	if v := os.Getenv("EASTMONEY_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("EASTMONEY_HISTORY_URL"); v != "" {
		cfg.Provider.HistoryURL = v
	}
	if v := os.Getenv("EASTMONEY_FINANCE_URL"); v != "" {
		cfg.Provider.FinanceURL = v
	}
}
