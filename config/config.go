// Package config loads the engine configuration from a JSON file with
// defaults for everything except the trading pairs, which have no
// sensible default and are required.
package config

import (
	"encoding/json"
	"os"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/types"
)

// Config holds the application configuration. Durations are expressed
// in milliseconds in the file.
type Config struct {
	Ledger   LedgerConfig   `json:"ledger"`
	Matching MatchingConfig `json:"matchingEngine"`
	Cache    CacheConfig    `json:"cache"`
	StopLoss StopLossConfig `json:"stopLoss"`
	Order    OrderConfig    `json:"order"`
	API      APIConfig      `json:"api"`

	// DustThreshold is the minimum asset amount worth transferring,
	// as a decimal string.
	DustThreshold string `json:"dustThreshold"`

	// OffsetFile persists the last applied stream offset across
	// restarts. Empty disables persistence.
	OffsetFile string `json:"offsetFile"`
}

// LedgerConfig locates the ledger and the operator identity.
type LedgerConfig struct {
	BaseURL   string `json:"baseUrl"`
	WSBaseURL string `json:"wsBaseUrl"`
	TokenURL  string `json:"tokenUrl"`
	Operator  string `json:"operator"`
}

// MatchingConfig tunes the matching loop.
type MatchingConfig struct {
	BaseIntervalMs       int      `json:"baseIntervalMs"`
	MediumIdleIntervalMs int      `json:"mediumIdleIntervalMs"`
	SlowIdleIntervalMs   int      `json:"slowIdleIntervalMs"`
	WatchdogMs           int      `json:"watchdogMs"`
	RematchCooldownMs    int      `json:"rematchCooldownMs"`
	TradingPairs         []string `json:"tradingPairs"`
}

// CacheConfig tunes the recent-trade cache.
type CacheConfig struct {
	File             string `json:"file"`
	MaxTradesPerPair int    `json:"maxTradesPerPair"`
	SaveDebounceMs   int    `json:"saveDebounceMs"`
}

// StopLossConfig tunes the stop-loss safety-net poll.
type StopLossConfig struct {
	BackupPollMs int `json:"backupPollMs"`
}

// OrderConfig tunes order placement.
type OrderConfig struct {
	// MarketSlippageBuffer is the over-reservation fraction for market
	// and stop buys, e.g. 0.05 reserves 105% of the best-ask cost.
	MarketSlippageBuffer string `json:"marketSlippageBuffer"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DefaultConfig returns the default configuration. TradingPairs stays
// empty: the caller must configure at least one pair.
func DefaultConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			BaseURL:   "http://localhost:7575",
			WSBaseURL: "ws://localhost:7575",
		},
		Matching: MatchingConfig{
			BaseIntervalMs:       2000,
			MediumIdleIntervalMs: 10000,
			SlowIdleIntervalMs:   30000,
			WatchdogMs:           25000,
			RematchCooldownMs:    30000,
		},
		Cache: CacheConfig{
			File:             "trades.json",
			MaxTradesPerPair: 200,
			SaveDebounceMs:   2000,
		},
		StopLoss: StopLossConfig{
			BackupPollMs: 5000,
		},
		Order: OrderConfig{
			MarketSlippageBuffer: "0.05",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DustThreshold: "0.000001",
		OffsetFile:    "offset.json",
	}
}

// LoadConfig loads configuration from a file. A missing file yields
// the defaults; a present but unparseable file is an error.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, errors.Wrap(types.ErrConfiguration, err.Error())
	}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(types.ErrConfiguration, "parse %s: %v", path, err)
	}
	return config, nil
}

// Validate checks the configuration before any component starts.
func (c *Config) Validate() error {
	if len(c.Matching.TradingPairs) == 0 {
		return errors.Wrap(types.ErrConfiguration, "matchingEngine.tradingPairs must list at least one BASE/QUOTE pair")
	}
	if _, err := c.TradingPairs(); err != nil {
		return err
	}
	if c.Ledger.Operator == "" {
		return errors.Wrap(types.ErrConfiguration, "ledger.operator is required")
	}
	if c.Ledger.BaseURL == "" {
		return errors.Wrap(types.ErrConfiguration, "ledger.baseUrl is required")
	}
	for name, v := range map[string]int{
		"matchingEngine.baseIntervalMs":       c.Matching.BaseIntervalMs,
		"matchingEngine.mediumIdleIntervalMs": c.Matching.MediumIdleIntervalMs,
		"matchingEngine.slowIdleIntervalMs":   c.Matching.SlowIdleIntervalMs,
		"matchingEngine.watchdogMs":           c.Matching.WatchdogMs,
		"matchingEngine.rematchCooldownMs":    c.Matching.RematchCooldownMs,
		"stopLoss.backupPollMs":               c.StopLoss.BackupPollMs,
	} {
		if v <= 0 {
			return errors.Wrapf(types.ErrConfiguration, "%s must be positive", name)
		}
	}
	if _, err := c.SlippageBuffer(); err != nil {
		return err
	}
	if _, err := c.Dust(); err != nil {
		return err
	}
	return nil
}

// TradingPairs parses the configured pair strings.
func (c *Config) TradingPairs() ([]types.TradingPair, error) {
	pairs := make([]types.TradingPair, 0, len(c.Matching.TradingPairs))
	seen := make(map[types.TradingPair]bool)
	for _, s := range c.Matching.TradingPairs {
		p, err := types.ParsePair(s)
		if err != nil {
			return nil, errors.Wrap(types.ErrConfiguration, err.Error())
		}
		if seen[p] {
			return nil, errors.Wrapf(types.ErrConfiguration, "duplicate trading pair %s", p)
		}
		seen[p] = true
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// SlippageBuffer returns the reservation multiplier, 1 + the
// configured fraction.
func (c *Config) SlippageBuffer() (math.LegacyDec, error) {
	frac, err := math.LegacyNewDecFromStr(c.Order.MarketSlippageBuffer)
	if err != nil || frac.IsNegative() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrConfiguration,
			"order.marketSlippageBuffer must be a non-negative decimal, got %q", c.Order.MarketSlippageBuffer)
	}
	return math.LegacyOneDec().Add(frac), nil
}

// Dust returns the dust threshold as a decimal.
func (c *Config) Dust() (math.LegacyDec, error) {
	d, err := math.LegacyNewDecFromStr(c.DustThreshold)
	if err != nil || d.IsNegative() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrConfiguration,
			"dustThreshold must be a non-negative decimal, got %q", c.DustThreshold)
	}
	return d, nil
}

// Durations in time.Duration form.

func (c *MatchingConfig) BaseInterval() time.Duration {
	return time.Duration(c.BaseIntervalMs) * time.Millisecond
}

func (c *MatchingConfig) MediumIdleInterval() time.Duration {
	return time.Duration(c.MediumIdleIntervalMs) * time.Millisecond
}

func (c *MatchingConfig) SlowIdleInterval() time.Duration {
	return time.Duration(c.SlowIdleIntervalMs) * time.Millisecond
}

func (c *MatchingConfig) Watchdog() time.Duration {
	return time.Duration(c.WatchdogMs) * time.Millisecond
}

func (c *MatchingConfig) RematchCooldown() time.Duration {
	return time.Duration(c.RematchCooldownMs) * time.Millisecond
}

func (c *CacheConfig) SaveDebounce() time.Duration {
	return time.Duration(c.SaveDebounceMs) * time.Millisecond
}

func (c *StopLossConfig) BackupPoll() time.Duration {
	return time.Duration(c.BackupPollMs) * time.Millisecond
}
