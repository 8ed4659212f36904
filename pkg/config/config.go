// Package config provides configuration loading and validation for the
// regent memory manager and its tools.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/regentmm/regent/pkg/sizeclass"
)

// Sentinel validation errors.
var (
	ErrInvalidCapacity    = errors.New("heap capacity must be a positive multiple of the small page size")
	ErrInvalidPageSizes   = errors.New("invalid page class sizes")
	ErrInvalidPercent     = errors.New("balance min cache percent must be in (0, 100)")
	ErrInvalidRateWindow  = errors.New("stats rate window must be positive")
	ErrInvalidRateAlpha   = errors.New("stats rate alpha must be in (0, 1]")
	ErrInvalidListenAddr  = errors.New("metrics listen address must be set when metrics are enabled")
	ErrUnparsableByteSize = errors.New("unparsable byte size")
)

// Default configuration values.
const (
	defaultCapacity        = "4 GiB"
	defaultSmallPageSize   = "2 MiB"
	defaultMediumPageSize  = "32 MiB"
	defaultMinCachePercent = 5.0
	defaultWarmupCycles    = 3
	defaultRateWindow      = time.Second
	defaultRateAlpha       = 0.3
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultMetricsAddr     = "127.0.0.1:9641"
)

// envPrefix namespaces environment overrides (e.g. REGENT_HEAP_CAPACITY).
const envPrefix = "REGENT"

// Config holds all configuration for the memory manager.
type Config struct {
	Heap    HeapConfig    `mapstructure:"heap" yaml:"heap"`
	Balance BalanceConfig `mapstructure:"balance" yaml:"balance"`
	Stats   StatsConfig   `mapstructure:"stats" yaml:"stats"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// HeapConfig sizes the heap and its page classes. Byte quantities accept
// humanized strings ("4 GiB", "512MiB").
type HeapConfig struct {
	Capacity       string `mapstructure:"capacity" yaml:"capacity"`
	SmallPageSize  string `mapstructure:"small_page_size" yaml:"small_page_size"`
	MediumPageSize string `mapstructure:"medium_page_size" yaml:"medium_page_size"`
}

// BalanceConfig tunes the page cache rebalancer.
type BalanceConfig struct {
	Enabled         bool    `mapstructure:"enabled" yaml:"enabled"`
	MinCachePercent float64 `mapstructure:"min_cache_percent" yaml:"min_cache_percent"`
	WarmupCycles    uint64  `mapstructure:"warmup_cycles" yaml:"warmup_cycles"`
}

// StatsConfig tunes allocation-rate tracking.
type StatsConfig struct {
	RateWindow time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
	RateAlpha  float64       `mapstructure:"rate_alpha" yaml:"rate_alpha"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Heap: HeapConfig{
			Capacity:       defaultCapacity,
			SmallPageSize:  defaultSmallPageSize,
			MediumPageSize: defaultMediumPageSize,
		},
		Balance: BalanceConfig{
			Enabled:         true,
			MinCachePercent: defaultMinCachePercent,
			WarmupCycles:    defaultWarmupCycles,
		},
		Stats: StatsConfig{
			RateWindow: defaultRateWindow,
			RateAlpha:  defaultRateAlpha,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: defaultMetricsAddr,
		},
	}
}

// Load reads configuration from the given file (optional), environment
// variables, and defaults. Precedence is env > file > default.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("regent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/regent")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("heap.capacity", def.Heap.Capacity)
	v.SetDefault("heap.small_page_size", def.Heap.SmallPageSize)
	v.SetDefault("heap.medium_page_size", def.Heap.MediumPageSize)
	v.SetDefault("balance.enabled", def.Balance.Enabled)
	v.SetDefault("balance.min_cache_percent", def.Balance.MinCachePercent)
	v.SetDefault("balance.warmup_cycles", def.Balance.WarmupCycles)
	v.SetDefault("stats.rate_window", def.Stats.RateWindow)
	v.SetDefault("stats.rate_alpha", def.Stats.RateAlpha)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", def.Metrics.ListenAddr)
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if _, _, err := c.HeapGeometry(); err != nil {
		return err
	}

	if c.Balance.MinCachePercent <= 0 || c.Balance.MinCachePercent >= 100 {
		return ErrInvalidPercent
	}

	if c.Stats.RateWindow <= 0 {
		return ErrInvalidRateWindow
	}

	if c.Stats.RateAlpha <= 0 || c.Stats.RateAlpha > 1 {
		return ErrInvalidRateAlpha
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return ErrInvalidListenAddr
	}

	return nil
}

// HeapGeometry parses and validates the heap byte quantities.
func (c Config) HeapGeometry() (capacity uint64, sizes sizeclass.Sizes, err error) {
	capacity, err = parseBytes(c.Heap.Capacity)
	if err != nil {
		return 0, sizeclass.Sizes{}, err
	}

	small, err := parseBytes(c.Heap.SmallPageSize)
	if err != nil {
		return 0, sizeclass.Sizes{}, err
	}

	medium, err := parseBytes(c.Heap.MediumPageSize)
	if err != nil {
		return 0, sizeclass.Sizes{}, err
	}

	sizes = sizeclass.Sizes{Small: small, Medium: medium}
	if err := sizes.Validate(); err != nil {
		return 0, sizeclass.Sizes{}, fmt.Errorf("%w: %w", ErrInvalidPageSizes, err)
	}

	if capacity == 0 || capacity%sizes.Small != 0 {
		return 0, sizeclass.Sizes{}, ErrInvalidCapacity
	}

	return capacity, sizes, nil
}

func parseBytes(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrUnparsableByteSize, s, err)
	}

	return n, nil
}
