// Package config loads the record-store subsystem's process-start tunables,
// following internal/config.go's LoadConfig pattern from the teacher repo
// (viper.New + SetConfigFile + Unmarshal into a mapstructure-tagged struct).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the spec fixes at boot rather than letting a
// caller pass per-call (spec.md §3.4 class-rep cache capacity, §3.5
// best-space capacity/drop-threshold/unfill-margin, §4.7 force zero-wait
// latch timeout, §3.6 classname EXIST-cache cap).
type Config struct {
	ClassRepr struct {
		CacheCapacity int `mapstructure:"cache_capacity"`
	} `mapstructure:"class_repr"`

	BestSpace struct {
		CacheCapacity int     `mapstructure:"cache_capacity"`
		DropThreshold int     `mapstructure:"drop_threshold"`
		UnfillMargin  float64 `mapstructure:"unfill_margin"`
	} `mapstructure:"best_space"`

	Force struct {
		ZeroWaitLatchTimeout time.Duration `mapstructure:"zero_wait_latch_timeout"`
	} `mapstructure:"force"`

	ClassDir struct {
		ExistCacheCapacity int `mapstructure:"exist_cache_capacity"`
	} `mapstructure:"class_dir"`
}

// Default returns the tunables the subsystem runs with when no config file
// is supplied (e.g. under cmd/heapctl or in tests).
func Default() *Config {
	cfg := &Config{}
	cfg.ClassRepr.CacheCapacity = 256
	cfg.BestSpace.CacheCapacity = 4096
	cfg.BestSpace.DropThreshold = 64
	cfg.BestSpace.UnfillMargin = 0.10
	cfg.Force.ZeroWaitLatchTimeout = 5 * time.Millisecond
	cfg.ClassDir.ExistCacheCapacity = 1024
	return cfg
}

// Load reads a YAML config file at path and overlays it onto Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
