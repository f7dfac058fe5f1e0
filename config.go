package luacore

import (
	"io"

	"github.com/naoina/toml"
)

// Config holds every tunable named in spec.md §4.2 and §4.3, loadable from
// a TOML document via github.com/naoina/toml (SPEC_FULL §A.3) the same way
// go-ethereum's node config loads.
type Config struct {
	GCMode              GCMode `toml:"-"`
	GCModeName          string `toml:"gc_mode"` // "incremental" | "generational"
	GCPausePercent      int    `toml:"gc_pause_percent"`
	GCStepMulPercent    int    `toml:"gc_step_mul_percent"`
	GCStepSize          int64  `toml:"gc_step_size"`
	GCMinorMulPercent   int    `toml:"gc_minor_mul_percent"`
	GCMajorMulPercent   int    `toml:"gc_major_mul_percent"`
	GCInitialThreshold  int64  `toml:"gc_initial_threshold"`

	MaxStackSize int `toml:"max_stack_size"`
	MaxCallDepth int `toml:"max_call_depth"`

	ShortStringThreshold int `toml:"short_string_threshold"`
}

// DefaultConfig mirrors Lua's reference defaults for the parameters spec.md
// names.
func DefaultConfig() *Config {
	return &Config{
		GCMode:              GCIncremental,
		GCModeName:          "incremental",
		GCPausePercent:      200,
		GCStepMulPercent:    100,
		GCStepSize:          1024,
		GCMinorMulPercent:   20,
		GCMajorMulPercent:   100,
		GCInitialThreshold:  1 << 20,
		MaxStackSize:        1_000_000,
		MaxCallDepth:        defaultMaxDepth,
		ShortStringThreshold: shortStringThreshold,
	}
}

// LoadConfig decodes a TOML document on top of DefaultConfig's values.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.GCModeName == "generational" {
		cfg.GCMode = GCGenerational
	} else {
		cfg.GCMode = GCIncremental
	}
	return cfg, nil
}
