// Package config loads the settings of sandboxctl and of embedders that want
// the same file format: resource limits, logging and wasm source options.
//
// Values come from defaults, then an optional YAML, TOML or JSON file, then
// SANDBOX_ environment variables, where nested keys join with an underscore
// (SANDBOX_LIMITS_HEAP_MEMORY_SIZE).
package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/module/wasmsrc"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SANDBOX"

type Config struct {
	Log    LogConfig     `mapstructure:"log"`
	Wasm   WasmConfig    `mapstructure:"wasm"`
	Limits limits.Limits `mapstructure:"limits"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Development switches to human-readable console output.
	Development bool `mapstructure:"development"`
}

// WasmConfig holds the options of modules read from wasm binaries.
type WasmConfig struct {
	// Reserved heap region (bytes).
	ReservedSize uint64 `mapstructure:"reserved_size"`
	// Guard region after the heap (bytes).
	GuardSize uint64 `mapstructure:"guard_size"`
	// Compile the binary with wazero before reading it.
	Verify bool `mapstructure:"verify"`
}

// Load reads the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := limits.Default()
	v.SetDefault("limits.heap_memory_size", def.HeapMemorySize)
	v.SetDefault("limits.heap_address_space_size", def.HeapAddressSpaceSize)
	v.SetDefault("limits.stack_size", def.StackSize)
	v.SetDefault("limits.globals_size", def.GlobalsSize)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("wasm.reserved_size", uint64(wasmsrc.DefaultRegionSize))
	v.SetDefault("wasm.guard_size", uint64(wasmsrc.DefaultRegionSize))
	v.SetDefault("wasm.verify", true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err,
				"read config file "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the limits and the log level.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("log", "level").
			Value(c.Log.Level).
			Cause(err).
			Detail("unknown log level %q", c.Log.Level).
			Build()
	}
	return nil
}

// WasmOptions returns the options for wasmsrc.Load.
func (c *Config) WasmOptions() wasmsrc.Options {
	return wasmsrc.Options{
		ReservedSize: c.Wasm.ReservedSize,
		GuardSize:    c.Wasm.GuardSize,
		Verify:       c.Wasm.Verify,
	}
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse log level")
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
