// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Verifier  VerifierConfig  `mapstructure:"verifier"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the read-only HTTP surface.
type APIConfig struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatchConfig controls scheduling and settlement policy.
type DispatchConfig struct {
	MinReward        int64         `mapstructure:"min_reward"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	ExecutionWindow  time.Duration `mapstructure:"execution_window"`
	PendingTimeout   time.Duration `mapstructure:"pending_timeout"`
	SlashFractionBps int64         `mapstructure:"slash_fraction_bps"`
	EventRetention   int           `mapstructure:"event_retention"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// DirectoryConfig controls node liveness.
type DirectoryConfig struct {
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`
}

// LedgerConfig controls the retry policy around the settlement backend.
type LedgerConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// VerifierConfig selects the result verifier.
type VerifierConfig struct {
	Kind string `mapstructure:"kind"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "plain")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 15*time.Second)
	v.SetDefault("api.shutdown_timeout", 10*time.Second)

	v.SetDefault("dispatch.min_reward", 1)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.execution_window", 2*time.Minute)
	v.SetDefault("dispatch.pending_timeout", 30*time.Minute)
	v.SetDefault("dispatch.slash_fraction_bps", 1000)
	v.SetDefault("dispatch.event_retention", 4096)
	v.SetDefault("dispatch.sweep_interval", 5*time.Second)

	v.SetDefault("directory.heartbeat_ttl", 90*time.Second)

	v.SetDefault("ledger.max_retries", 5)
	v.SetDefault("ledger.initial_interval", 100*time.Millisecond)
	v.SetDefault("ledger.max_interval", 5*time.Second)
	v.SetDefault("ledger.breaker_timeout", 30*time.Second)

	v.SetDefault("verifier.kind", "checksum")
}

// Load reads configuration with defaults, an optional config file and
// MESHCORE_-prefixed environment overrides, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.SlashFractionBps < 0 || c.Dispatch.SlashFractionBps > 10_000 {
		return fmt.Errorf("dispatch.slash_fraction_bps must be in [0, 10000], got %d", c.Dispatch.SlashFractionBps)
	}
	if c.Dispatch.ExecutionWindow <= 0 {
		return fmt.Errorf("dispatch.execution_window must be positive")
	}
	switch c.Verifier.Kind {
	case "checksum", "groth16":
	default:
		return fmt.Errorf("verifier.kind must be checksum or groth16, got %q", c.Verifier.Kind)
	}
	return nil
}
