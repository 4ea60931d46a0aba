package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentworkforce/progressvault/internal/progression"
)

// disabledDSN switches off a backend that would otherwise get a default.
const disabledDSN = "off"

// Config holds every PROGRESSVAULT_* setting.
type Config struct {
	DataDir    string   `env:"PROGRESSVAULT_DATA_DIR"    envDefault:".progressvault"`
	Key        string   `env:"PROGRESSVAULT_KEY"         envDefault:"progression"`
	LegacyKeys []string `env:"PROGRESSVAULT_LEGACY_KEYS" envSeparator:","`

	FileDSN    string `env:"PROGRESSVAULT_FILE_DSN"`
	DurableDSN string `env:"PROGRESSVAULT_DURABLE_DSN"`
	SimpleDSN  string `env:"PROGRESSVAULT_SIMPLE_DSN"`
	LegacyDSN  string `env:"PROGRESSVAULT_LEGACY_DSN"`

	DebounceInterval time.Duration `env:"PROGRESSVAULT_DEBOUNCE_INTERVAL" envDefault:"2s"`
	BackupDepth      int           `env:"PROGRESSVAULT_BACKUP_DEPTH"      envDefault:"5"`
	LoadTimeout      time.Duration `env:"PROGRESSVAULT_LOAD_TIMEOUT"      envDefault:"0s"`
	LockFile         string        `env:"PROGRESSVAULT_LOCK_FILE"`

	LevelWeight     float64       `env:"PROGRESSVAULT_LEVEL_WEIGHT"      envDefault:"1000"`
	StatWeight      float64       `env:"PROGRESSVAULT_STAT_WEIGHT"       envDefault:"1"`
	TotalXPWeight   float64       `env:"PROGRESSVAULT_TOTAL_XP_WEIGHT"   envDefault:"0.01"`
	NearTieUpper    float64       `env:"PROGRESSVAULT_NEAR_TIE_UPPER"    envDefault:"1.1"`
	NearTieLower    float64       `env:"PROGRESSVAULT_NEAR_TIE_LOWER"    envDefault:"0.91"`
	RegressionRatio float64       `env:"PROGRESSVAULT_REGRESSION_RATIO"  envDefault:"0.5"`
	MaxClockSkew    time.Duration `env:"PROGRESSVAULT_MAX_CLOCK_SKEW"    envDefault:"24h"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and fills in the default file and durable
// backends under DataDir.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = ".progressvault"
	}
	c.Key = strings.TrimSpace(c.Key)
	if c.Key == "" {
		c.Key = progression.DefaultKey
	}
	legacy := c.LegacyKeys[:0]
	for _, key := range c.LegacyKeys {
		if key = strings.TrimSpace(key); key != "" {
			legacy = append(legacy, key)
		}
	}
	c.LegacyKeys = legacy

	c.FileDSN = defaultDSN(c.FileDSN, c.DataDir)
	c.DurableDSN = defaultDSN(c.DurableDSN, "sqlite://"+filepath.ToSlash(filepath.Join(c.DataDir, "progression.sqlite")))
	c.SimpleDSN = defaultDSN(c.SimpleDSN, "")
	c.LegacyDSN = defaultDSN(c.LegacyDSN, "")
	if strings.TrimSpace(c.LockFile) == "" {
		c.LockFile = filepath.Join(c.DataDir, "progressvault.lock")
	}
}

func defaultDSN(value, fallback string) string {
	value = strings.TrimSpace(value)
	switch {
	case strings.EqualFold(value, disabledDSN):
		return ""
	case value == "":
		return fallback
	default:
		return value
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.BackupDepth < 1 {
		errs = append(errs, fmt.Errorf("PROGRESSVAULT_BACKUP_DEPTH must be at least 1, got %d", c.BackupDepth))
	}
	if c.DebounceInterval < 0 {
		errs = append(errs, fmt.Errorf("PROGRESSVAULT_DEBOUNCE_INTERVAL must not be negative"))
	}
	if c.LoadTimeout < 0 {
		errs = append(errs, fmt.Errorf("PROGRESSVAULT_LOAD_TIMEOUT must not be negative"))
	}
	if c.NearTieLower >= c.NearTieUpper {
		errs = append(errs, fmt.Errorf("near-tie band is empty: lower %.2f >= upper %.2f", c.NearTieLower, c.NearTieUpper))
	}
	if len(c.DSNs()) == 0 {
		errs = append(errs, fmt.Errorf("%w: every backend is disabled", progression.ErrInvalidInput))
	}
	return errors.Join(errs...)
}

// DSNs returns the configured backend DSNs in precedence order.
func (c Config) DSNs() []string {
	var out []string
	for _, dsn := range []string{c.DurableDSN, c.FileDSN, c.LegacyDSN, c.SimpleDSN} {
		if strings.TrimSpace(dsn) != "" {
			out = append(out, dsn)
		}
	}
	return out
}

func (c Config) Weights() progression.ScoringWeights {
	return progression.ScoringWeights{
		LevelWeight:     c.LevelWeight,
		StatWeight:      c.StatWeight,
		TotalXPWeight:   c.TotalXPWeight,
		NearTieUpper:    c.NearTieUpper,
		NearTieLower:    c.NearTieLower,
		RegressionRatio: c.RegressionRatio,
		MaxClockSkew:    c.MaxClockSkew,
	}
}

// BuildAdapters opens one adapter per configured DSN. Adapters built before
// a failure are closed.
func (c Config) BuildAdapters(logger progression.Logger) ([]progression.Adapter, error) {
	opts := progression.FactoryOptions{BackupDepth: c.BackupDepth, Logger: logger}
	var adapters []progression.Adapter
	for _, dsn := range c.DSNs() {
		adapter, err := progression.BuildAdapterFromDSN(dsn, opts)
		if err != nil {
			closeAdapters(adapters)
			return nil, fmt.Errorf("build backend %q: %w", redactDSN(dsn), err)
		}
		if adapter != nil {
			adapters = append(adapters, adapter)
		}
	}
	return adapters, nil
}

// EngineOptions assembles progression.Options for the configured adapters.
func (c Config) EngineOptions(adapters []progression.Adapter, logger progression.Logger) progression.Options {
	return progression.Options{
		Key:              c.Key,
		LegacyKeys:       append([]string(nil), c.LegacyKeys...),
		Adapters:         adapters,
		DebounceInterval: c.DebounceInterval,
		BackupDepth:      c.BackupDepth,
		LoadTimeout:      c.LoadTimeout,
		LockPath:         c.LockFile,
		Weights:          c.Weights(),
		Logger:           logger,
	}
}

func closeAdapters(adapters []progression.Adapter) {
	for _, adapter := range adapters {
		if closer, ok := adapter.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// redactDSN drops credentials before a DSN reaches an error message.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
