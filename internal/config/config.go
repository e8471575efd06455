// Package config provides configuration loading for patientmapd.
package config

import (
	"fmt"
	"time"
)

// Provider names recognized by the budget governor and adapter factory.
const (
	ProviderLiterature = "literature"
	ProviderBiblio     = "biblio"
	ProviderTrials     = "trials"
	ProviderSequence   = "sequence"
)

// KnownProviders lists every provider name the pipeline can target.
var KnownProviders = []string{ProviderLiterature, ProviderBiblio, ProviderTrials, ProviderSequence}

// Config is the root configuration for a patientmapd process. It is loaded
// once at startup and treated as immutable for the process lifetime.
type Config struct {
	Logging   LoggingConfig             `koanf:"logging"`
	Metrics   MetricsConfig             `koanf:"metrics"`
	Reasoner  ReasonerConfig            `koanf:"reasoner"`
	Graph     GraphConfig               `koanf:"graph"`
	Pipeline  PipelineConfig            `koanf:"pipeline"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Grants    map[string][]string       `koanf:"grants"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // trace, debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// ReasonerConfig describes the external reasoning service endpoint.
type ReasonerConfig struct {
	BaseURL    string   `koanf:"base_url"`
	APIKey     Secret   `koanf:"api_key"`
	Model      string   `koanf:"model"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"` // total attempts per request
	RateLimit  float64  `koanf:"rate_limit"`  // requests per second
	Burst      int      `koanf:"burst"`
}

// GraphConfig selects and configures the graph store backend.
type GraphConfig struct {
	Backend string      `koanf:"backend"` // memory or redis
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig holds connection parameters for the redis graph backend.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  Secret `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// PipelineConfig tunes the phase sequencer and its work units.
type PipelineConfig struct {
	FanOut            int      `koanf:"fan_out"`             // max concurrent work units per phase
	MaxLoopIterations int      `koanf:"max_loop_iterations"` // producer/verifier loop ceiling
	MaxReasonerRounds int      `koanf:"max_reasoner_rounds"` // rounds per work unit
	WorkUnitDeadline  Duration `koanf:"work_unit_deadline"`  // wall-clock bound per work unit run
	// PartialSuccessMinRatio is the fraction of a work unit's capability
	// calls that must succeed for the unit to report PartialSuccess rather
	// than Failure. Zero means any usable fact is enough.
	PartialSuccessMinRatio float64 `koanf:"partial_success_min_ratio"`
}

// ProviderConfig holds the endpoint, credentials, and budget for one
// external data provider.
type ProviderConfig struct {
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	WindowDuration    Duration `koanf:"window_duration"`
	MaxCallsPerWindow int      `koanf:"max_calls_per_window"`
	MaxRetries        int      `koanf:"max_retries"` // total attempts per call
	BackoffBase       Duration `koanf:"backoff_base"`
	BackoffCap        Duration `koanf:"backoff_cap"`
	JitterCeiling     Duration `koanf:"jitter_ceiling"`
	CacheTTL          Duration `koanf:"cache_ttl"`
}

// applyDefaults fills in zero values with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "localhost:9464"
	}

	if cfg.Reasoner.Timeout == 0 {
		cfg.Reasoner.Timeout = Duration(60 * time.Second)
	}
	if cfg.Reasoner.MaxRetries == 0 {
		cfg.Reasoner.MaxRetries = 3
	}
	if cfg.Reasoner.RateLimit == 0 {
		cfg.Reasoner.RateLimit = 50.0 / 60.0
	}
	if cfg.Reasoner.Burst == 0 {
		cfg.Reasoner.Burst = 5
	}

	if cfg.Graph.Backend == "" {
		cfg.Graph.Backend = "memory"
	}
	if cfg.Graph.Redis.Addr == "" {
		cfg.Graph.Redis.Addr = "localhost:6379"
	}
	if cfg.Graph.Redis.KeyPrefix == "" {
		cfg.Graph.Redis.KeyPrefix = "patientmapd:graph:"
	}

	if cfg.Pipeline.FanOut == 0 {
		cfg.Pipeline.FanOut = 4
	}
	if cfg.Pipeline.MaxLoopIterations == 0 {
		cfg.Pipeline.MaxLoopIterations = 3
	}
	if cfg.Pipeline.MaxReasonerRounds == 0 {
		cfg.Pipeline.MaxReasonerRounds = 8
	}
	if cfg.Pipeline.WorkUnitDeadline == 0 {
		cfg.Pipeline.WorkUnitDeadline = Duration(5 * time.Minute)
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range KnownProviders {
		pc := cfg.Providers[name]
		applyProviderDefaults(&pc)
		cfg.Providers[name] = pc
	}
}

func applyProviderDefaults(pc *ProviderConfig) {
	if pc.Timeout == 0 {
		pc.Timeout = Duration(30 * time.Second)
	}
	if pc.WindowDuration == 0 {
		pc.WindowDuration = Duration(time.Minute)
	}
	if pc.MaxCallsPerWindow == 0 {
		pc.MaxCallsPerWindow = 30
	}
	if pc.MaxRetries == 0 {
		pc.MaxRetries = 5
	}
	if pc.BackoffBase == 0 {
		pc.BackoffBase = Duration(time.Second)
	}
	if pc.BackoffCap == 0 {
		pc.BackoffCap = Duration(30 * time.Second)
	}
	if pc.JitterCeiling == 0 {
		pc.JitterCeiling = Duration(500 * time.Millisecond)
	}
	if pc.CacheTTL == 0 {
		pc.CacheTTL = Duration(15 * time.Minute)
	}
}

// Validate checks the configuration for internal consistency. Grant
// contents are validated separately by the capability registry, which owns
// the set of legal capability names.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	switch c.Graph.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("graph.backend must be memory or redis, got %q", c.Graph.Backend)
	}

	if c.Pipeline.FanOut < 1 {
		return fmt.Errorf("pipeline.fan_out must be positive, got %d", c.Pipeline.FanOut)
	}
	if c.Pipeline.MaxLoopIterations < 1 {
		return fmt.Errorf("pipeline.max_loop_iterations must be positive, got %d", c.Pipeline.MaxLoopIterations)
	}
	if c.Pipeline.PartialSuccessMinRatio < 0 || c.Pipeline.PartialSuccessMinRatio > 1 {
		return fmt.Errorf("pipeline.partial_success_min_ratio must be in [0,1], got %v", c.Pipeline.PartialSuccessMinRatio)
	}

	for name, pc := range c.Providers {
		if !isKnownProvider(name) {
			return fmt.Errorf("unknown provider %q in providers section", name)
		}
		if pc.MaxCallsPerWindow < 1 {
			return fmt.Errorf("providers.%s.max_calls_per_window must be positive", name)
		}
		if pc.WindowDuration.Duration() <= 0 {
			return fmt.Errorf("providers.%s.window_duration must be positive", name)
		}
	}

	return nil
}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}
