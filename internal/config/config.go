// Package config loads service configuration from an optional YAML file
// and SBSEARCH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Index    IndexConfig    `mapstructure:"index"`
	Ephem    EphemConfig    `mapstructure:"ephem"`
	Provider ProviderConfig `mapstructure:"provider"`
	Search   SearchConfig   `mapstructure:"search"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr       string `mapstructure:"addr"`
	TrustProxy bool   `mapstructure:"trust_proxy"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

type IndexConfig struct {
	// MeshLevel sets the tessellation depth; level 6 cells are about one
	// degree across.
	MeshLevel int `mapstructure:"mesh_level"`
}

type EphemConfig struct {
	SampleBudget  int           `mapstructure:"sample_budget"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	CacheDir      string        `mapstructure:"cache_dir"`
	CacheFiles    int           `mapstructure:"cache_files"`
}

type ProviderConfig struct {
	HorizonsURL    string        `mapstructure:"horizons_url"`
	HorizonsCenter string        `mapstructure:"horizons_center"`
	HorizonsRPS    float64       `mapstructure:"horizons_rps"`
	MPCURL         string        `mapstructure:"mpc_url"`
	MPCRPS         float64       `mapstructure:"mpc_rps"`
	ResolverSize   int           `mapstructure:"resolver_size"`
	ResolverTTL    time.Duration `mapstructure:"resolver_ttl"`
}

type SearchConfig struct {
	EnvelopeStep       time.Duration `mapstructure:"envelope_step"`
	VerifyStep         time.Duration `mapstructure:"verify_step"`
	SafetyMarginArcsec float64       `mapstructure:"safety_margin_arcsec"`
	Workers            int           `mapstructure:"workers"`
	BodyConcurrency    int           `mapstructure:"body_concurrency"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration. path may be empty, in which case only
// defaults and environment variables apply. Environment variables use the
// SBSEARCH_ prefix with underscores, e.g. SBSEARCH_HTTP_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token", "")
	v.SetDefault("index.mesh_level", 6)
	v.SetDefault("ephem.sample_budget", 500_000)
	v.SetDefault("ephem.fetch_timeout", 2*time.Minute)
	v.SetDefault("ephem.retry_attempts", 4)
	v.SetDefault("ephem.retry_base", 500*time.Millisecond)
	v.SetDefault("ephem.retry_max", 30*time.Second)
	v.SetDefault("ephem.cache_dir", "/var/lib/sbsearch/ephem")
	v.SetDefault("ephem.cache_files", 64)
	v.SetDefault("provider.horizons_url", "")
	v.SetDefault("provider.horizons_center", "500")
	v.SetDefault("provider.horizons_rps", 1.0)
	v.SetDefault("provider.mpc_url", "")
	v.SetDefault("provider.mpc_rps", 1.0)
	v.SetDefault("provider.resolver_size", 1024)
	v.SetDefault("provider.resolver_ttl", time.Hour)
	v.SetDefault("search.envelope_step", 6*time.Hour)
	v.SetDefault("search.verify_step", time.Hour)
	v.SetDefault("search.safety_margin_arcsec", 10.0)
	v.SetDefault("search.workers", 4)
	v.SetDefault("search.body_concurrency", 4)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("SBSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.Enabled && c.Auth.Token == "" {
		return errors.New("auth.token is required when auth is enabled")
	}
	if c.Index.MeshLevel < 0 {
		return fmt.Errorf("index.mesh_level must be non-negative, got %d", c.Index.MeshLevel)
	}
	if c.Ephem.SampleBudget <= 0 {
		return fmt.Errorf("ephem.sample_budget must be positive, got %d", c.Ephem.SampleBudget)
	}
	if c.Search.EnvelopeStep <= 0 || c.Search.VerifyStep <= 0 {
		return errors.New("search steps must be positive durations")
	}
	return nil
}
