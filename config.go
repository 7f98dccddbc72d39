package lattice

import (
	"github.com/spf13/viper"

	"github.com/lattice-orm/lattice/errs"
)

// Config holds the tunable engine settings.
type Config struct {
	// IncludeDepthLimit bounds the number of dots in an include path.
	IncludeDepthLimit int `mapstructure:"include_depth_limit"`

	// QueryDefaultLimit is the page size applied when none is requested.
	QueryDefaultLimit int `mapstructure:"query_default_limit"`

	// QueryMaxLimit caps the requested page size. Larger requests are
	// clamped, not rejected.
	QueryMaxLimit int `mapstructure:"query_max_limit"`

	// EnablePaginationCounts toggles the extra COUNT query behind
	// offset-mode total/pageCount metadata.
	EnablePaginationCounts bool `mapstructure:"enable_pagination_counts"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		IncludeDepthLimit:      3,
		QueryDefaultLimit:      25,
		QueryMaxLimit:          100,
		EnablePaginationCounts: true,
	}
}

// LoadConfig reads lattice.yml (or lattice.yaml) from the working directory,
// falling back to defaults when no file exists. Environment variables
// override file values.
func LoadConfig() (Config, error) {
	v := viper.New()

	v.SetDefault("include_depth_limit", 3)
	v.SetDefault("query_default_limit", 25)
	v.SetDefault("query_max_limit", 100)
	v.SetDefault("enable_pagination_counts", true)

	v.SetConfigName("lattice")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("lattice")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, errs.Configuration("failed to read config file: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Configuration("failed to unmarshal config: %v", err)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// withDefaults replaces zero or out-of-range settings with the built-in
// defaults so a partially filled Config never yields a zero page size
// downstream.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IncludeDepthLimit < 1 {
		c.IncludeDepthLimit = d.IncludeDepthLimit
	}
	if c.QueryDefaultLimit < 1 {
		c.QueryDefaultLimit = d.QueryDefaultLimit
	}
	if c.QueryMaxLimit < c.QueryDefaultLimit {
		c.QueryMaxLimit = c.QueryDefaultLimit
	}
	return c
}

func validateConfig(cfg Config) error {
	if cfg.IncludeDepthLimit < 1 {
		return errs.Configuration("include_depth_limit must be positive, got %d", cfg.IncludeDepthLimit)
	}
	if cfg.QueryDefaultLimit < 1 {
		return errs.Configuration("query_default_limit must be positive, got %d", cfg.QueryDefaultLimit)
	}
	if cfg.QueryMaxLimit < cfg.QueryDefaultLimit {
		return errs.Configuration("query_max_limit %d is below query_default_limit %d",
			cfg.QueryMaxLimit, cfg.QueryDefaultLimit)
	}
	return nil
}
