package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/timelinehq/timeline/errors"
)

// Load reads configuration from defaults, an optional timeline.toml in the
// working directory, and TIMELINE_-prefixed environment variables.
func Load() (*Config, error) {
	v := initViper()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env are a valid setup
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

func initViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("timeline")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.timeline")

	SetDefaults(v)
	bindEnv(v)

	return v
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("TIMELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Sensitive values are environment-only; bind them explicitly so they
	// resolve even when absent from the config file.
	v.BindEnv("pipeline.llm.api_key", "TIMELINE_PIPELINE_LLM_API_KEY")
	v.BindEnv("pipeline.search.api_key", "TIMELINE_PIPELINE_SEARCH_API_KEY")
}

// SetDefaults applies default values to a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "timeline.db")
	v.SetDefault("server.port", 8780)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.ticker_interval_seconds", 1)
	v.SetDefault("scheduler.default_lookback_days", 7)
	v.SetDefault("pipeline.requests_per_minute", 30)
	v.SetDefault("pipeline.llm.base_url", "https://api.anthropic.com")
	v.SetDefault("pipeline.llm.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("pipeline.llm.max_tokens", 1024)
	v.SetDefault("pipeline.search.base_url", "https://api.exa.ai")
	v.SetDefault("pipeline.search.max_results", 10)
}
