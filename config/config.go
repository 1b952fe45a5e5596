// Package config manages timeline configuration via Viper.
//
// Configuration is read from a TOML file (timeline.toml) merged with
// TIMELINE_-prefixed environment variables. API keys are environment-only
// so they never land in a config file on disk.
package config

// Config represents the timeline daemon configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// QueueConfig configures the invocation delay queue
type QueueConfig struct {
	Workers               int `mapstructure:"workers"`                 // concurrent deliveries (default: 4)
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // dispatch poll interval (default: 1)
}

// SchedulerConfig configures the workflow runner
type SchedulerConfig struct {
	DefaultLookbackDays int `mapstructure:"default_lookback_days"` // first-run fallback window (default: 7)
}

// PipelineConfig configures the three-stage analysis pipeline
type PipelineConfig struct {
	RequestsPerMinute int          `mapstructure:"requests_per_minute"` // client-side rate limit across LLM calls
	LLM               LLMConfig    `mapstructure:"llm"`
	Search            SearchConfig `mapstructure:"search"`
}

// LLMConfig configures the chat-model client used by the interpret and
// synthesize stages
type LLMConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"` // env only: TIMELINE_PIPELINE_LLM_API_KEY
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// SearchConfig configures the retrieval-stage search client
type SearchConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"` // env only: TIMELINE_PIPELINE_SEARCH_API_KEY
	MaxResults int    `mapstructure:"max_results"`
}
