package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	KeyPool   KeyPoolConfig   `yaml:"keypool" mapstructure:"keypool"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Chunker   ChunkerConfig   `yaml:"chunker" mapstructure:"chunker"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Tasks     TasksConfig     `yaml:"tasks" mapstructure:"tasks"`
	Progress  ProgressConfig  `yaml:"progress" mapstructure:"progress"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AnthropicConfig holds completion backend credentials and model settings.
// Keys is the credential pool; Key is accepted as a single-key fallback.
type AnthropicConfig struct {
	Keys        []string `yaml:"keys" mapstructure:"keys"`
	Key         string   `yaml:"key" mapstructure:"key"`
	Model       string   `yaml:"model" mapstructure:"model"`
	MaxTokens   int64    `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64  `yaml:"temperature" mapstructure:"temperature"`
	BaseURL     string   `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// CacheTTL enables prompt caching of stage system prompts: "5m", "1h",
	// or "" to disable.
	CacheTTL    string   `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// Credentials returns the de-duplicated credential list, falling back to the
// single Key when Keys is empty. Entries may themselves be comma separated
// (the SHADOW_ANTHROPIC_KEYS env form).
func (c AnthropicConfig) Credentials() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range c.Keys {
		add(k)
	}
	if len(out) == 0 {
		add(c.Key)
	}
	return out
}

// KeyPoolConfig configures credential cooldown and rate-limit classification.
type KeyPoolConfig struct {
	CooldownSecs      int      `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	RateLimitKeywords []string `yaml:"rate_limit_keywords" mapstructure:"rate_limit_keywords"`
}

// PipelineConfig configures the per-chunk stage graph.
type PipelineConfig struct {
	MaxConcurrentChunks int     `yaml:"max_concurrent_chunks" mapstructure:"max_concurrent_chunks"`
	QualityThreshold    float64 `yaml:"quality_threshold" mapstructure:"quality_threshold"`
	VetoLogicMax        float64 `yaml:"veto_logic_max" mapstructure:"veto_logic_max"`
	MinWords            int     `yaml:"min_words" mapstructure:"min_words"`
	MinMapEntries       int     `yaml:"min_map_entries" mapstructure:"min_map_entries"`
	MinDocumentChars    int     `yaml:"min_document_chars" mapstructure:"min_document_chars"`
}

// ChunkerConfig tunes document segmentation.
type ChunkerConfig struct {
	TargetChars int `yaml:"target_chars" mapstructure:"target_chars"`
	MaxChars    int `yaml:"max_chars" mapstructure:"max_chars"`
	MinChars    int `yaml:"min_chars" mapstructure:"min_chars"`
}

// BatchConfig configures batch submissions.
type BatchConfig struct {
	MaxDocuments           int `yaml:"max_documents" mapstructure:"max_documents"`
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
}

// TasksConfig configures job retention.
type TasksConfig struct {
	MaxAgeHours       int `yaml:"max_age_hours" mapstructure:"max_age_hours"`
	SweepIntervalMins int `yaml:"sweep_interval_mins" mapstructure:"sweep_interval_mins"`
}

// ProgressConfig bounds the per-job event log.
type ProgressConfig struct {
	MaxEventsPerJob int `yaml:"max_events_per_job" mapstructure:"max_events_per_job"`
}

// JinaConfig holds Jina AI reader/search settings for document discovery.
type JinaConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL  string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	SiteFilter     string  `yaml:"site_filter" mapstructure:"site_filter"`
}

// HistoryConfig configures the learning-history store.
type HistoryConfig struct {
	Driver           string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL      string `yaml:"database_url" mapstructure:"database_url"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml and SHADOW_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SHADOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("anthropic.keys", []string{})
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("keypool.cooldown_secs", 60)
	v.SetDefault("keypool.rate_limit_keywords", []string{"rate", "limit", "quota", "exceeded", "too many"})
	v.SetDefault("pipeline.max_concurrent_chunks", 4)
	v.SetDefault("pipeline.quality_threshold", 6.0)
	v.SetDefault("pipeline.veto_logic_max", 0.0)
	v.SetDefault("pipeline.min_words", 8)
	v.SetDefault("pipeline.min_map_entries", 2)
	v.SetDefault("pipeline.min_document_chars", 50)
	v.SetDefault("chunker.target_chars", 1200)
	v.SetDefault("chunker.max_chars", 2000)
	v.SetDefault("chunker.min_chars", 200)
	v.SetDefault("batch.max_documents", 10)
	v.SetDefault("batch.max_concurrent_documents", 1)
	v.SetDefault("tasks.max_age_hours", 24)
	v.SetDefault("tasks.sweep_interval_mins", 30)
	v.SetDefault("progress.max_events_per_job", 5000)
	v.SetDefault("jina.key", "")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.requests_per_sec", 2.0)
	v.SetDefault("jina.site_filter", "ted.com")
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.database_url", "shadow.db")
	v.SetDefault("history.breaker_threshold", 5)
	v.SetDefault("history.breaker_reset_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required by mode are set. Supported modes
// are "serve", "run", and "batch". All problems are reported in one error.
func (c *Config) Validate(mode string) error {
	var missing []string

	if len(c.Anthropic.Credentials()) == 0 {
		missing = append(missing, "anthropic.keys is required")
	}
	if c.Anthropic.Model == "" {
		missing = append(missing, "anthropic.model is required")
	}
	if c.Pipeline.MaxConcurrentChunks < 1 {
		missing = append(missing, "pipeline.max_concurrent_chunks must be >= 1")
	}
	switch c.Anthropic.CacheTTL {
	case "", "5m", "1h":
	default:
		missing = append(missing, fmt.Sprintf("anthropic.cache_ttl %q must be 5m, 1h or empty", c.Anthropic.CacheTTL))
	}
	if c.KeyPool.CooldownSecs < 0 {
		missing = append(missing, "keypool.cooldown_secs must be >= 0")
	}
	if c.Chunker.TargetChars < 1 {
		missing = append(missing, "chunker.target_chars must be >= 1")
	}
	if c.Chunker.MaxChars < c.Chunker.TargetChars {
		missing = append(missing, "chunker.max_chars must be >= chunker.target_chars")
	}
	if c.Chunker.MinChars < 0 || c.Chunker.MinChars > c.Chunker.TargetChars {
		missing = append(missing, "chunker.min_chars must be between 0 and chunker.target_chars")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port is required")
		}
		fallthrough
	case "batch":
		if c.Jina.Key == "" {
			missing = append(missing, "jina.key is required")
		}
		if c.Batch.MaxDocuments < 1 {
			missing = append(missing, "batch.max_documents must be >= 1")
		}
	case "run":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.History.Driver {
	case "sqlite", "postgres", "none":
	default:
		missing = append(missing, fmt.Sprintf("history.driver %q is not supported", c.History.Driver))
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger configures the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
