// Package config handles configuration for the theme evolution engine.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration for a processor run.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Generation GenerationConfig `mapstructure:"generation"`
	Thresholds ThresholdConfig  `mapstructure:"thresholds"`
	Processing ProcessingConfig `mapstructure:"processing"`
	NGram      NGramConfig      `mapstructure:"ngram"`
}

// DatabaseConfig contains Postgres/pgvector connection settings.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxConns     int    `mapstructure:"max_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// EmbeddingConfig describes the embedding backend contract (§6).
type EmbeddingConfig struct {
	Model          string        `mapstructure:"model"`
	Dim            int           `mapstructure:"dim"`
	Endpoint       string        `mapstructure:"endpoint"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// GenerationConfig describes the LLM generation backend contract (§6).
type GenerationConfig struct {
	Model          string        `mapstructure:"model"`
	Endpoint       string        `mapstructure:"endpoint"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	PromptBudget   int           `mapstructure:"prompt_budget"`
	RefreshSample  int           `mapstructure:"refresh_sample"`
}

// ThresholdConfig holds every tuned similarity threshold from §4/§6.
type ThresholdConfig struct {
	Match                float64 `mapstructure:"match"`
	Update               float64 `mapstructure:"update"`
	Merge                float64 `mapstructure:"merge"`
	SplitVariance        float64 `mapstructure:"split_variance"`
	DriftUpdate          float64 `mapstructure:"drift_update"`
	MinContribution      float64 `mapstructure:"min_contribution"`
	MinResponsesPerTheme int     `mapstructure:"min_responses_per_theme"`
}

// ProcessingConfig holds batch and concurrency tunables from §5/§6.
type ProcessingConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MaxKeywords      int           `mapstructure:"max_keywords"`
	EmbedParallelism int           `mapstructure:"embed_parallelism"`
	LLMConcurrency   int           `mapstructure:"llm_concurrency"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// NGramConfig controls Highlighter candidate phrase generation.
type NGramConfig struct {
	Unigrams             bool `mapstructure:"unigrams"`
	Bigrams              bool `mapstructure:"bigrams"`
	Trigrams             bool `mapstructure:"trigrams"`
	MinWordLength        int  `mapstructure:"min_word_length"`
	MaxStopwordsInPhrase int  `mapstructure:"max_stopwords_in_phrase"`
}

// Load reads configuration from defaults, a config file in ./configs or
// /configs, and env vars, in that order of increasing precedence; values
// set with viper.Set override all three.
func Load() (*Config, error) {
	viper.SetConfigName("theme-evolution")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/configs")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "theme_evolution")
	viper.SetDefault("database.username", "theme_evolution")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_conns", 10)
	viper.SetDefault("database.max_idle_conns", 5)

	viper.SetDefault("embedding.model", "nomic-embed-text")
	viper.SetDefault("embedding.dim", 768)
	viper.SetDefault("embedding.endpoint", "http://localhost:11434/api/embeddings")
	viper.SetDefault("embedding.timeout", "30s")
	viper.SetDefault("embedding.retry_attempts", 3)
	viper.SetDefault("embedding.retry_base_delay", "500ms")

	viper.SetDefault("generation.model", "llama3.1")
	viper.SetDefault("generation.endpoint", "http://localhost:11434/api/generate")
	viper.SetDefault("generation.timeout", "120s")
	viper.SetDefault("generation.retry_attempts", 3)
	viper.SetDefault("generation.retry_base_delay", "500ms")
	viper.SetDefault("generation.prompt_budget", 12000)
	viper.SetDefault("generation.refresh_sample", 20)

	viper.SetDefault("thresholds.match", 0.75)
	viper.SetDefault("thresholds.update", 0.50)
	viper.SetDefault("thresholds.merge", 0.85)
	viper.SetDefault("thresholds.split_variance", 0.40)
	viper.SetDefault("thresholds.drift_update", 0.20)
	viper.SetDefault("thresholds.min_contribution", 0.05)
	viper.SetDefault("thresholds.min_responses_per_theme", 2)

	viper.SetDefault("processing.batch_size", 100)
	viper.SetDefault("processing.max_keywords", 10)
	viper.SetDefault("processing.embed_parallelism", 8)
	viper.SetDefault("processing.llm_concurrency", 1)
	viper.SetDefault("processing.batch_timeout", "300s")
	viper.SetDefault("processing.shutdown_timeout", "5s")

	viper.SetDefault("ngram.unigrams", true)
	viper.SetDefault("ngram.bigrams", true)
	viper.SetDefault("ngram.trigrams", true)
	viper.SetDefault("ngram.min_word_length", 3)
	viper.SetDefault("ngram.max_stopwords_in_phrase", 1)
}

func bindEnvVars() {
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.host", "THEME_DB_HOST")
	_ = viper.BindEnv("database.port", "THEME_DB_PORT")
	_ = viper.BindEnv("database.database", "THEME_DB_NAME")
	_ = viper.BindEnv("database.username", "THEME_DB_USER")
	_ = viper.BindEnv("database.password", "THEME_DB_PASSWORD")
	_ = viper.BindEnv("database.ssl_mode", "THEME_DB_SSL_MODE")

	_ = viper.BindEnv("embedding.endpoint", "THEME_EMBEDDING_ENDPOINT")
	_ = viper.BindEnv("generation.endpoint", "THEME_GENERATION_ENDPOINT")
}

// validate rejects configuration_invalid states before any state mutation.
func validate(cfg *Config) error {
	if cfg.Embedding.Dim <= 0 {
		return fmt.Errorf("invalid embedding dimension: %d", cfg.Embedding.Dim)
	}
	if cfg.Processing.EmbedParallelism <= 0 {
		return fmt.Errorf("invalid embed_parallelism: %d", cfg.Processing.EmbedParallelism)
	}
	if cfg.Processing.LLMConcurrency <= 0 {
		return fmt.Errorf("invalid llm_concurrency: %d", cfg.Processing.LLMConcurrency)
	}
	if cfg.Thresholds.Match <= 0 || cfg.Thresholds.Match > 1 {
		return fmt.Errorf("invalid thresholds.match: %f", cfg.Thresholds.Match)
	}
	if cfg.Thresholds.Merge <= cfg.Thresholds.Match {
		return fmt.Errorf("thresholds.merge must exceed thresholds.match")
	}
	if cfg.Thresholds.MinResponsesPerTheme < 1 {
		return fmt.Errorf("invalid thresholds.min_responses_per_theme: %d", cfg.Thresholds.MinResponsesPerTheme)
	}
	return nil
}
