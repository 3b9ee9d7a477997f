package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	cfg, err := Load()
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 10, cfg.Database.MaxConns)

	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 768, cfg.Embedding.Dim)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 3, cfg.Embedding.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Embedding.RetryBaseDelay)

	assert.Equal(t, "llama3.1", cfg.Generation.Model)
	assert.Equal(t, 120*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 12000, cfg.Generation.PromptBudget)
	assert.Equal(t, 20, cfg.Generation.RefreshSample)

	assert.Equal(t, 0.75, cfg.Thresholds.Match)
	assert.Equal(t, 0.50, cfg.Thresholds.Update)
	assert.Equal(t, 0.85, cfg.Thresholds.Merge)
	assert.Equal(t, 0.40, cfg.Thresholds.SplitVariance)
	assert.Equal(t, 0.20, cfg.Thresholds.DriftUpdate)
	assert.Equal(t, 0.05, cfg.Thresholds.MinContribution)
	assert.Equal(t, 2, cfg.Thresholds.MinResponsesPerTheme)

	assert.Equal(t, 100, cfg.Processing.BatchSize)
	assert.Equal(t, 10, cfg.Processing.MaxKeywords)
	assert.Equal(t, 8, cfg.Processing.EmbedParallelism)
	assert.Equal(t, 1, cfg.Processing.LLMConcurrency)
	assert.Equal(t, 300*time.Second, cfg.Processing.BatchTimeout)

	assert.True(t, cfg.NGram.Unigrams)
	assert.True(t, cfg.NGram.Bigrams)
	assert.True(t, cfg.NGram.Trigrams)
	assert.Equal(t, 3, cfg.NGram.MinWordLength)
	assert.Equal(t, 1, cfg.NGram.MaxStopwordsInPhrase)
}

func TestConfigEnvironmentOverrides(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	_ = os.Setenv("THEME_DB_HOST", "db.example.com")
	_ = os.Setenv("THEME_DB_PORT", "5433")
	_ = os.Setenv("THEME_DB_NAME", "prod_db")
	_ = os.Setenv("THEME_DB_USER", "admin")
	_ = os.Setenv("THEME_DB_PASSWORD", "secret")
	_ = os.Setenv("THEME_EMBEDDING_ENDPOINT", "http://embed.internal/api/embeddings")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "prod_db", cfg.Database.Database)
	assert.Equal(t, "admin", cfg.Database.Username)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "http://embed.internal/api/embeddings", cfg.Embedding.Endpoint)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func()
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid configuration",
			setup:   func() {},
			wantErr: false,
		},
		{
			name: "invalid embedding dimension",
			setup: func() {
				viper.Set("embedding.dim", 0)
			},
			wantErr: true,
			errMsg:  "invalid embedding dimension",
		},
		{
			name: "merge threshold not above match threshold",
			setup: func() {
				viper.Set("thresholds.merge", 0.5)
			},
			wantErr: true,
			errMsg:  "thresholds.merge must exceed thresholds.match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			clearEnvVars()
			defer clearEnvVars()

			tt.setup()
			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				if err != nil && tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, cfg)
			}
		})
	}
}

func clearEnvVars() {
	envVars := []string{
		"THEME_DB_HOST",
		"THEME_DB_PORT",
		"THEME_DB_NAME",
		"THEME_DB_USER",
		"THEME_DB_PASSWORD",
		"THEME_DB_SSL_MODE",
		"THEME_EMBEDDING_ENDPOINT",
		"THEME_GENERATION_ENDPOINT",
	}
	for _, v := range envVars {
		_ = os.Unsetenv(v)
	}
}
