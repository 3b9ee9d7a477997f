// Package main is the entry point for the theme evolution processor.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/devmesh-labs/theme-evolution/internal/config"
	"github.com/devmesh-labs/theme-evolution/internal/embedclient"
	"github.com/devmesh-labs/theme-evolution/internal/evolver"
	"github.com/devmesh-labs/theme-evolution/internal/extractor"
	"github.com/devmesh-labs/theme-evolution/internal/highlighter"
	"github.com/devmesh-labs/theme-evolution/internal/models"
	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/processor"
	"github.com/devmesh-labs/theme-evolution/internal/resilience"
	"github.com/devmesh-labs/theme-evolution/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		showVersion     = flag.Bool("version", false, "Show version information")
		inputPath       = flag.String("input", "", "Path to a file of newline-delimited batch inputs (defaults to stdin)")
		migrationsPath  = flag.String("migrations", "file://migrations", "Migration source URL")
		continueOnError = flag.Bool("continue-on-error", false, "Keep processing remaining batches after a batch fails")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("theme-evolution-processor\nVersion: %s\nBuild Time: %s\n", version, buildTime)
		os.Exit(0)
	}

	logger := observability.NewStandardLogger("processor")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx := context.Background()

	db, err := connectDatabase(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("failed to close database connection", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	if err := store.Migrate(db.DB, *migrationsPath); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	proc := wireProcessor(db, cfg, logger)

	inputs, err := readBatchInputs(*inputPath)
	if err != nil {
		log.Fatalf("failed to read batch inputs: %v", err)
	}
	if len(inputs) == 0 {
		logger.Info("no batches to process", nil)
		return
	}

	results, errs := proc.ProcessMany(ctx, inputs, *continueOnError)

	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			logger.Error("failed to encode batch result", map[string]interface{}{"error": err.Error()})
		}
	}
	for _, e := range errs {
		logger.Error("batch failed", map[string]interface{}{"error": e.Error()})
	}
	if len(errs) > 0 {
		os.Exit(1)
	}
}

// wireProcessor assembles the Processor from its injected capabilities,
// following the thresholds and concurrency tunables in cfg.
func wireProcessor(db *sqlx.DB, cfg *config.Config, logger observability.Logger) *processor.Processor {
	st := store.NewPostgresStore(db, logger)

	embedder := embedclient.New(embedclient.Config{
		Model:       cfg.Embedding.Model,
		Dim:         cfg.Embedding.Dim,
		Endpoint:    cfg.Embedding.Endpoint,
		Timeout:     cfg.Embedding.Timeout,
		Parallelism: cfg.Processing.EmbedParallelism,
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.Embedding.RetryAttempts,
			BaseDelay:  cfg.Embedding.RetryBaseDelay,
			MaxDelay:   4 * time.Second,
			Multiplier: 2.0,
		},
	}, st, logger)

	ex := extractor.New(extractor.Config{
		Model:         cfg.Generation.Model,
		Endpoint:      cfg.Generation.Endpoint,
		Timeout:       cfg.Generation.Timeout,
		PromptBudget:  cfg.Generation.PromptBudget,
		RefreshSample: cfg.Generation.RefreshSample,
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.Generation.RetryAttempts,
			BaseDelay:  cfg.Generation.RetryBaseDelay,
			MaxDelay:   4 * time.Second,
			Multiplier: 2.0,
		},
	}, logger)

	hl := highlighter.New(highlighter.Config{
		Unigrams:             cfg.NGram.Unigrams,
		Bigrams:              cfg.NGram.Bigrams,
		Trigrams:             cfg.NGram.Trigrams,
		MinWordLength:        cfg.NGram.MinWordLength,
		MaxStopwordsInPhrase: cfg.NGram.MaxStopwordsInPhrase,
		MinContribution:      cfg.Thresholds.MinContribution,
		MaxKeywords:          cfg.Processing.MaxKeywords,
	}, embedder)

	evolverCfg := evolver.Config{
		Thresholds:           cfg.Thresholds,
		MinResponsesPerTheme: cfg.Thresholds.MinResponsesPerTheme,
	}

	processorCfg := processor.Config{
		BatchTimeout:     cfg.Processing.BatchTimeout,
		EmbedParallelism: cfg.Processing.EmbedParallelism,
	}

	return processor.New(st, embedder, ex, hl, evolverCfg, processorCfg, logger)
}

// readBatchInputs reads one JSON-encoded models.BatchInput per line from
// path, or stdin when path is empty.
func readBatchInputs(path string) ([]models.BatchInput, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var inputs []models.BatchInput
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var input models.BatchInput
		if err := json.Unmarshal(line, &input); err != nil {
			return nil, fmt.Errorf("decode batch input: %w", err)
		}
		inputs = append(inputs, input)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan input: %w", err)
	}
	return inputs, nil
}

// connectDatabase establishes the Postgres connection with bounded
// exponential-backoff retries, since the database may still be starting
// up when the processor launches in a container alongside it.
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode)

	const maxAttempts = 10
	baseDelay := time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err == nil {
			db.SetMaxOpenConns(cfg.MaxConns)
			db.SetMaxIdleConns(cfg.MaxIdleConns)
			logger.Info("database connection established", map[string]interface{}{"host": cfg.Host, "database": cfg.Database})
			return db, nil
		}
		lastErr = err

		delay := baseDelay * time.Duration(1<<uint(attempt))
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		logger.Warn("database connection failed, retrying", map[string]interface{}{
			"attempt": attempt + 1, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxAttempts, lastErr)
}
