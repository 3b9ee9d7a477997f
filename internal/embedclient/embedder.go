// Package embedclient implements the Embedder (C2): text to fixed-dimension
// unit vector, with a content-hashed read-through cache and a batch API.
package embedclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/resilience"
	"github.com/devmesh-labs/theme-evolution/internal/store"
	"github.com/devmesh-labs/theme-evolution/internal/vectormath"
)

// ErrEmbeddingFailed wraps any exhausted-retry failure talking to the
// embedding backend (§7).
var ErrEmbeddingFailed = errors.New("embedding_failed")

// Config configures the Embedder's backend contract and resilience policy.
type Config struct {
	Model          string
	Dim            int
	Endpoint       string
	Timeout        time.Duration
	Retry          resilience.RetryConfig
	Parallelism    int
}

// Embedder is the C2 component: a content-hash-cached, retrying,
// circuit-broken client for the fixed `/embeddings` HTTP contract (§6).
type Embedder struct {
	cfg     Config
	cache   store.Store
	http    *http.Client
	logger  observability.Logger
	breaker resilience.CircuitBreakerConfig
}

// New wires an Embedder against its content-addressed cache (the Store)
// and the embedding backend described by cfg.
func New(cfg Config, cache store.Store, logger observability.Logger) *Embedder {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Embedder{
		cfg:     cfg,
		cache:   cache,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.WithPrefix("embedder"),
		breaker: resilience.DefaultCircuitBreakerConfig("embedding-backend"),
	}
}

// Embed embeds a single text. Empty or whitespace-only input returns the
// zero vector of length Dim and never reaches the backend.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedMany embeds a batch of texts. Cache hits are served without network
// traffic; identical texts that miss the cache are fetched once and share
// the result; misses are grouped and sent as individual remote calls bounded
// by cfg.Parallelism (the embedding backend's `/embeddings` contract in §6
// takes one prompt per call, so "batched" here means "fanned out", not a
// single multi-prompt request).
func (e *Embedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	misses := make([]int, 0, len(texts))
	firstMiss := map[string]int{}
	duplicates := map[int][]int{}

	for i, text := range texts {
		if isBlank(text) {
			results[i] = make([]float32, e.cfg.Dim)
			continue
		}
		if first, ok := firstMiss[text]; ok {
			duplicates[first] = append(duplicates[first], i)
			continue
		}

		hash := contentHash(e.cfg.Model, text)
		cached, err := e.cache.CacheGet(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("%w: cache lookup: %v", ErrEmbeddingFailed, err)
		}
		if cached != nil {
			results[i] = cached.Embedding
			continue
		}
		firstMiss[text] = i
		misses = append(misses, i)
	}

	if len(misses) == 0 {
		return results, nil
	}

	err := resilience.RunBounded(ctx, e.cfg.Parallelism, len(misses), func(ctx context.Context, j int) error {
		i := misses[j]
		vec, err := e.embedRemote(ctx, texts[i])
		if err != nil {
			return err
		}
		vec = vectormath.NormalizeL2(vec)
		results[i] = vec

		hash := contentHash(e.cfg.Model, texts[i])
		if cacheErr := e.cache.CachePut(ctx, hash, vec, e.cfg.Model); cacheErr != nil {
			e.logger.Warn("failed to populate embedding cache", map[string]interface{}{"error": cacheErr.Error()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for first, later := range duplicates {
		for _, i := range later {
			results[i] = results[first]
		}
	}

	return results, nil
}

func (e *Embedder) embedRemote(ctx context.Context, text string) ([]float32, error) {
	vec, err := resilience.Execute(e.breaker, func() ([]float32, error) {
		var result []float32
		retryErr := resilience.RetryWithBackoff(ctx, e.cfg.Retry, e.logger, func() error {
			v, callErr := e.callEmbeddingEndpoint(ctx, text)
			if callErr != nil {
				return callErr
			}
			result = v
			return nil
		})
		return result, retryErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *Embedder) callEmbeddingEndpoint(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding backend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Embedding) != e.cfg.Dim {
		return nil, fmt.Errorf("embedding backend returned dimension %d, expected %d", len(parsed.Embedding), e.cfg.Dim)
	}
	return parsed.Embedding, nil
}

// contentHash is the SHA-256 of the input text prefixed by the model
// name (§4.2), rendered as the 64-hex digest embedding_cache.text_hash
// stores (§6) - the model name is folded into the hashed bytes rather
// than concatenated onto the digest so two models never collide while
// the column stays a plain 64-character hash.
func contentHash(model, text string) string {
	sum := sha256.Sum256([]byte(model + ":" + text))
	return hex.EncodeToString(sum[:])
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
