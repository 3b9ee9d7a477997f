// Package extractor implements the Extractor (C3): LLM-driven theme
// proposal and description refresh over a batch of responses.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/resilience"
)

// ErrGenerationFailed wraps any exhausted-retry failure talking to the LLM
// generation backend (§7).
var ErrGenerationFailed = errors.New("generation_failed")

const maxNameChars = 60

// Candidate is a proposed theme name+description before it is embedded
// and reconciled against the catalog by the Evolver.
type Candidate struct {
	Name        string
	Description string
}

// Config configures the Extractor's backend contract, context budget, and
// resilience policy.
type Config struct {
	Model         string
	Endpoint      string
	Timeout       time.Duration
	Retry         resilience.RetryConfig
	PromptBudget  int // L_prompt, default 12000
	RefreshSample int // N_refresh, default 20
}

// Extractor is the C3 component.
type Extractor struct {
	cfg     Config
	http    *http.Client
	logger  observability.Logger
	breaker resilience.CircuitBreakerConfig
}

// New wires an Extractor against the generation backend described by cfg.
func New(cfg Config, logger observability.Logger) *Extractor {
	return &Extractor{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.WithPrefix("extractor"),
		breaker: resilience.DefaultCircuitBreakerConfig("generation-backend"),
	}
}

// Extract asks the model for 2-10 candidate themes for a batch of responses
// under a shared question; the count of items in the reply is not enforced. Responses are packed in insertion order up to
// cfg.PromptBudget characters; if the batch exceeds it, responses are
// stride-sampled so every batch produces some candidates. A malformed
// model reply is retried once with a stricter instruction; a second
// failure yields an empty list rather than a fatal error.
func (e *Extractor) Extract(ctx context.Context, question string, responses []string, batchID int64) ([]Candidate, error) {
	packed := e.packResponses(responses)
	prompt := buildExtractPrompt(question, packed, false)

	raw, err := e.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	candidates, parseErr := parseCandidates(raw)
	if parseErr == nil {
		return candidates, nil
	}

	e.logger.Warn("extractor_parse_failed, retrying with stricter instruction", map[string]interface{}{
		"batch_id": batchID,
		"error":    parseErr.Error(),
	})

	strictPrompt := buildExtractPrompt(question, packed, true)
	raw, err = e.generate(ctx, strictPrompt)
	if err != nil {
		return nil, err
	}

	candidates, parseErr = parseCandidates(raw)
	if parseErr != nil {
		e.logger.Warn("extractor_parse_failed", map[string]interface{}{
			"batch_id": batchID,
			"error":    parseErr.Error(),
		})
		return nil, nil
	}
	return candidates, nil
}

// RefreshDescription asks the model for a revised one-sentence
// description that stays faithful to both the existing description and
// up to cfg.RefreshSample freshly assigned responses.
func (e *Extractor) RefreshDescription(ctx context.Context, themeName, currentDescription string, newResponses []string) (string, error) {
	sample := newResponses
	if len(sample) > e.cfg.RefreshSample {
		sample = sample[:e.cfg.RefreshSample]
	}

	prompt := buildRefreshPrompt(themeName, currentDescription, sample)
	raw, err := e.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func (e *Extractor) packResponses(responses []string) []string {
	joined := strings.Join(responses, "\n")
	if len(joined) <= e.cfg.PromptBudget {
		return responses
	}

	// Deterministic stride sampling preserves ordering while fitting the
	// context budget.
	budget := e.cfg.PromptBudget
	stride := (len(joined) / budget) + 1
	if stride < 1 {
		stride = 1
	}

	sampled := make([]string, 0, len(responses)/stride+1)
	used := 0
	for i := 0; i < len(responses); i += stride {
		r := responses[i]
		if used+len(r) > budget && len(sampled) > 0 {
			break
		}
		sampled = append(sampled, r)
		used += len(r)
	}
	if len(sampled) == 0 && len(responses) > 0 {
		sampled = append(sampled, responses[0])
	}
	return sampled
}

func buildExtractPrompt(question string, responses []string, strict bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nResponses:\n", question)
	for _, r := range responses {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	b.WriteString("\nIdentify 2 to 10 recurring themes across these responses. ")
	b.WriteString("Return a JSON array of objects with \"name\" (<=60 characters) and \"description\" fields. ")
	if strict {
		b.WriteString("Return ONLY the JSON array with no surrounding text, markdown, or commentary.")
	}
	return b.String()
}

func buildRefreshPrompt(themeName, currentDescription string, sample []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\nCurrent description: %s\n\nNew responses assigned to this theme:\n", themeName, currentDescription)
	for _, r := range sample {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	b.WriteString("\nWrite one revised sentence describing this theme that stays faithful to both the existing description and the new responses.")
	return b.String()
}

type rawCandidate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func parseCandidates(raw string) ([]Candidate, error) {
	jsonSlice := extractJSONArray(raw)
	if jsonSlice == "" {
		return nil, fmt.Errorf("no JSON array found in model output")
	}

	var parsed []rawCandidate
	if err := json.Unmarshal([]byte(jsonSlice), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse candidate JSON: %w", err)
	}

	seen := map[string]bool{}
	var candidates []Candidate
	for _, p := range parsed {
		name := strings.TrimSpace(p.Name)
		desc := strings.TrimSpace(p.Description)
		if name == "" || desc == "" {
			continue
		}
		if len(name) > maxNameChars {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		candidates = append(candidates, Candidate{Name: name, Description: desc})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no valid candidates after filtering")
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates, nil
}

func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (e *Extractor) generate(ctx context.Context, prompt string) (string, error) {
	result, err := resilience.Execute(e.breaker, func() (string, error) {
		var out string
		retryErr := resilience.RetryWithBackoff(ctx, e.cfg.Retry, e.logger, func() error {
			text, callErr := e.callGenerationEndpoint(ctx, prompt)
			if callErr != nil {
				return callErr
			}
			out = text
			return nil
		})
		return out, retryErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return result, nil
}

func (e *Extractor) callGenerationEndpoint(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: e.cfg.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read generation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation backend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w", err)
	}
	return parsed.Response, nil
}
