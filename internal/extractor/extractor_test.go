package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/resilience"
)

func testConfig(endpoint string) Config {
	return Config{
		Model:         "test-model",
		Endpoint:      endpoint,
		Timeout:       2 * time.Second,
		Retry:         resilience.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		PromptBudget:  12000,
		RefreshSample: 20,
	}
}

func jsonGenerateHandler(response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": response})
	}
}

func TestExtractParsesWellFormedCandidates(t *testing.T) {
	body := `[{"name":"Pricing Concerns","description":"Users feel pricing is too high."},` +
		`{"name":"Onboarding Friction","description":"New users struggle with setup."}]`
	server := httptest.NewServer(jsonGenerateHandler(body))
	defer server.Close()

	resilience.ResetCircuitBreakers()
	e := New(testConfig(server.URL), observability.NewNoopLogger())
	candidates, err := e.Extract(context.Background(), "What do you think of our product?", []string{"too expensive", "hard to set up"}, 1)

	require.NoError(t, err)
	require.Len(t, candidates, 2)
	names := []string{candidates[0].Name, candidates[1].Name}
	assert.Contains(t, names, "Pricing Concerns")
	assert.Contains(t, names, "Onboarding Friction")
}

func TestExtractDedupesCaseFoldedNames(t *testing.T) {
	body := `[{"name":"Pricing","description":"first"},{"name":"pricing","description":"second"}]`
	server := httptest.NewServer(jsonGenerateHandler(body))
	defer server.Close()

	resilience.ResetCircuitBreakers()
	e := New(testConfig(server.URL), observability.NewNoopLogger())
	candidates, err := e.Extract(context.Background(), "q", []string{"a"}, 1)

	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestExtractDropsNamesOverLengthLimit(t *testing.T) {
	longName := ""
	for i := 0; i < 70; i++ {
		longName += "x"
	}
	body := `[{"name":"` + longName + `","description":"too long"},{"name":"Valid Name","description":"kept"}]`
	server := httptest.NewServer(jsonGenerateHandler(body))
	defer server.Close()

	resilience.ResetCircuitBreakers()
	e := New(testConfig(server.URL), observability.NewNoopLogger())
	candidates, err := e.Extract(context.Background(), "q", []string{"a"}, 1)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Valid Name", candidates[0].Name)
}

func TestExtractRetriesOnceOnMalformedReplyThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "not json at all"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": `[{"name":"Fixed","description":"after retry"}]`})
	}))
	defer server.Close()

	resilience.ResetCircuitBreakers()
	e := New(testConfig(server.URL), observability.NewNoopLogger())
	candidates, err := e.Extract(context.Background(), "q", []string{"a"}, 1)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Fixed", candidates[0].Name)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExtractReturnsEmptyListWhenBothAttemptsAreMalformed(t *testing.T) {
	server := httptest.NewServer(jsonGenerateHandler("still not json"))
	defer server.Close()

	resilience.ResetCircuitBreakers()
	e := New(testConfig(server.URL), observability.NewNoopLogger())
	candidates, err := e.Extract(context.Background(), "q", []string{"a"}, 1)

	require.NoError(t, err)
	assert.Nil(t, candidates)
}

func TestExtractPropagatesExhaustedRetryAsGenerationFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	resilience.ResetCircuitBreakers()
	e := New(testConfig(server.URL), observability.NewNoopLogger())
	_, err := e.Extract(context.Background(), "q", []string{"a"}, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestRefreshDescriptionTrimsAndReturnsModelText(t *testing.T) {
	server := httptest.NewServer(jsonGenerateHandler("  A revised one-sentence description.  "))
	defer server.Close()

	resilience.ResetCircuitBreakers()
	e := New(testConfig(server.URL), observability.NewNoopLogger())
	desc, err := e.RefreshDescription(context.Background(), "Pricing", "old description", []string{"still too expensive"})

	require.NoError(t, err)
	assert.Equal(t, "A revised one-sentence description.", desc)
}

func TestRefreshDescriptionSamplesAtMostRefreshSample(t *testing.T) {
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "ok"})
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RefreshSample = 2
	resilience.ResetCircuitBreakers()
	e := New(cfg, observability.NewNoopLogger())

	_, err := e.RefreshDescription(context.Background(), "Theme", "desc", []string{"one", "two", "three", "four"})
	require.NoError(t, err)
	assert.Contains(t, gotPrompt, "- one")
	assert.Contains(t, gotPrompt, "- two")
	assert.NotContains(t, gotPrompt, "- three")
	assert.NotContains(t, gotPrompt, "- four")
}

func TestPackResponsesStrideSamplesWhenOverBudget(t *testing.T) {
	cfg := testConfig("unused")
	cfg.PromptBudget = 20
	e := New(cfg, observability.NewNoopLogger())

	responses := []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc", "dddddddddd", "eeeeeeeeee"}
	packed := e.packResponses(responses)

	assert.NotEmpty(t, packed)
	assert.Less(t, len(packed), len(responses))
}

func TestPackResponsesReturnsAllWhenUnderBudget(t *testing.T) {
	e := New(testConfig("unused"), observability.NewNoopLogger())
	responses := []string{"short one", "short two"}
	packed := e.packResponses(responses)
	assert.Equal(t, responses, packed)
}
