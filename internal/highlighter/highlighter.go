// Package highlighter implements the Highlighter (C4): picking the
// substrings of a response whose embeddings best explain its similarity
// to an assigned theme.
package highlighter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/devmesh-labs/theme-evolution/internal/models"
	"github.com/devmesh-labs/theme-evolution/internal/vectormath"
)

// Embedder is the capability interface the Highlighter needs from C2 -
// embedding of candidate phrases, cached and deduplicated by the caller.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Config configures n-gram generation and scoring thresholds (§6 n-gram
// and thresholds blocks).
type Config struct {
	Unigrams             bool
	Bigrams              bool
	Trigrams             bool
	MinWordLength        int
	MaxStopwordsInPhrase int
	MinContribution      float64
	MaxKeywords          int
}

// Highlighter is the C4 component.
type Highlighter struct {
	cfg      Config
	embedder Embedder
}

// New wires a Highlighter against its embedding capability.
func New(cfg Config, embedder Embedder) *Highlighter {
	return &Highlighter{cfg: cfg, embedder: embedder}
}

type token struct {
	word  string
	start int
}

type candidate struct {
	phrase    string
	positions []int
	firstSeen int
}

// Highlight scores every n-gram candidate in responseText by its marginal
// contribution to the similarity between responseEmbedding and
// themeEmbedding, returning up to cfg.MaxKeywords highlights sorted by
// descending score with all scores >= cfg.MinContribution.
func (h *Highlighter) Highlight(ctx context.Context, responseText string, responseEmbedding, themeEmbedding []float32) ([]models.Highlight, error) {
	candidates := h.candidates(responseText)
	if len(candidates) == 0 {
		return nil, nil
	}

	phrases := make([]string, len(candidates))
	for i, c := range candidates {
		phrases[i] = c.phrase
	}

	embeddings, err := h.embedder.EmbedMany(ctx, phrases)
	if err != nil {
		return nil, fmt.Errorf("failed to embed highlight candidates: %w", err)
	}

	responseSim := vectormath.CosineSimilarity(themeEmbedding, responseEmbedding)

	highlights := make([]models.Highlight, 0, len(candidates))
	for i, c := range candidates {
		candidateSim := vectormath.CosineSimilarity(themeEmbedding, embeddings[i])
		score := candidateSim - responseSim
		if score < h.cfg.MinContribution {
			continue
		}
		highlights = append(highlights, models.Highlight{
			Phrase:    c.phrase,
			Score:     score,
			Positions: c.positions,
		})
	}

	sort.SliceStable(highlights, func(i, j int) bool {
		if highlights[i].Score != highlights[j].Score {
			return highlights[i].Score > highlights[j].Score
		}
		if len(highlights[i].Phrase) != len(highlights[j].Phrase) {
			return len(highlights[i].Phrase) > len(highlights[j].Phrase)
		}
		return highlights[i].Positions[0] < highlights[j].Positions[0]
	})

	if h.cfg.MaxKeywords > 0 && len(highlights) > h.cfg.MaxKeywords {
		highlights = highlights[:h.cfg.MaxKeywords]
	}
	return highlights, nil
}

// candidates enumerates unigram/bigram/trigram phrases from text: all
// unigrams, then all bigrams, then all trigrams, each group in the order
// of first occurrence, deduplicated with every character offset recorded.
func (h *Highlighter) candidates(text string) []candidate {
	tokens := tokenize(text)

	order := make([]string, 0, len(tokens))
	byPhrase := map[string]*candidate{}

	addNGram := func(n int) {
		if len(tokens) < n {
			return
		}
		for i := 0; i+n <= len(tokens); i++ {
			window := tokens[i : i+n]
			if !h.acceptNGram(window) {
				continue
			}
			words := make([]string, n)
			for j, t := range window {
				words[j] = t.word
			}
			phrase := strings.Join(words, " ")
			if existing, ok := byPhrase[phrase]; ok {
				existing.positions = append(existing.positions, window[0].start)
				continue
			}
			c := &candidate{phrase: phrase, positions: []int{window[0].start}, firstSeen: window[0].start}
			byPhrase[phrase] = c
			order = append(order, phrase)
		}
	}

	if h.cfg.Unigrams {
		addNGram(1)
	}
	if h.cfg.Bigrams {
		addNGram(2)
	}
	if h.cfg.Trigrams {
		addNGram(3)
	}

	result := make([]candidate, 0, len(order))
	for _, phrase := range order {
		result = append(result, *byPhrase[phrase])
	}
	return result
}

// acceptNGram enforces the min-token-length and at-most-one-stopword
// rules over a contiguous window of tokens.
func (h *Highlighter) acceptNGram(window []token) bool {
	stopwordCount := 0
	for _, t := range window {
		if isStopword(t.word) {
			stopwordCount++
			continue
		}
		if len(t.word) < h.cfg.MinWordLength {
			return false
		}
	}
	return stopwordCount <= h.cfg.MaxStopwordsInPhrase
}

// tokenize splits text on runs of characters other than letters, digits
// and apostrophes, lowercasing each token and recording its starting character offset in
// the original text.
func tokenize(text string) []token {
	var tokens []token
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		if !isWordRune(runes[i]) {
			i++
			continue
		}
		start := i
		var sb strings.Builder
		for i < len(runes) && isWordRune(runes[i]) {
			sb.WriteRune(unicode.ToLower(runes[i]))
			i++
		}
		tokens = append(tokens, token{word: sb.String(), start: start})
	}
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}
