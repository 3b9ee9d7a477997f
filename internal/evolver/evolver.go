// Package evolver implements the Evolver (C5): the five ordered
// operations that match responses to the live theme catalog and mutate
// that catalog as evidence accumulates - dedupe, merge, split, and
// description refresh, plus the retroactive assignment rewrites each
// mutation requires.
package evolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/devmesh-labs/theme-evolution/internal/config"
	"github.com/devmesh-labs/theme-evolution/internal/extractor"
	"github.com/devmesh-labs/theme-evolution/internal/models"
	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/vectormath"
)

// Store is the capability subset the Evolver needs from C1. The
// Processor injects either the PostgresStore or a test fake.
type Store interface {
	NextThemeID(ctx context.Context) (int64, error)
	PutTheme(ctx context.Context, t *models.Theme) error
	UpdateTheme(ctx context.Context, t *models.Theme) error
	PutAssignment(ctx context.Context, a *models.Assignment) error
	RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error)
	MoveAssignment(ctx context.Context, responseID, fromTheme, toTheme, batchID int64) error
	FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, activeOnly bool) ([]models.SimilarityMatch, error)
	AppendEvolution(ctx context.Context, e *models.EvolutionEntry) error
	ListAssignmentsForTheme(ctx context.Context, themeID int64) ([]*models.Assignment, error)
	GetResponse(ctx context.Context, responseID int64) (*models.Response, error)
}

// Extractor is the capability subset the Evolver needs from C3: naming
// split children and refreshing drifted descriptions.
type Extractor interface {
	Extract(ctx context.Context, question string, responses []string, batchID int64) ([]extractor.Candidate, error)
	RefreshDescription(ctx context.Context, themeName, currentDescription string, newResponses []string) (string, error)
}

// Embedder is the capability subset the Evolver needs from C2.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config carries the tuned thresholds and minima the Evolver's
// operations reconcile against (§6).
type Config struct {
	Thresholds           config.ThresholdConfig
	MinResponsesPerTheme int
}

// Evolver is the C5 component.
type Evolver struct {
	store     Store
	extractor Extractor
	embedder  Embedder
	cfg       Config
	logger    observability.Logger
}

// New wires an Evolver against its injected capabilities.
func New(store Store, ex Extractor, embedder Embedder, cfg Config, logger observability.Logger) *Evolver {
	if cfg.MinResponsesPerTheme <= 0 {
		cfg.MinResponsesPerTheme = 2
	}
	return &Evolver{store: store, extractor: ex, embedder: embedder, cfg: cfg, logger: logger.WithPrefix("evolver")}
}

// ThemeMatch is one response-to-theme candidate produced by matching.
type ThemeMatch struct {
	ThemeID    int64
	Similarity float64
}

// MatchResult is the outcome of matching a set of responses against a
// set of active themes (§4.5(a)).
type MatchResult struct {
	// Matches maps response index (within the slice passed to
	// MatchToExisting) to every theme it was assigned to, similarity >=
	// tau_match, multi-label.
	Matches map[int][]ThemeMatch
	// Near maps theme id to the indices of responses whose similarity
	// fell in [tau_update, tau_match) - the pool considered for
	// description refresh.
	Near map[int64][]int
}

// MatchToExisting implements §4.5(a): for each response, find up to 3
// candidate themes with similarity >= tau_update; those reaching
// tau_match are assigned (multi-label), the remainder are recorded as
// near candidates contributing to description-refresh eligibility.
func (e *Evolver) MatchToExisting(ctx context.Context, responses []*models.Response, activeThemes []*models.Theme) (*MatchResult, error) {
	result := &MatchResult{Matches: map[int][]ThemeMatch{}, Near: map[int64][]int{}}
	if len(activeThemes) == 0 {
		return result, nil
	}

	for i, r := range responses {
		candidates, err := e.store.FindSimilarThemes(ctx, r.Embedding, e.cfg.Thresholds.Update, 3, true)
		if err != nil {
			return nil, fmt.Errorf("match to existing: %w", err)
		}
		for _, c := range candidates {
			if c.Similarity >= e.cfg.Thresholds.Match {
				result.Matches[i] = append(result.Matches[i], ThemeMatch{ThemeID: c.ID, Similarity: c.Similarity})
			} else {
				result.Near[c.ID] = append(result.Near[c.ID], i)
			}
		}
	}
	return result, nil
}

// DedupeResult is the outcome of reconciling freshly extracted
// candidates against the live catalog (§4.5(b)).
type DedupeResult struct {
	// NewThemes holds the candidates that were not near-duplicates of
	// anything active; each has already been persisted with a fresh id.
	NewThemes []*models.Theme
	// MergedInto maps a dropped candidate's index (into the slice passed
	// to DedupeCandidates) to the existing theme its intended responses
	// should be assigned to instead.
	MergedInto map[int]int64
	// Entries records one "created" EvolutionEntry per new theme, in
	// creation order, for the caller to fold into the batch result.
	Entries []models.EvolutionEntry
}

// DedupeCandidates implements §4.5(b): a candidate whose embedding has
// cosine similarity >= tau_merge against any active theme is dropped in
// favor of that theme; the rest become new active themes, created_at_batch
// set to the current batch.
func (e *Evolver) DedupeCandidates(ctx context.Context, candidates []extractor.Candidate, embeddings [][]float32, batchID int64) (*DedupeResult, error) {
	result := &DedupeResult{MergedInto: map[int]int64{}}

	for i, cand := range candidates {
		matches, err := e.store.FindSimilarThemes(ctx, embeddings[i], e.cfg.Thresholds.Merge, 1, true)
		if err != nil {
			return nil, fmt.Errorf("dedupe candidates: %w", err)
		}
		if len(matches) > 0 {
			result.MergedInto[i] = matches[0].ID
			continue
		}

		id, err := e.store.NextThemeID(ctx)
		if err != nil {
			return nil, fmt.Errorf("dedupe candidates: allocate theme id: %w", err)
		}
		now := time.Now()
		theme := &models.Theme{
			ID:               id,
			Name:             cand.Name,
			Description:      cand.Description,
			Embedding:        embeddings[i],
			Status:           models.ThemeStatusActive,
			CreatedAtBatch:   batchID,
			LastUpdatedBatch: batchID,
			ResponseCount:    0,
			Metadata:         map[string]interface{}{},
			CreatedAt:        now,
		}
		if err := e.store.PutTheme(ctx, theme); err != nil {
			return nil, fmt.Errorf("dedupe candidates: persist new theme: %w", err)
		}
		entry := models.EvolutionEntry{
			BatchID:   batchID,
			Action:    models.EvolutionActionCreated,
			ThemeID:   id,
			CreatedAt: now,
		}
		if err := e.store.AppendEvolution(ctx, &entry); err != nil {
			return nil, fmt.Errorf("dedupe candidates: log creation: %w", err)
		}
		result.NewThemes = append(result.NewThemes, theme)
		result.Entries = append(result.Entries, entry)
	}

	return result, nil
}

// DetectMerges implements §4.5(c): an O(T^2) pairwise comparison of all
// active themes, merging any pair whose similarity reaches tau_merge.
// transitioned tracks which theme ids have already changed state this
// batch (merge survivor or split parent/child); DetectMerges both
// respects and extends it so a theme never transitions twice in one
// batch.
func (e *Evolver) DetectMerges(ctx context.Context, activeThemes []*models.Theme, transitioned map[int64]bool, batchID int64) ([]models.EvolutionEntry, error) {
	var entries []models.EvolutionEntry

	themes := make([]*models.Theme, 0, len(activeThemes))
	for _, t := range activeThemes {
		if !transitioned[t.ID] {
			themes = append(themes, t)
		}
	}

	for i := 0; i < len(themes); i++ {
		for j := i + 1; j < len(themes); j++ {
			a, b := themes[i], themes[j]
			if transitioned[a.ID] || transitioned[b.ID] {
				continue
			}
			sim := vectormath.CosineSimilarity(a.Embedding, b.Embedding)
			if sim < e.cfg.Thresholds.Merge {
				continue
			}

			survivor, loser := a, b
			if loser.ResponseCount > survivor.ResponseCount ||
				(loser.ResponseCount == survivor.ResponseCount && loser.ID < survivor.ID) {
				survivor, loser = loser, survivor
			}

			entry, err := e.mergeThemes(ctx, survivor, loser, batchID)
			if err != nil {
				return nil, err
			}
			entries = append(entries, *entry)
			transitioned[survivor.ID] = true
			transitioned[loser.ID] = true
		}
	}

	return entries, nil
}

func (e *Evolver) mergeThemes(ctx context.Context, survivor, loser *models.Theme, batchID int64) (*models.EvolutionEntry, error) {
	newEmbedding := vectormath.WeightedAverage(
		survivor.Embedding, float64(survivor.ResponseCount),
		loser.Embedding, float64(loser.ResponseCount),
	)

	affected, err := e.store.RewriteAssignments(ctx, loser.ID, survivor.ID, batchID)
	if err != nil {
		return nil, fmt.Errorf("merge themes: rewrite assignments: %w", err)
	}

	survivor.Embedding = newEmbedding
	survivor.ResponseCount += loser.ResponseCount
	survivor.LastUpdatedBatch = batchID
	if err := e.store.UpdateTheme(ctx, survivor); err != nil {
		return nil, fmt.Errorf("merge themes: update survivor: %w", err)
	}

	loser.Status = models.ThemeStatusMerged
	loser.ParentThemeID = &survivor.ID
	loser.ResponseCount = 0
	loser.LastUpdatedBatch = batchID
	if err := e.store.UpdateTheme(ctx, loser); err != nil {
		return nil, fmt.Errorf("merge themes: update loser: %w", err)
	}

	entry := &models.EvolutionEntry{
		BatchID:               batchID,
		Action:                models.EvolutionActionMerged,
		ThemeID:               survivor.ID,
		RelatedThemeID:        &loser.ID,
		AffectedResponseCount: affected,
		CreatedAt:             time.Now(),
	}
	if err := e.store.AppendEvolution(ctx, entry); err != nil {
		return nil, fmt.Errorf("merge themes: log: %w", err)
	}
	return entry, nil
}

// SplitResult is the outcome of a committed split.
type SplitResult struct {
	Entry    models.EvolutionEntry
	Children []*models.Theme
}

// DetectSplits implements §4.5(d) for a single theme: triggered when the
// theme has at least 2*min_responses_per_theme assignments and their
// intra-cluster variance exceeds tau_split_variance. Returns nil if the
// theme doesn't qualify or the resulting clusters are too small to
// commit.
func (e *Evolver) DetectSplits(ctx context.Context, theme *models.Theme, question string, transitioned map[int64]bool, batchID int64) (*SplitResult, error) {
	if transitioned[theme.ID] {
		return nil, nil
	}

	assignments, err := e.store.ListAssignmentsForTheme(ctx, theme.ID)
	if err != nil {
		return nil, fmt.Errorf("detect splits: list assignments: %w", err)
	}
	if len(assignments) < e.cfg.MinResponsesPerTheme*2 {
		return nil, nil
	}

	responses := make([]*models.Response, len(assignments))
	embeddings := make([][]float32, len(assignments))
	for i, a := range assignments {
		r, err := e.store.GetResponse(ctx, a.ResponseID)
		if err != nil {
			return nil, fmt.Errorf("detect splits: get response: %w", err)
		}
		responses[i] = r
		embeddings[i] = r.Embedding
	}

	centroid := vectormath.Centroid(embeddings)
	variance := vectormath.Variance(centroid, embeddings)
	if variance <= e.cfg.Thresholds.SplitVariance {
		return nil, nil
	}

	clusterA, clusterB, centroidA, centroidB := vectormath.KMeans2(embeddings, 25)
	if len(clusterA) < e.cfg.MinResponsesPerTheme || len(clusterB) < e.cfg.MinResponsesPerTheme {
		e.logger.Info("split abandoned: cluster below minimum size", map[string]interface{}{
			"theme_id": theme.ID, "cluster_a": len(clusterA), "cluster_b": len(clusterB),
		})
		return nil, nil
	}

	childA, err := e.promoteChild(ctx, theme, question, responses, clusterA, centroidA, batchID)
	if err != nil {
		return nil, fmt.Errorf("detect splits: promote child A: %w", err)
	}
	childB, err := e.promoteChild(ctx, theme, question, responses, clusterB, centroidB, batchID)
	if err != nil {
		return nil, fmt.Errorf("detect splits: promote child B: %w", err)
	}

	for _, idx := range clusterA {
		if err := e.store.MoveAssignment(ctx, responses[idx].ID, theme.ID, childA.ID, batchID); err != nil {
			return nil, fmt.Errorf("detect splits: move assignment to child A: %w", err)
		}
	}
	for _, idx := range clusterB {
		if err := e.store.MoveAssignment(ctx, responses[idx].ID, theme.ID, childB.ID, batchID); err != nil {
			return nil, fmt.Errorf("detect splits: move assignment to child B: %w", err)
		}
	}

	theme.Status = models.ThemeStatusSplit
	theme.ResponseCount = 0
	theme.LastUpdatedBatch = batchID
	if err := e.store.UpdateTheme(ctx, theme); err != nil {
		return nil, fmt.Errorf("detect splits: retire parent: %w", err)
	}

	entry := models.EvolutionEntry{
		BatchID:               batchID,
		Action:                models.EvolutionActionSplit,
		ThemeID:               theme.ID,
		AffectedResponseCount: len(clusterA) + len(clusterB),
		CreatedAt:             time.Now(),
		Details: map[string]interface{}{
			"child_a": childA.ID,
			"child_b": childB.ID,
		},
	}
	if err := e.store.AppendEvolution(ctx, &entry); err != nil {
		return nil, fmt.Errorf("detect splits: log: %w", err)
	}

	transitioned[theme.ID] = true
	transitioned[childA.ID] = true
	transitioned[childB.ID] = true

	return &SplitResult{Entry: entry, Children: []*models.Theme{childA, childB}}, nil
}

func (e *Evolver) promoteChild(ctx context.Context, parent *models.Theme, question string, responses []*models.Response, members []int, centroid []float32, batchID int64) (*models.Theme, error) {
	texts := make([]string, len(members))
	for i, idx := range members {
		texts[i] = responses[idx].Text
	}

	name := fmt.Sprintf("%s (split)", parent.Name)
	description := parent.Description
	if candidates, err := e.extractor.Extract(ctx, question, texts, batchID); err == nil && len(candidates) > 0 {
		name = candidates[0].Name
		description = candidates[0].Description
	}

	id, err := e.store.NextThemeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate child theme id: %w", err)
	}
	child := &models.Theme{
		ID:               id,
		Name:             name,
		Description:      description,
		Embedding:        centroid,
		Status:           models.ThemeStatusActive,
		CreatedAtBatch:   batchID,
		LastUpdatedBatch: batchID,
		ParentThemeID:    &parent.ID,
		ResponseCount:    len(members),
		Metadata:         map[string]interface{}{},
		CreatedAt:        time.Now(),
	}
	if err := e.store.PutTheme(ctx, child); err != nil {
		return nil, fmt.Errorf("persist child theme: %w", err)
	}
	return child, nil
}

// RefreshDescriptions implements §4.5(e): every theme that accumulated
// at least 3 new-or-near responses this batch gets an Extractor refresh;
// the new description/embedding replaces the old only if the drift
// exceeds tau_drift_update.
func (e *Evolver) RefreshDescriptions(ctx context.Context, themes []*models.Theme, newResponseTexts map[int64][]string, batchID int64) ([]models.EvolutionEntry, error) {
	var entries []models.EvolutionEntry

	for _, theme := range themes {
		texts := newResponseTexts[theme.ID]
		if len(texts) < 3 {
			continue
		}

		newDescription, err := e.extractor.RefreshDescription(ctx, theme.Name, theme.Description, texts)
		if err != nil {
			return nil, fmt.Errorf("refresh descriptions: theme %d: %w", theme.ID, err)
		}
		if newDescription == "" {
			continue
		}

		newEmbedding, err := e.embedder.Embed(ctx, newDescription)
		if err != nil {
			return nil, fmt.Errorf("refresh descriptions: embed theme %d: %w", theme.ID, err)
		}

		drift := vectormath.CosineDistance(theme.Embedding, newEmbedding)
		if drift <= e.cfg.Thresholds.DriftUpdate {
			continue
		}

		theme.Description = newDescription
		theme.Embedding = newEmbedding
		theme.LastUpdatedBatch = batchID
		if err := e.store.UpdateTheme(ctx, theme); err != nil {
			return nil, fmt.Errorf("refresh descriptions: update theme %d: %w", theme.ID, err)
		}

		entry := models.EvolutionEntry{
			BatchID:               batchID,
			Action:                models.EvolutionActionUpdated,
			ThemeID:               theme.ID,
			AffectedResponseCount: len(texts),
			CreatedAt:             time.Now(),
			Details:               map[string]interface{}{"drift": drift},
		}
		if err := e.store.AppendEvolution(ctx, &entry); err != nil {
			return nil, fmt.Errorf("refresh descriptions: log theme %d: %w", theme.ID, err)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ThemeID < entries[j].ThemeID })
	return entries, nil
}
