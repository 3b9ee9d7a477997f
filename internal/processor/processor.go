// Package processor implements the Processor (C6): the orchestration of
// a single batch end to end, owning the transaction boundary between
// the immutable response log and the mutable theme catalog.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devmesh-labs/theme-evolution/internal/evolver"
	"github.com/devmesh-labs/theme-evolution/internal/extractor"
	"github.com/devmesh-labs/theme-evolution/internal/models"
	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/resilience"
	"github.com/devmesh-labs/theme-evolution/internal/store"
)

// Embedder is the capability subset the Processor needs from C2.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor is the capability subset the Processor needs from C3.
type Extractor interface {
	Extract(ctx context.Context, question string, responses []string, batchID int64) ([]extractor.Candidate, error)
	RefreshDescription(ctx context.Context, themeName, currentDescription string, newResponses []string) (string, error)
}

// Highlighter is the capability subset the Processor needs from C4.
type Highlighter interface {
	Highlight(ctx context.Context, responseText string, responseEmbedding, themeEmbedding []float32) ([]models.Highlight, error)
}

// Config holds the Processor's own tunables (§5/§6).
type Config struct {
	BatchTimeout     time.Duration
	EmbedParallelism int
}

// Processor is the C6 component.
type Processor struct {
	store       store.Store
	embedder    Embedder
	extractor   Extractor
	highlighter Highlighter
	evolverCfg  evolver.Config
	cfg         Config
	logger      observability.Logger
}

// New wires a Processor against its injected capabilities.
func New(st store.Store, embedder Embedder, ex Extractor, hl Highlighter, evolverCfg evolver.Config, cfg Config, logger observability.Logger) *Processor {
	if cfg.EmbedParallelism <= 0 {
		cfg.EmbedParallelism = 8
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 300 * time.Second
	}
	return &Processor{
		store:       st,
		embedder:    embedder,
		extractor:   ex,
		highlighter: hl,
		evolverCfg:  evolverCfg,
		cfg:         cfg,
		logger:      logger.WithPrefix("processor"),
	}
}

// ProcessBatch implements §4.6's pipeline. Responses are embedded and
// persisted first, in their own commit (they are immutable and survive
// even if the rest of the batch fails); the candidate extraction,
// matching, highlighting, and catalog-mutation steps that follow run in
// a second transaction that either commits together or rolls back
// together, so a failed batch never leaves partial assignments or
// theme mutations behind.
func (p *Processor) ProcessBatch(ctx context.Context, input models.BatchInput) (*models.BatchResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	start := time.Now()

	responses, err := p.ingestResponses(ctx, input)
	if err != nil {
		return nil, err
	}

	var result *models.BatchResult
	err = p.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		r, err := p.evolveAndAssign(ctx, tx, input, responses, start)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, err
	}

	return result, nil
}

// ProcessMany processes batches sequentially in the given order (theme
// state is shared mutable, so batches never run concurrently). Without
// continueOnError, the first failure aborts every remaining batch;
// with it, each failure is reported independently and theme state is as
// of the last successful batch.
func (p *Processor) ProcessMany(ctx context.Context, inputs []models.BatchInput, continueOnError bool) ([]*models.BatchResult, []error) {
	var results []*models.BatchResult
	var errs []error

	for _, input := range inputs {
		result, err := p.ProcessBatch(ctx, input)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", input.BatchID, err))
			if !continueOnError {
				break
			}
			continue
		}
		results = append(results, result)
	}

	return results, errs
}

func validateInput(input models.BatchInput) error {
	if input.BatchID <= 0 {
		return fmt.Errorf("%w: batch_id must be positive", ErrInputInvalid)
	}
	if strings.TrimSpace(input.Question) == "" {
		return fmt.Errorf("%w: question must not be blank", ErrInputInvalid)
	}
	if len(input.Responses) == 0 {
		return fmt.Errorf("%w: responses must not be empty", ErrInputInvalid)
	}
	return nil
}

// ingestResponses is pipeline step (1): embed and persist every response
// of the batch, committed independently of everything that follows.
func (p *Processor) ingestResponses(ctx context.Context, input models.BatchInput) ([]*models.Response, error) {
	vectors, err := p.embedder.EmbedMany(ctx, input.Responses)
	if err != nil {
		return nil, fmt.Errorf("ingest responses: embed: %w", err)
	}

	responses := make([]*models.Response, len(input.Responses))
	now := time.Now()
	err = p.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		for i, text := range input.Responses {
			id, err := tx.NextResponseID(ctx)
			if err != nil {
				return fmt.Errorf("allocate response id: %w", err)
			}
			r := &models.Response{
				ID:          id,
				BatchID:     input.BatchID,
				Question:    input.Question,
				Text:        text,
				Embedding:   vectors[i],
				ProcessedAt: now,
			}
			if err := tx.PutResponse(ctx, r); err != nil {
				return fmt.Errorf("persist response %d: %w", i, err)
			}
			responses[i] = r
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest responses: %w", err)
	}
	return responses, nil
}

// evolveAndAssign is pipeline steps (2)-(7), run inside the single
// transaction that owns candidate extraction through evolution-log
// commit.
func (p *Processor) evolveAndAssign(ctx context.Context, tx store.Store, input models.BatchInput, responses []*models.Response, start time.Time) (*models.BatchResult, error) {
	ev := evolver.New(tx, p.extractor, p.embedder, p.evolverCfg, p.logger)

	preBatchThemes, err := tx.ListActiveThemes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active themes: %w", err)
	}

	candidates, candidateEmbeddings, err := p.extractCandidates(ctx, input)
	if err != nil {
		return nil, err
	}

	matchOld, err := ev.MatchToExisting(ctx, responses, preBatchThemes)
	if err != nil {
		return nil, err
	}

	dedupe, err := ev.DedupeCandidates(ctx, candidates, candidateEmbeddings, input.BatchID)
	if err != nil {
		return nil, err
	}

	// "assign responses across old+new themes" (§2): a second matching
	// pass against only the freshly created themes, since they did not
	// exist for matchOld's pass over the pre-batch catalog.
	matchNew := &evolver.MatchResult{Matches: map[int][]evolver.ThemeMatch{}, Near: map[int64][]int{}}
	if len(dedupe.NewThemes) > 0 {
		matchNew, err = ev.MatchToExisting(ctx, responses, dedupe.NewThemes)
		if err != nil {
			return nil, err
		}
	}

	themeByID := map[int64]*models.Theme{}
	for _, t := range preBatchThemes {
		themeByID[t.ID] = t
	}
	for _, t := range dedupe.NewThemes {
		themeByID[t.ID] = t
	}

	assignmentCount, refreshPool, err := p.assignAndHighlight(ctx, tx, input, responses, themeByID, matchOld, matchNew)
	if err != nil {
		return nil, err
	}

	for themeID, delta := range assignmentCount {
		theme := themeByID[themeID]
		theme.ResponseCount += delta
		theme.LastUpdatedBatch = input.BatchID
		if err := tx.UpdateTheme(ctx, theme); err != nil {
			return nil, fmt.Errorf("update theme response count: %w", err)
		}
	}

	activeThemes := make([]*models.Theme, 0, len(themeByID))
	for _, t := range themeByID {
		if t.Status == models.ThemeStatusActive {
			activeThemes = append(activeThemes, t)
		}
	}

	transitioned := map[int64]bool{}
	mergeEntries, err := ev.DetectMerges(ctx, activeThemes, transitioned, input.BatchID)
	if err != nil {
		return nil, err
	}

	var splitEntries []models.EvolutionEntry
	for _, theme := range activeThemes {
		if theme.Status != models.ThemeStatusActive || transitioned[theme.ID] {
			continue
		}
		split, err := ev.DetectSplits(ctx, theme, input.Question, transitioned, input.BatchID)
		if err != nil {
			return nil, err
		}
		if split != nil {
			splitEntries = append(splitEntries, split.Entry)
		}
	}

	refreshTargets := make([]*models.Theme, 0, len(activeThemes))
	for _, theme := range activeThemes {
		if theme.Status == models.ThemeStatusActive && !transitioned[theme.ID] {
			refreshTargets = append(refreshTargets, theme)
		}
	}
	refreshEntries, err := ev.RefreshDescriptions(ctx, refreshTargets, refreshPool, input.BatchID)
	if err != nil {
		return nil, err
	}

	entries := append([]models.EvolutionEntry{}, dedupe.Entries...)
	entries = append(entries, mergeEntries...)
	entries = append(entries, splitEntries...)
	entries = append(entries, refreshEntries...)

	metadata := &models.BatchMetadata{
		BatchID:               input.BatchID,
		CorrelationID:         uuid.New().String(),
		Question:              input.Question,
		TotalResponses:        len(responses),
		NewThemesCount:        len(dedupe.NewThemes) + 2*len(splitEntries),
		UpdatedThemesCount:    len(refreshEntries) + len(mergeEntries),
		DeletedThemesCount:    len(mergeEntries) + len(splitEntries),
		ProcessingTimeSeconds: time.Since(start).Seconds(),
		ProcessedAt:           time.Now(),
	}
	if err := tx.PutBatchMetadata(ctx, metadata); err != nil {
		return nil, fmt.Errorf("persist batch metadata: %w", err)
	}
	p.logger.Info("batch processed", map[string]interface{}{
		"batch_id":       input.BatchID,
		"correlation_id": metadata.CorrelationID,
	})

	return &models.BatchResult{
		BatchID:               input.BatchID,
		CorrelationID:         metadata.CorrelationID,
		Question:              input.Question,
		ProcessingTimeSeconds: metadata.ProcessingTimeSeconds,
		TotalResponses:        metadata.TotalResponses,
		ThemesCreated:         metadata.NewThemesCount,
		ThemesUpdated:         metadata.UpdatedThemesCount,
		ThemesDeleted:         metadata.DeletedThemesCount,
		EvolutionEntries:      entries,
	}, nil
}

// extractCandidates runs the Extractor over every non-blank response in
// the batch and embeds each candidate's description for dedupe/creation
// comparisons. A batch of entirely blank responses (S6) yields no
// candidates and makes no LLM call.
func (p *Processor) extractCandidates(ctx context.Context, input models.BatchInput) ([]extractor.Candidate, [][]float32, error) {
	nonBlank := make([]string, 0, len(input.Responses))
	for _, r := range input.Responses {
		if strings.TrimSpace(r) != "" {
			nonBlank = append(nonBlank, r)
		}
	}
	if len(nonBlank) == 0 {
		return nil, nil, nil
	}

	candidates, err := p.extractor.Extract(ctx, input.Question, nonBlank, input.BatchID)
	if err != nil {
		return nil, nil, fmt.Errorf("extract candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Name + ": " + c.Description
	}
	embeddings, err := p.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed candidates: %w", err)
	}
	return candidates, embeddings, nil
}

type highlightJob struct {
	responseIdx int
	themeID     int64
	similarity  float64
}

// assignAndHighlight is pipeline step (4)-(5): for every response/theme
// match, compute highlights (fanned out across independent pairs, bounded
// by EmbedParallelism - the E2 concurrency point of §5) then persist each
// assignment sequentially, since a single store transaction is not safe
// for concurrent writers. Returns the per-theme assignment-count delta
// (to update response_count) and the per-theme pool of response texts
// eligible for description refresh (new matches plus near candidates of
// pre-batch themes; near candidates of the batch's new themes are not used).
func (p *Processor) assignAndHighlight(ctx context.Context, tx store.Store, input models.BatchInput, responses []*models.Response, themeByID map[int64]*models.Theme, matchOld, matchNew *evolver.MatchResult) (map[int64]int, map[int64][]string, error) {
	jobs := collectHighlightJobs(matchOld, matchNew)

	highlights := make([][]models.Highlight, len(jobs))
	err := resilience.RunBounded(ctx, p.cfg.EmbedParallelism, len(jobs), func(ctx context.Context, i int) error {
		job := jobs[i]
		theme := themeByID[job.themeID]
		r := responses[job.responseIdx]
		hl, err := p.highlighter.Highlight(ctx, r.Text, r.Embedding, theme.Embedding)
		if err != nil {
			return fmt.Errorf("highlight response %d theme %d: %w", r.ID, job.themeID, err)
		}
		highlights[i] = hl
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	delta := map[int64]int{}
	refreshPool := map[int64][]string{}
	for i, job := range jobs {
		r := responses[job.responseIdx]
		a := &models.Assignment{
			ResponseID:          r.ID,
			ThemeID:             job.themeID,
			Confidence:          job.similarity,
			HighlightedKeywords: highlights[i],
			AssignedAtBatch:     input.BatchID,
			LastUpdatedBatch:    input.BatchID,
		}
		if err := tx.PutAssignment(ctx, a); err != nil {
			return nil, nil, fmt.Errorf("persist assignment: %w", err)
		}
		delta[job.themeID]++
		refreshPool[job.themeID] = append(refreshPool[job.themeID], r.Text)
	}

	for themeID, idxs := range matchOld.Near {
		for _, idx := range idxs {
			refreshPool[themeID] = append(refreshPool[themeID], responses[idx].Text)
		}
	}

	return delta, refreshPool, nil
}

func collectHighlightJobs(matchOld, matchNew *evolver.MatchResult) []highlightJob {
	var jobs []highlightJob
	for responseIdx, matches := range matchOld.Matches {
		for _, m := range matches {
			jobs = append(jobs, highlightJob{responseIdx: responseIdx, themeID: m.ThemeID, similarity: m.Similarity})
		}
	}
	for responseIdx, matches := range matchNew.Matches {
		for _, m := range matches {
			jobs = append(jobs, highlightJob{responseIdx: responseIdx, themeID: m.ThemeID, similarity: m.Similarity})
		}
	}
	return jobs
}
