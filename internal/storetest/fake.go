// Package storetest provides an in-memory fake implementing the full
// store.Store contract, used across the Evolver and Processor test
// suites in place of a live Postgres/pgvector backend, matching the
// fake-substitution approach the test suite uses for every
// remote-backed capability (§9).
package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/devmesh-labs/theme-evolution/internal/models"
	"github.com/devmesh-labs/theme-evolution/internal/store"
	"github.com/devmesh-labs/theme-evolution/internal/vectormath"
)

// FakeStore is a brute-force, mutex-guarded in-memory Store. Vector
// similarity queries scan every row rather than use an approximate
// index, which trivially clears the spec's recall-vs-brute-force bar
// since it IS the brute force.
type FakeStore struct {
	mu sync.Mutex

	responses   map[int64]*models.Response
	themes      map[int64]*models.Theme
	assignments map[string]*models.Assignment // "responseID:themeID" -> assignment
	evolution   []models.EvolutionEntry
	batches     map[int64]*models.BatchMetadata
	cache       map[string]*models.EmbeddingCacheEntry

	nextResponseID int64
	nextThemeID    int64
}

// New returns an empty FakeStore.
func New() *FakeStore {
	return &FakeStore{
		responses:   map[int64]*models.Response{},
		themes:      map[int64]*models.Theme{},
		assignments: map[string]*models.Assignment{},
		batches:     map[int64]*models.BatchMetadata{},
		cache:       map[string]*models.EmbeddingCacheEntry{},
	}
}

func key(responseID, themeID int64) string {
	return fmt.Sprintf("%d:%d", responseID, themeID)
}

func (f *FakeStore) PutResponse(ctx context.Context, r *models.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	cp.Embedding = vectormath.NormalizeL2(r.Embedding)
	f.responses[r.ID] = &cp
	return nil
}

func (f *FakeStore) PutTheme(ctx context.Context, t *models.Theme) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.themes[t.ID]; exists {
		return store.ErrIntegrityConflict
	}
	cp := *t
	cp.Embedding = vectormath.NormalizeL2(t.Embedding)
	f.themes[t.ID] = &cp
	if t.ID > f.nextThemeID {
		f.nextThemeID = t.ID
	}
	return nil
}

func (f *FakeStore) UpdateTheme(ctx context.Context, t *models.Theme) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.themes[t.ID]; !exists {
		return store.ErrNotFound
	}
	cp := *t
	cp.Embedding = vectormath.NormalizeL2(t.Embedding)
	f.themes[t.ID] = &cp
	return nil
}

func (f *FakeStore) SoftRetireTheme(ctx context.Context, themeID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.themes[themeID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = models.ThemeStatusRetired
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	t.Metadata["retire_reason"] = reason
	return nil
}

func (f *FakeStore) NextResponseID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextResponseID++
	return f.nextResponseID, nil
}

func (f *FakeStore) NextThemeID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextThemeID++
	return f.nextThemeID, nil
}

func (f *FakeStore) PutAssignment(ctx context.Context, a *models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.assignments[key(a.ResponseID, a.ThemeID)] = &cp
	return nil
}

func (f *FakeStore) RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var moved []*models.Assignment
	for k, a := range f.assignments {
		if a.ThemeID == fromTheme {
			moved = append(moved, a)
			delete(f.assignments, k)
		}
	}
	count := 0
	for _, a := range moved {
		existingKey := key(a.ResponseID, toTheme)
		a.ThemeID = toTheme
		a.LastUpdatedBatch = batchID
		f.assignments[existingKey] = a
		count++
	}
	return count, nil
}

func (f *FakeStore) MoveAssignment(ctx context.Context, responseID, fromTheme, toTheme, batchID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fromKey := key(responseID, fromTheme)
	a, ok := f.assignments[fromKey]
	if !ok {
		return store.ErrNotFound
	}
	delete(f.assignments, fromKey)
	a.ThemeID = toTheme
	a.LastUpdatedBatch = batchID
	f.assignments[key(responseID, toTheme)] = a
	return nil
}

func (f *FakeStore) FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, activeOnly bool) ([]models.SimilarityMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []models.SimilarityMatch
	for _, t := range f.themes {
		if activeOnly && t.Status != models.ThemeStatusActive {
			continue
		}
		sim := vectormath.CosineSimilarity(vec, t.Embedding)
		if sim >= minCos {
			matches = append(matches, models.SimilarityMatch{ID: t.ID, Similarity: sim})
		}
	}
	sortBySimilarityDesc(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (f *FakeStore) FindSimilarResponses(ctx context.Context, vec []float32, minCos float64, k int) ([]models.SimilarityMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []models.SimilarityMatch
	for _, r := range f.responses {
		sim := vectormath.CosineSimilarity(vec, r.Embedding)
		if sim >= minCos {
			matches = append(matches, models.SimilarityMatch{ID: r.ID, Similarity: sim})
		}
	}
	sortBySimilarityDesc(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func sortBySimilarityDesc(matches []models.SimilarityMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Similarity > matches[j-1].Similarity; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

func (f *FakeStore) AppendEvolution(ctx context.Context, e *models.EvolutionEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.evolution = append(f.evolution, cp)
	return nil
}

func (f *FakeStore) PutBatchMetadata(ctx context.Context, m *models.BatchMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.batches[m.BatchID]; exists {
		return store.ErrIntegrityConflict
	}
	cp := *m
	f.batches[m.BatchID] = &cp
	return nil
}

func (f *FakeStore) CacheGet(ctx context.Context, hash string) (*models.EmbeddingCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[hash], nil
}

func (f *FakeStore) CachePut(ctx context.Context, hash string, vec []float32, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[hash] = &models.EmbeddingCacheEntry{TextHash: hash, Embedding: vectormath.NormalizeL2(vec), ModelName: model}
	return nil
}

func (f *FakeStore) GetTheme(ctx context.Context, themeID int64) (*models.Theme, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.themes[themeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *FakeStore) ListActiveThemes(ctx context.Context) ([]*models.Theme, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Theme
	for _, t := range f.themes {
		if t.Status == models.ThemeStatusActive {
			out = append(out, t) // shared pointer: callers mutate in place like the real Store's within-batch object identity
		}
	}
	return out, nil
}

func (f *FakeStore) ListAssignmentsForTheme(ctx context.Context, themeID int64) ([]*models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Assignment
	for _, a := range f.assignments {
		if a.ThemeID == themeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *FakeStore) GetResponse(ctx context.Context, responseID int64) (*models.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.responses[responseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *FakeStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	active := 0
	for _, t := range f.themes {
		if t.Status == models.ThemeStatusActive {
			active++
		}
	}
	return map[string]interface{}{
		"active_themes":     int64(active),
		"total_responses":   int64(len(f.responses)),
		"total_assignments": int64(len(f.assignments)),
		"cache_entries":     int64(len(f.cache)),
	}, nil
}

// WithTx runs fn directly against the same fake - there is no real
// transaction to begin, but a returned error from fn still means the
// caller should treat every write fn made as uncommitted. The fake does
// not roll writes back on error: every write fn made before failing stays
// visible to later reads and to the accessors below.
func (f *FakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, f)
}

// Themes exposes a snapshot of every stored theme, keyed by id, for test
// assertions.
func (f *FakeStore) Themes() map[int64]*models.Theme {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]*models.Theme, len(f.themes))
	for id, t := range f.themes {
		cp := *t
		out[id] = &cp
	}
	return out
}

// Responses exposes a snapshot of every stored response for test
// assertions.
func (f *FakeStore) Responses() map[int64]*models.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]*models.Response, len(f.responses))
	for id, r := range f.responses {
		cp := *r
		out[id] = &cp
	}
	return out
}

// Assignments exposes a snapshot of every stored assignment for test
// assertions.
func (f *FakeStore) Assignments() []*models.Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Assignment, 0, len(f.assignments))
	for _, a := range f.assignments {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// EvolutionLog exposes every appended EvolutionEntry in append order.
func (f *FakeStore) EvolutionLog() []models.EvolutionEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EvolutionEntry, len(f.evolution))
	copy(out, f.evolution)
	return out
}

var _ store.Store = (*FakeStore)(nil)
