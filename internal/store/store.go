// Package store is the durable catalog (C1): responses, themes,
// assignments, the evolution log, batch metadata, and the embedding
// cache, plus the vector similarity queries every other component relies
// on. Store owns every persisted row; all other components hold only
// in-memory copies within a batch.
package store

import (
	"context"

	"github.com/devmesh-labs/theme-evolution/internal/models"
)

// Store is the capability interface injected into the Evolver and
// Processor. Tests substitute an in-memory fake; production wires the
// Postgres implementation.
type Store interface {
	PutResponse(ctx context.Context, r *models.Response) error
	PutTheme(ctx context.Context, t *models.Theme) error
	UpdateTheme(ctx context.Context, t *models.Theme) error
	SoftRetireTheme(ctx context.Context, themeID int64, reason string) error

	// NextResponseID and NextThemeID allocate a fresh primary key from the
	// table's own sequence before the caller builds the row to insert -
	// the Evolver and Processor need an id up front (e.g. to set
	// parent_theme_id on children before they exist as rows).
	NextResponseID(ctx context.Context) (int64, error)
	NextThemeID(ctx context.Context) (int64, error)

	PutAssignment(ctx context.Context, a *models.Assignment) error
	RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error)

	// MoveAssignment retargets a single response's assignment from one
	// theme to another - the per-response counterpart to
	// RewriteAssignments, used by split detection when individual
	// responses are distributed across two new child themes by nearest
	// centroid rather than moved en masse.
	MoveAssignment(ctx context.Context, responseID, fromTheme, toTheme, batchID int64) error

	FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, activeOnly bool) ([]models.SimilarityMatch, error)
	FindSimilarResponses(ctx context.Context, vec []float32, minCos float64, k int) ([]models.SimilarityMatch, error)

	AppendEvolution(ctx context.Context, e *models.EvolutionEntry) error
	PutBatchMetadata(ctx context.Context, m *models.BatchMetadata) error

	CacheGet(ctx context.Context, hash string) (*models.EmbeddingCacheEntry, error)
	CachePut(ctx context.Context, hash string, vec []float32, model string) error

	GetTheme(ctx context.Context, themeID int64) (*models.Theme, error)
	ListActiveThemes(ctx context.Context) ([]*models.Theme, error)
	ListAssignmentsForTheme(ctx context.Context, themeID int64) ([]*models.Assignment, error)
	GetResponse(ctx context.Context, responseID int64) (*models.Response, error)

	Stats(ctx context.Context) (map[string]interface{}, error)

	// WithTx runs fn inside a single logical transaction; when fn returns
	// an error all writes performed by fn are rolled back together (a
	// panic in fn is not recovered), satisfying the
	// batch-is-one-transaction requirement in §4.1.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
