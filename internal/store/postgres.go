package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/devmesh-labs/theme-evolution/internal/models"
	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/vectormath"
)

// dbExecer is satisfied by both *sqlx.DB and *sqlx.Tx, letting every query
// method run identically whether or not it's inside WithTx.
type dbExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// PostgresStore is the pgvector-backed Store implementation.
type PostgresStore struct {
	db     *sqlx.DB
	exec   dbExecer
	logger observability.Logger
}

// NewPostgresStore wires a Store against an already-connected sqlx.DB.
// Schema must already be applied via migrations/0001_init.up.sql.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger) *PostgresStore {
	return &PostgresStore{db: db, exec: db, logger: logger.WithPrefix("store")}
}

func (s *PostgresStore) PutResponse(ctx context.Context, r *models.Response) error {
	vec := vectormath.NormalizeL2(r.Embedding)
	query := `
		INSERT INTO survey_responses (id, batch_id, question, response_text, embedding, processed_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6)`
	_, err := s.exec.ExecContext(ctx, query, r.ID, r.BatchID, r.Question, r.Text,
		vectormath.FormatPgVector(vec), r.ProcessedAt)
	if err != nil {
		return s.wrapWriteErr(err, "put response")
	}
	return nil
}

func (s *PostgresStore) NextResponseID(ctx context.Context) (int64, error) {
	return s.nextVal(ctx, "survey_responses_id_seq")
}

func (s *PostgresStore) NextThemeID(ctx context.Context) (int64, error) {
	return s.nextVal(ctx, "extracted_themes_id_seq")
}

func (s *PostgresStore) nextVal(ctx context.Context, sequence string) (int64, error) {
	var id int64
	query := fmt.Sprintf("SELECT nextval('%s')", sequence)
	if err := s.exec.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return id, nil
}

func (s *PostgresStore) PutTheme(ctx context.Context, t *models.Theme) error {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal theme metadata: %w", err)
	}
	vec := vectormath.NormalizeL2(t.Embedding)
	query := `
		INSERT INTO extracted_themes (
			id, name, description, embedding, created_at_batch, last_updated_batch,
			status, parent_theme_id, response_count, metadata, created_at
		) VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.exec.ExecContext(ctx, query, t.ID, t.Name, t.Description,
		vectormath.FormatPgVector(vec), t.CreatedAtBatch, t.LastUpdatedBatch,
		t.Status, t.ParentThemeID, t.ResponseCount, metadataJSON, t.CreatedAt)
	if err != nil {
		return s.wrapWriteErr(err, "put theme")
	}
	return nil
}

func (s *PostgresStore) UpdateTheme(ctx context.Context, t *models.Theme) error {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal theme metadata: %w", err)
	}
	vec := vectormath.NormalizeL2(t.Embedding)
	query := `
		UPDATE extracted_themes
		SET name = $1, description = $2, embedding = $3::vector, status = $4,
		    parent_theme_id = $5, response_count = $6, metadata = $7,
		    last_updated_batch = $8
		WHERE id = $9`
	result, err := s.exec.ExecContext(ctx, query, t.Name, t.Description,
		vectormath.FormatPgVector(vec), t.Status, t.ParentThemeID, t.ResponseCount,
		metadataJSON, t.LastUpdatedBatch, t.ID)
	if err != nil {
		return s.wrapWriteErr(err, "update theme")
	}
	return requireRowsAffected(result, fmt.Sprintf("theme %d not found", t.ID))
}

func (s *PostgresStore) SoftRetireTheme(ctx context.Context, themeID int64, reason string) error {
	query := `UPDATE extracted_themes SET status = $1, metadata = jsonb_set(coalesce(metadata, '{}'::jsonb), '{retire_reason}', to_jsonb($2::text)) WHERE id = $3`
	result, err := s.exec.ExecContext(ctx, query, models.ThemeStatusRetired, reason, themeID)
	if err != nil {
		return s.wrapWriteErr(err, "retire theme")
	}
	return requireRowsAffected(result, fmt.Sprintf("theme %d not found", themeID))
}

func (s *PostgresStore) PutAssignment(ctx context.Context, a *models.Assignment) error {
	keywordsJSON, err := json.Marshal(a.HighlightedKeywords)
	if err != nil {
		return fmt.Errorf("failed to marshal highlighted keywords: %w", err)
	}
	// integrity_conflict on (response_id, theme_id) resolves by upsert,
	// matching §7's "resolved by upsert semantics" propagation policy.
	query := `
		INSERT INTO theme_assignments (
			response_id, theme_id, confidence, highlighted_keywords,
			assigned_at_batch, last_updated_batch
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (response_id, theme_id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			highlighted_keywords = EXCLUDED.highlighted_keywords,
			last_updated_batch = EXCLUDED.last_updated_batch`
	_, err = s.exec.ExecContext(ctx, query, a.ResponseID, a.ThemeID, a.Confidence,
		keywordsJSON, a.AssignedAtBatch, a.LastUpdatedBatch)
	if err != nil {
		return s.wrapWriteErr(err, "put assignment")
	}
	return nil
}

func (s *PostgresStore) RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error) {
	// A response already assigned to both themes (rare: the match
	// threshold is looser than the merge threshold, but not mutually
	// exclusive) would violate the (response_id, theme_id) unique
	// constraint once its fromTheme row is repointed at toTheme. Drop the
	// now-redundant fromTheme row first so the bulk UPDATE never
	// conflicts with a row that is already where it needs to be.
	dedupe := `
		DELETE FROM theme_assignments a
		USING theme_assignments b
		WHERE a.theme_id = $1 AND b.theme_id = $2 AND a.response_id = b.response_id`
	if _, err := s.exec.ExecContext(ctx, dedupe, fromTheme, toTheme); err != nil {
		return 0, s.wrapWriteErr(err, "rewrite assignments: dedupe")
	}

	query := `
		UPDATE theme_assignments
		SET theme_id = $1, last_updated_batch = $2
		WHERE theme_id = $3`
	result, err := s.exec.ExecContext(ctx, query, toTheme, batchID, fromTheme)
	if err != nil {
		return 0, s.wrapWriteErr(err, "rewrite assignments")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// MoveAssignment retargets a single response's assignment row from
// fromTheme to toTheme, used by split detection to distribute individual
// responses across new child themes.
func (s *PostgresStore) MoveAssignment(ctx context.Context, responseID, fromTheme, toTheme, batchID int64) error {
	dedupe := `DELETE FROM theme_assignments WHERE response_id = $1 AND theme_id = $2 AND EXISTS (
		SELECT 1 FROM theme_assignments WHERE response_id = $1 AND theme_id = $3
	)`
	if _, err := s.exec.ExecContext(ctx, dedupe, responseID, fromTheme, toTheme); err != nil {
		return s.wrapWriteErr(err, "move assignment: dedupe")
	}

	query := `
		UPDATE theme_assignments
		SET theme_id = $1, last_updated_batch = $2
		WHERE response_id = $3 AND theme_id = $4`
	result, err := s.exec.ExecContext(ctx, query, toTheme, batchID, responseID, fromTheme)
	if err != nil {
		return s.wrapWriteErr(err, "move assignment")
	}
	return requireRowsAffected(result, fmt.Sprintf("assignment for response %d theme %d not found", responseID, fromTheme))
}

// FindSimilarThemes realizes `1 - (embedding <=> $1)` cosine similarity,
// filtered to min_cos and capped at k, descending by similarity.
func (s *PostgresStore) FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, activeOnly bool) ([]models.SimilarityMatch, error) {
	statusClause := ""
	if activeOnly {
		statusClause = "AND status = 'active'"
	}
	query := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1::vector) AS similarity
		FROM extracted_themes
		WHERE embedding IS NOT NULL %s AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY similarity DESC
		LIMIT $3`, statusClause)
	return s.querySimilarity(ctx, query, vec, minCos, k)
}

func (s *PostgresStore) FindSimilarResponses(ctx context.Context, vec []float32, minCos float64, k int) ([]models.SimilarityMatch, error) {
	query := `
		SELECT id, 1 - (embedding <=> $1::vector) AS similarity
		FROM survey_responses
		WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY similarity DESC
		LIMIT $3`
	return s.querySimilarity(ctx, query, vec, minCos, k)
}

func (s *PostgresStore) querySimilarity(ctx context.Context, query string, vec []float32, minCos float64, k int) ([]models.SimilarityMatch, error) {
	rows, err := s.exec.QueryContext(ctx, query, vectormath.FormatPgVector(vec), minCos, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var matches []models.SimilarityMatch
	for rows.Next() {
		var m models.SimilarityMatch
		if err := rows.Scan(&m.ID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan similarity row: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PostgresStore) AppendEvolution(ctx context.Context, e *models.EvolutionEntry) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal evolution details: %w", err)
	}
	query := `
		INSERT INTO theme_evolution_log (
			batch_id, action, theme_id, related_theme_id, details,
			affected_response_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.exec.ExecContext(ctx, query, e.BatchID, e.Action, e.ThemeID,
		e.RelatedThemeID, detailsJSON, e.AffectedResponseCount, e.CreatedAt)
	if err != nil {
		return s.wrapWriteErr(err, "append evolution entry")
	}
	return nil
}

func (s *PostgresStore) PutBatchMetadata(ctx context.Context, m *models.BatchMetadata) error {
	query := `
		INSERT INTO batch_metadata (
			batch_id, correlation_id, question, total_responses, new_themes_count,
			updated_themes_count, deleted_themes_count, processing_time_seconds, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.exec.ExecContext(ctx, query, m.BatchID, m.CorrelationID, m.Question, m.TotalResponses,
		m.NewThemesCount, m.UpdatedThemesCount, m.DeletedThemesCount,
		m.ProcessingTimeSeconds, m.ProcessedAt)
	if err != nil {
		// duplicate batch_id is the monotonic guard from §8's boundary laws.
		return s.wrapWriteErr(err, "put batch metadata")
	}
	return nil
}

func (s *PostgresStore) CacheGet(ctx context.Context, hash string) (*models.EmbeddingCacheEntry, error) {
	var entry models.EmbeddingCacheEntry
	var embeddingStr string
	query := `SELECT id, text_hash, embedding::text, model_name, created_at FROM embedding_cache WHERE text_hash = $1`
	err := s.exec.QueryRowContext(ctx, query, hash).Scan(&entry.ID, &entry.TextHash, &embeddingStr, &entry.ModelName, &entry.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // cache miss is a non-error
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	vec, err := vectormath.ParsePgVector(embeddingStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cached embedding: %w", err)
	}
	entry.Embedding = vec
	return &entry, nil
}

func (s *PostgresStore) CachePut(ctx context.Context, hash string, vec []float32, model string) error {
	query := `
		INSERT INTO embedding_cache (text_hash, embedding, model_name, created_at)
		VALUES ($1, $2::vector, $3, now())
		ON CONFLICT (text_hash) DO NOTHING`
	_, err := s.exec.ExecContext(ctx, query, hash, vectormath.FormatPgVector(vectormath.NormalizeL2(vec)), model)
	if err != nil {
		return s.wrapWriteErr(err, "cache put")
	}
	return nil
}

func (s *PostgresStore) GetTheme(ctx context.Context, themeID int64) (*models.Theme, error) {
	return s.getTheme(ctx, "id = $1", themeID)
}

func (s *PostgresStore) getTheme(ctx context.Context, whereClause string, args ...interface{}) (*models.Theme, error) {
	var t models.Theme
	var embeddingStr sql.NullString
	var metadataJSON []byte
	query := fmt.Sprintf(`
		SELECT id, name, description, embedding::text, created_at_batch, last_updated_batch,
		       status, parent_theme_id, response_count, metadata, created_at
		FROM extracted_themes WHERE %s`, whereClause)
	row := s.exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &embeddingStr, &t.CreatedAtBatch,
		&t.LastUpdatedBatch, &t.Status, &t.ParentThemeID, &t.ResponseCount, &metadataJSON, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if embeddingStr.Valid {
		vec, err := vectormath.ParsePgVector(embeddingStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse theme embedding: %w", err)
		}
		t.Embedding = vec
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal theme metadata: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) ListActiveThemes(ctx context.Context) ([]*models.Theme, error) {
	rows, err := s.exec.QueryContext(ctx, `SELECT id FROM extracted_themes WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	themes := make([]*models.Theme, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTheme(ctx, id)
		if err != nil {
			return nil, err
		}
		themes = append(themes, t)
	}
	return themes, nil
}

func (s *PostgresStore) ListAssignmentsForTheme(ctx context.Context, themeID int64) ([]*models.Assignment, error) {
	rows, err := s.exec.QueryContext(ctx, `
		SELECT id, response_id, theme_id, confidence, highlighted_keywords,
		       assigned_at_batch, last_updated_batch
		FROM theme_assignments WHERE theme_id = $1 ORDER BY id`, themeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var assignments []*models.Assignment
	for rows.Next() {
		var a models.Assignment
		var keywordsJSON []byte
		if err := rows.Scan(&a.ID, &a.ResponseID, &a.ThemeID, &a.Confidence, &keywordsJSON,
			&a.AssignedAtBatch, &a.LastUpdatedBatch); err != nil {
			return nil, err
		}
		if len(keywordsJSON) > 0 {
			if err := json.Unmarshal(keywordsJSON, &a.HighlightedKeywords); err != nil {
				return nil, fmt.Errorf("failed to unmarshal highlighted keywords: %w", err)
			}
		}
		assignments = append(assignments, &a)
	}
	return assignments, rows.Err()
}

func (s *PostgresStore) GetResponse(ctx context.Context, responseID int64) (*models.Response, error) {
	var r models.Response
	var embeddingStr sql.NullString
	query := `
		SELECT id, batch_id, question, response_text, embedding::text, processed_at
		FROM survey_responses WHERE id = $1`
	row := s.exec.QueryRowContext(ctx, query, responseID)
	if err := row.Scan(&r.ID, &r.BatchID, &r.Question, &r.Text, &embeddingStr, &r.ProcessedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if embeddingStr.Valid {
		vec, err := vectormath.ParsePgVector(embeddingStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse response embedding: %w", err)
		}
		r.Embedding = vec
	}
	return &r, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{}
	counts := []struct {
		key   string
		query string
	}{
		{"active_themes", `SELECT count(*) FROM extracted_themes WHERE status = 'active'`},
		{"total_responses", `SELECT count(*) FROM survey_responses`},
		{"total_assignments", `SELECT count(*) FROM theme_assignments`},
		{"cache_entries", `SELECT count(*) FROM embedding_cache`},
	}
	for _, c := range counts {
		var n int64
		if err := s.exec.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		stats[c.key] = n
	}
	return stats, nil
}

// WithTx runs fn against a transaction-scoped Store. Any error returned by
// fn rolls the transaction back; success commits it. This is the single
// atomic step a batch (or a merge/split retroactive rewrite) runs within.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	txStore := &PostgresStore{db: s.db, exec: tx, logger: s.logger}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", map[string]interface{}{"error": rbErr.Error()})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) wrapWriteErr(err error, action string) error {
	if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s: %s", ErrIntegrityConflict, action, pgErr.Detail)
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, action, err)
}

func requireRowsAffected(result sql.Result, notFoundMsg string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, notFoundMsg)
	}
	return nil
}
