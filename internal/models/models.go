// Package models defines the persistent entities of the theme evolution
// engine's data model.
package models

import "time"

// ThemeStatus is the lifecycle state of a Theme.
type ThemeStatus string

const (
	ThemeStatusActive  ThemeStatus = "active"
	ThemeStatusMerged  ThemeStatus = "merged"
	ThemeStatusSplit   ThemeStatus = "split"
	ThemeStatusRetired ThemeStatus = "retired"
)

// EvolutionAction is the kind of mutation an EvolutionEntry records.
type EvolutionAction string

const (
	EvolutionActionCreated    EvolutionAction = "created"
	EvolutionActionUpdated    EvolutionAction = "updated"
	EvolutionActionMerged     EvolutionAction = "merged"
	EvolutionActionSplit      EvolutionAction = "split"
	EvolutionActionRetired    EvolutionAction = "retired"
	EvolutionActionReassigned EvolutionAction = "reassigned"
)

// Response is a single survey response. Its embedding is written once at
// ingestion and never mutated afterward.
type Response struct {
	ID          int64     `db:"id" json:"id"`
	BatchID     int64     `db:"batch_id" json:"batch_id"`
	Question    string    `db:"question" json:"question"`
	Text        string    `db:"response_text" json:"text"`
	Embedding   []float32 `db:"-" json:"embedding,omitempty"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

// Theme is a named cluster of responses.
type Theme struct {
	ID               int64                  `db:"id" json:"id"`
	Name             string                 `db:"name" json:"name"`
	Description      string                 `db:"description" json:"description"`
	Embedding        []float32              `db:"-" json:"embedding,omitempty"`
	Status           ThemeStatus            `db:"status" json:"status"`
	CreatedAtBatch   int64                  `db:"created_at_batch" json:"created_at_batch"`
	LastUpdatedBatch int64                  `db:"last_updated_batch" json:"last_updated_batch"`
	ParentThemeID    *int64                 `db:"parent_theme_id" json:"parent_theme_id,omitempty"`
	ResponseCount    int                    `db:"response_count" json:"response_count"`
	Metadata         map[string]interface{} `db:"-" json:"metadata,omitempty"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
}

// Assignment links a response to a theme with a confidence and the
// keywords that explain the match.
type Assignment struct {
	ID                  int64          `db:"id" json:"id"`
	ResponseID          int64          `db:"response_id" json:"response_id"`
	ThemeID              int64         `db:"theme_id" json:"theme_id"`
	Confidence           float64       `db:"confidence" json:"confidence"`
	HighlightedKeywords  []Highlight   `db:"-" json:"highlighted_keywords"`
	AssignedAtBatch      int64         `db:"assigned_at_batch" json:"assigned_at_batch"`
	LastUpdatedBatch     int64         `db:"last_updated_batch" json:"last_updated_batch"`
}

// Highlight is one scored substring backing an Assignment's keywords.
type Highlight struct {
	Phrase    string `json:"phrase"`
	Score     float64 `json:"score"`
	Positions []int  `json:"positions"`
}

// EvolutionEntry is an append-only record of a catalog mutation.
type EvolutionEntry struct {
	ID                     int64           `db:"id" json:"id"`
	BatchID                int64           `db:"batch_id" json:"batch_id"`
	Action                 EvolutionAction `db:"action" json:"action"`
	ThemeID                int64           `db:"theme_id" json:"theme_id"`
	RelatedThemeID         *int64          `db:"related_theme_id" json:"related_theme_id,omitempty"`
	AffectedResponseCount  int             `db:"affected_response_count" json:"affected_response_count"`
	Details                map[string]interface{} `db:"-" json:"details,omitempty"`
	CreatedAt              time.Time       `db:"created_at" json:"created_at"`
}

// BatchMetadata is the one row recorded per processed batch.
type BatchMetadata struct {
	BatchID               int64     `db:"batch_id" json:"batch_id"`
	CorrelationID         string    `db:"correlation_id" json:"correlation_id"`
	Question              string    `db:"question" json:"question"`
	TotalResponses        int       `db:"total_responses" json:"total_responses"`
	NewThemesCount        int       `db:"new_themes_count" json:"new_themes_count"`
	UpdatedThemesCount    int       `db:"updated_themes_count" json:"updated_themes_count"`
	DeletedThemesCount    int       `db:"deleted_themes_count" json:"deleted_themes_count"`
	ProcessingTimeSeconds float64   `db:"processing_time_seconds" json:"processing_time_seconds"`
	ProcessedAt           time.Time `db:"processed_at" json:"processed_at"`
}

// EmbeddingCacheEntry is a content-addressed cached vector.
type EmbeddingCacheEntry struct {
	ID        int64     `db:"id" json:"id"`
	TextHash  string    `db:"text_hash" json:"text_hash"`
	Embedding []float32 `db:"-" json:"embedding"`
	ModelName string    `db:"model_name" json:"model_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// BatchInput is the request shape for Processor.ProcessBatch.
type BatchInput struct {
	BatchID   int64    `json:"batch_id"`
	Question  string   `json:"question"`
	Responses []string `json:"responses"`
}

// BatchResult is the response shape of a processed batch.
type BatchResult struct {
	BatchID               int64            `json:"batch_id"`
	CorrelationID         string           `json:"correlation_id"`
	Question              string           `json:"question"`
	ProcessingTimeSeconds float64          `json:"processing_time_seconds"`
	TotalResponses        int              `json:"total_responses"`
	ThemesCreated         int              `json:"themes_created"`
	ThemesUpdated         int              `json:"themes_updated"`
	ThemesDeleted         int              `json:"themes_deleted"`
	EvolutionEntries      []EvolutionEntry `json:"evolution_entries"`
}

// SimilarityMatch is a single row returned by a vector similarity query.
type SimilarityMatch struct {
	ID         int64
	Similarity float64
}
