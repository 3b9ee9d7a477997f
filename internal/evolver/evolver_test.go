package evolver

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh-labs/theme-evolution/internal/config"
	"github.com/devmesh-labs/theme-evolution/internal/extractor"
	"github.com/devmesh-labs/theme-evolution/internal/models"
	"github.com/devmesh-labs/theme-evolution/internal/observability"
	"github.com/devmesh-labs/theme-evolution/internal/storetest"
)

// fakeExtractor and fakeEmbedder let each test script exactly what the
// LLM backend and embedding backend return, matching the fake-substitution
// style used for every remote-backed capability.
type fakeExtractor struct {
	candidates  []extractor.Candidate
	refreshDesc string
}

func (f *fakeExtractor) Extract(ctx context.Context, question string, responses []string, batchID int64) ([]extractor.Candidate, error) {
	return f.candidates, nil
}

func (f *fakeExtractor) RefreshDescription(ctx context.Context, themeName, currentDescription string, newResponses []string) (string, error) {
	return f.refreshDesc, nil
}

type fakeEmbedder struct {
	next []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.next, nil
}

func testConfig() Config {
	return Config{
		Thresholds: config.ThresholdConfig{
			Match:                0.75,
			Update:               0.50,
			Merge:                0.85,
			SplitVariance:        0.40,
			DriftUpdate:          0.20,
			MinContribution:      0.05,
			MinResponsesPerTheme: 2,
		},
		MinResponsesPerTheme: 2,
	}
}

func unit(x, y, z float32) []float32 {
	return []float32{x, y, z}
}

func seedTheme(t *testing.T, st *storetest.FakeStore, id int64, embedding []float32, responseCount int) *models.Theme {
	t.Helper()
	theme := &models.Theme{
		ID:            id,
		Name:          "theme",
		Description:   "description",
		Embedding:     embedding,
		Status:        models.ThemeStatusActive,
		ResponseCount: responseCount,
	}
	require.NoError(t, st.PutTheme(context.Background(), theme))
	return theme
}

func TestMatchToExistingAssignsAboveMatchThreshold(t *testing.T) {
	st := storetest.New()
	theme := seedTheme(t, st, 1, unit(1, 0, 0), 5)

	ev := New(st, &fakeExtractor{}, &fakeEmbedder{}, testConfig(), observability.NewNoopLogger())
	responses := []*models.Response{
		{ID: 10, Embedding: unit(1, 0, 0)},  // identical -> matched
		{ID: 11, Embedding: unit(0, 1, 0)},  // orthogonal -> below update, absent entirely
		{ID: 12, Embedding: unit(0.6, 0.8, 0)}, // cosine 0.6: near but below match, above update
	}

	result, err := ev.MatchToExisting(context.Background(), responses, []*models.Theme{theme})
	require.NoError(t, err)

	require.Contains(t, result.Matches, 0)
	assert.Equal(t, theme.ID, result.Matches[0][0].ThemeID)
	assert.NotContains(t, result.Matches, 1)
	assert.NotContains(t, result.Matches, 2)
}

func TestDedupeCandidatesMergesIntoExistingTheme(t *testing.T) {
	st := storetest.New()
	seedTheme(t, st, 1, unit(1, 0, 0), 5)

	ev := New(st, &fakeExtractor{}, &fakeEmbedder{}, testConfig(), observability.NewNoopLogger())
	candidates := []extractor.Candidate{
		{Name: "near-duplicate", Description: "same as theme 1"},
		{Name: "genuinely new", Description: "unrelated topic"},
	}
	embeddings := [][]float32{
		unit(0.99, 0.01, 0.01), // cosine ~1.0 against theme 1 -> merged, no new theme
		unit(0, 0, 1),          // orthogonal -> new theme
	}

	result, err := ev.DedupeCandidates(context.Background(), candidates, embeddings, 42)
	require.NoError(t, err)

	assert.Len(t, result.NewThemes, 1)
	assert.Equal(t, "genuinely new", result.NewThemes[0].Name)
	assert.Equal(t, int64(1), result.MergedInto[0])
	assert.Len(t, result.Entries, 1)
	assert.Equal(t, models.EvolutionActionCreated, result.Entries[0].Action)
}

func TestDetectMergesCombinesSimilarThemesKeepingLargerAsSurvivor(t *testing.T) {
	st := storetest.New()
	small := seedTheme(t, st, 1, unit(1, 0, 0), 2)
	large := seedTheme(t, st, 2, unit(0.99, 0.01, 0.01), 10)
	require.NoError(t, st.PutAssignment(context.Background(), &models.Assignment{ResponseID: 100, ThemeID: small.ID}))

	ev := New(st, &fakeExtractor{}, &fakeEmbedder{}, testConfig(), observability.NewNoopLogger())
	transitioned := map[int64]bool{}

	entries, err := ev.DetectMerges(context.Background(), []*models.Theme{small, large}, transitioned, 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, models.EvolutionActionMerged, entries[0].Action)
	assert.Equal(t, large.ID, entries[0].ThemeID, "the larger theme survives the merge")
	assert.Equal(t, small.ID, *entries[0].RelatedThemeID)
	assert.True(t, transitioned[small.ID])
	assert.True(t, transitioned[large.ID])

	movedTo := st.Themes()[large.ID]
	assert.Equal(t, 12, movedTo.ResponseCount)

	loser := st.Themes()[small.ID]
	assert.Equal(t, models.ThemeStatusMerged, loser.Status)
	require.NotNil(t, loser.ParentThemeID)
	assert.Equal(t, large.ID, *loser.ParentThemeID)

	for _, a := range st.Assignments() {
		if a.ResponseID == 100 {
			assert.Equal(t, large.ID, a.ThemeID, "the merged theme's assignment is rewritten to the survivor")
		}
	}
}

func TestDetectMergesSkipsThemesAlreadyTransitioned(t *testing.T) {
	st := storetest.New()
	a := seedTheme(t, st, 1, unit(1, 0, 0), 3)
	b := seedTheme(t, st, 2, unit(0.99, 0.01, 0.01), 3)

	ev := New(st, &fakeExtractor{}, &fakeEmbedder{}, testConfig(), observability.NewNoopLogger())
	transitioned := map[int64]bool{a.ID: true}

	entries, err := ev.DetectMerges(context.Background(), []*models.Theme{a, b}, transitioned, 7)
	require.NoError(t, err)
	assert.Empty(t, entries, "a theme that already transitioned this batch must not merge again")
}

func TestDetectSplitsAbandonsWhenClusterBelowMinimum(t *testing.T) {
	st := storetest.New()
	theme := seedTheme(t, st, 1, unit(1, 0, 0), 4)
	responses := []*models.Response{
		{ID: 1, Embedding: unit(1, 0, 0)},
		{ID: 2, Embedding: unit(0.95, 0.05, 0)},
		{ID: 3, Embedding: unit(0.9, 0.1, 0)},
		{ID: 4, Embedding: unit(0, 1, 0)},
	}
	for _, r := range responses {
		require.NoError(t, st.PutResponse(context.Background(), r))
		require.NoError(t, st.PutAssignment(context.Background(), &models.Assignment{ResponseID: r.ID, ThemeID: theme.ID}))
	}

	// The variance of these responses is about 0.20, so the split threshold
	// is lowered below it to reach the cluster-size check.
	cfg := testConfig()
	cfg.Thresholds.SplitVariance = 0.10
	ev := New(st, &fakeExtractor{candidates: []extractor.Candidate{{Name: "child", Description: "desc"}}}, &fakeEmbedder{}, cfg, observability.NewNoopLogger())

	split, err := ev.DetectSplits(context.Background(), theme, "what worked", map[int64]bool{}, 9)
	require.NoError(t, err)
	assert.Nil(t, split, "the lone outlier forms a cluster of size 1, below min_responses_per_theme=2, so the split is abandoned")
}

func TestDetectSplitsCommitsWhenVarianceIsHighAndClustersAreLargeEnough(t *testing.T) {
	st := storetest.New()
	theme := seedTheme(t, st, 1, unit(1, 0, 0), 4)
	responses := []*models.Response{
		{ID: 1, Embedding: unit(1, 0, 0)},
		{ID: 2, Embedding: unit(0.95, 0.05, 0)},
		{ID: 3, Embedding: unit(0, 1, 0)},
		{ID: 4, Embedding: unit(0, 0.95, 0.05)},
	}
	for _, r := range responses {
		require.NoError(t, st.PutResponse(context.Background(), r))
		require.NoError(t, st.PutAssignment(context.Background(), &models.Assignment{ResponseID: r.ID, ThemeID: theme.ID}))
	}

	// The variance of these responses is about 0.28; the split threshold is
	// set below it so the variance counts as high.
	cfg := testConfig()
	cfg.Thresholds.SplitVariance = 0.25
	ev := New(st, &fakeExtractor{candidates: []extractor.Candidate{{Name: "child", Description: "desc"}}}, &fakeEmbedder{}, cfg, observability.NewNoopLogger())
	transitioned := map[int64]bool{}

	split, err := ev.DetectSplits(context.Background(), theme, "what worked", transitioned, 9)
	require.NoError(t, err)
	require.NotNil(t, split)
	require.Len(t, split.Children, 2)

	assert.True(t, transitioned[theme.ID])
	assert.True(t, transitioned[split.Children[0].ID])
	assert.True(t, transitioned[split.Children[1].ID])

	parent := st.Themes()[theme.ID]
	assert.Equal(t, models.ThemeStatusSplit, parent.Status)
	assert.Equal(t, 0, parent.ResponseCount)

	totalMembers := 0
	for _, child := range split.Children {
		stored := st.Themes()[child.ID]
		require.NotNil(t, stored)
		assert.Equal(t, theme.ID, *stored.ParentThemeID)
		totalMembers += stored.ResponseCount
	}
	assert.Equal(t, 4, totalMembers)

	wantDetails := map[string]interface{}{
		"child_a": split.Children[0].ID,
		"child_b": split.Children[1].ID,
	}
	if diff := cmp.Diff(wantDetails, split.Entry.Details); diff != "" {
		t.Errorf("split entry details mismatch (-want +got):\n%s", diff)
	}
}

func TestRefreshDescriptionsSkipsThemesBelowSampleMinimum(t *testing.T) {
	st := storetest.New()
	theme := seedTheme(t, st, 1, unit(1, 0, 0), 5)

	ev := New(st, &fakeExtractor{refreshDesc: "new description"}, &fakeEmbedder{next: unit(0, 1, 0)}, testConfig(), observability.NewNoopLogger())

	entries, err := ev.RefreshDescriptions(context.Background(), []*models.Theme{theme}, map[int64][]string{theme.ID: {"only one"}}, 3)
	require.NoError(t, err)
	assert.Empty(t, entries, "fewer than 3 new responses must not trigger a refresh")
}

func TestRefreshDescriptionsAppliesOnlyWhenDriftExceedsThreshold(t *testing.T) {
	st := storetest.New()
	theme := seedTheme(t, st, 1, unit(1, 0, 0), 5)
	newTexts := []string{"a", "b", "c"}

	// Embedding barely moves: cosine distance stays under drift_update=0.20.
	ev := New(st, &fakeExtractor{refreshDesc: "slightly reworded"}, &fakeEmbedder{next: unit(0.99, 0.01, 0.01)}, testConfig(), observability.NewNoopLogger())
	entries, err := ev.RefreshDescriptions(context.Background(), []*models.Theme{theme}, map[int64][]string{theme.ID: newTexts}, 3)
	require.NoError(t, err)
	assert.Empty(t, entries, "drift below tau_drift_update must not replace the description")

	// Embedding moves far: cosine distance exceeds drift_update.
	ev = New(st, &fakeExtractor{refreshDesc: "entirely different meaning"}, &fakeEmbedder{next: unit(0, 1, 0)}, testConfig(), observability.NewNoopLogger())
	entries, err = ev.RefreshDescriptions(context.Background(), []*models.Theme{theme}, map[int64][]string{theme.ID: newTexts}, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EvolutionActionUpdated, entries[0].Action)

	updated := st.Themes()[theme.ID]
	assert.Equal(t, "entirely different meaning", updated.Description)
}
