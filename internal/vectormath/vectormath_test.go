package vectormath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeL2(t *testing.T) {
	v := NormalizeL2([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestNormalizeL2ZeroVector(t *testing.T) {
	v := NormalizeL2([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestCosineSimilarityIdentical(t *testing.T) {
	a := NormalizeL2([]float32{1, 2, 3})
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := NormalizeL2([]float32{1, 0})
	b := NormalizeL2([]float32{0, 1})
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-6)
}

func TestWeightedAverageRenormalizes(t *testing.T) {
	a := NormalizeL2([]float32{1, 0})
	b := NormalizeL2([]float32{0, 1})
	avg := WeightedAverage(a, 1, b, 1)

	var norm float64
	for _, x := range avg {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestVarianceZeroForIdenticalMembers(t *testing.T) {
	v := NormalizeL2([]float32{1, 1, 0})
	variance := Variance(v, [][]float32{v, v, v})
	assert.InDelta(t, 0.0, variance, 1e-6)
}

func TestKMeans2SeparatesDistinctClusters(t *testing.T) {
	clusterA := [][]float32{
		NormalizeL2([]float32{1, 0, 0}),
		NormalizeL2([]float32{0.95, 0.05, 0}),
		NormalizeL2([]float32{0.9, 0.1, 0}),
	}
	clusterB := [][]float32{
		NormalizeL2([]float32{0, 0, 1}),
		NormalizeL2([]float32{0.05, 0, 0.95}),
		NormalizeL2([]float32{0.1, 0, 0.9}),
	}
	all := append(append([][]float32{}, clusterA...), clusterB...)

	a, b, _, _ := KMeans2(all, 25)
	assert.Len(t, a, 3)
	assert.Len(t, b, 3)

	seen := map[int]bool{}
	for _, idx := range append(append([]int{}, a...), b...) {
		seen[idx] = true
	}
	assert.Len(t, seen, 6)
}

func TestPgVectorRoundTrip(t *testing.T) {
	original := []float32{0.1, -0.25, 3}
	encoded := FormatPgVector(original)
	decoded, err := ParsePgVector(encoded)
	assert.NoError(t, err)
	for i := range original {
		assert.InDelta(t, float64(original[i]), float64(decoded[i]), 1e-5)
	}
}
