package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
	}{
		{name: "identical vectors", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, expected: 1.0},
		{name: "opposite vectors", a: []float32{1, 0, 0}, b: []float32{-1, 0, 0}, expected: -1.0},
		{name: "orthogonal vectors", a: []float32{1, 0, 0}, b: []float32{0, 1, 0}, expected: 0.0},
		{name: "scaled vectors", a: []float32{1, 2, 3}, b: []float32{2, 4, 6}, expected: 1.0},
		{name: "different lengths", a: []float32{1, 2, 3}, b: []float32{1, 2}, expected: 0.0},
		{name: "empty vectors", a: []float32{}, b: []float32{}, expected: 0.0},
		{name: "zero vector", a: []float32{0, 0, 0}, b: []float32{1, 2, 3}, expected: 0.0},
		{name: "nil vectors", a: nil, b: nil, expected: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CosineSimilarity(tt.a, tt.b)
			if math.Abs(result-tt.expected) > 1e-6 {
				t.Errorf("CosineSimilarity(%v, %v) = %v, expected %v", tt.a, tt.b, result, tt.expected)
			}
		})
	}
}

func TestQuantizeSimilarity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.123457, QuantizeSimilarity(0.1234566))
	assert.Equal(t, 0.9, QuantizeSimilarity(0.90000004))
	assert.Equal(t, -0.5, QuantizeSimilarity(-0.5000001))
	assert.Equal(t, 0.0, QuantizeSimilarity(math.NaN()))
}

func TestSimilarityIsStable(t *testing.T) {
	t.Parallel()
	q := []float32{0.3, 0.4, 0.5}
	c := []float32{0.5, 0.1, 0.2}
	first := Similarity(q, c)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Similarity(q, c))
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	v := Normalize([]float32{3, 4})
	require.Len(t, v, 2)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Nil(t, Normalize([]float32{0, 0}))
	assert.Nil(t, Normalize(nil))
}

func TestFormatParseVector(t *testing.T) {
	t.Parallel()
	in := []float32{0.1, -2.5, 3e-7, 0}
	s := FormatVector(in)
	assert.Equal(t, "[0.1,-2.5,3e-07,0]", s)

	out, err := ParseVector(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := ParseVector("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = ParseVector("[1,2")
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	t.Parallel()
	batches := Batch([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, batches)
	assert.Nil(t, Batch([]int{}, 3))
}

func TestUniqueStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"b", "a", "B"}, UniqueStrings([]string{"b", "a", "b", "B", "a"}))
	assert.Empty(t, UniqueStrings(nil))
}
