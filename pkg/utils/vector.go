package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SimilarityDecimals is the precision every similarity score is quantized to
// before it is filtered, ordered, or compared against a cursor.
const SimilarityDecimals = 6

var similarityScale = math.Pow10(SimilarityDecimals)

// CosineSimilarity calculates the cosine similarity between two float32 vectors.
// Returns 0 if vectors have different lengths, are empty, or either has zero magnitude.
// The result is in the range [-1, 1], where 1 means identical direction,
// 0 means orthogonal, and -1 means opposite direction.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64

	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// QuantizeSimilarity rounds a similarity score to SimilarityDecimals places.
// Rounding is half away from zero, matching ROUND(numeric) in PostgreSQL.
func QuantizeSimilarity(s float64) float64 {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return math.Round(s*similarityScale) / similarityScale
}

// Similarity is the quantized cosine similarity used for ranking.
func Similarity(query, candidate []float32) float64 {
	return QuantizeSimilarity(CosineSimilarity(query, candidate))
}

// Magnitude calculates the Euclidean magnitude (L2 norm) of a float32 vector.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize normalizes a float32 vector to unit length.
// Returns nil if the input is empty or has zero magnitude.
func Normalize(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}

	mag := Magnitude(v)
	if mag == 0 {
		return nil
	}

	result := make([]float32, len(v))
	for i, x := range v {
		result[i] = float32(float64(x) / mag)
	}
	return result
}

// FormatVector renders a vector as "[v1,v2,...]". The output is both a JSON
// array and a valid pgvector literal.
func FormatVector(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.Grow(len(v) * 10)
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// ParseVector parses the output of FormatVector (or any JSON number array).
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var floats []float64
	if err := json.Unmarshal([]byte(s), &floats); err != nil {
		return nil, fmt.Errorf("failed to parse vector: %w", err)
	}
	v := make([]float32, len(floats))
	for i, f := range floats {
		v[i] = float32(f)
	}
	return v, nil
}
