package pipeline

import (
	"encoding/json"
	"fmt"
	"math"

	"gorm.io/datatypes"
)

// EncodeVector serializes an embedding for the chunk's JSON column.
func EncodeVector(vec []float32) (datatypes.JSON, error) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// DecodeVector parses a stored embedding; nil input yields nil output.
func DecodeVector(raw datatypes.JSON) ([]float32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vec, nil
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// degenerate or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// isZeroVector reports a degenerate all-zero embedding.
func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
