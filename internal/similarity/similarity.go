// Package similarity scores two face embeddings against a match threshold.
package similarity

import (
	"errors"
	"fmt"
	"math"
)

// ErrComparison marks embeddings that cannot be compared.
var ErrComparison = errors.New("comparison error")

// nonMatchPenalty scales the confidence reported for rejected matches.
const nonMatchPenalty = 0.5

// minNormalProduct is the smallest normal float64.
const minNormalProduct = 0x1p-1022

// Result is the outcome of comparing two embeddings.
type Result struct {
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
	IsMatch    bool    `json:"is_match"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// Compare computes the cosine similarity of a and b remapped to [0,1], their
// Euclidean distance, and the match decision against threshold. A zero-norm
// input has cosine 0.
func Compare(a, b []float64, threshold float64) (Result, error) {
	if len(a) != len(b) {
		return Result{}, fmt.Errorf("%w: embedding lengths differ (%d != %d)", ErrComparison, len(a), len(b))
	}

	var dot, normA, normB, sqDist float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
		d := a[i] - b[i]
		sqDist += d * d
	}

	var cosine float64
	if normA != 0 && normB != 0 {
		// sqrt of the product keeps compare(a, a) at exactly 1, but it
		// leaves the normal float range for very small or large vectors.
		product := normA * normB
		denom := math.Sqrt(product)
		if product < minNormalProduct || math.IsInf(product, 1) {
			denom = math.Sqrt(normA) * math.Sqrt(normB)
		}
		cosine = dot / denom
		cosine = math.Max(-1, math.Min(1, cosine))
	}

	similarity := (cosine + 1) / 2
	isMatch := similarity >= threshold
	confidence := similarity
	if !isMatch {
		confidence = similarity * nonMatchPenalty
	}

	return Result{
		Distance:   math.Sqrt(sqDist),
		Similarity: similarity,
		IsMatch:    isMatch,
		Confidence: confidence,
		Threshold:  threshold,
	}, nil
}
