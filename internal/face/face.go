// Package face decides whether a probe face matches the enrolled reference.
// Embedding extraction is external; this package only owns the comparison.
package face

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"classbeacon/pkg/types"
)

// DefaultThreshold is the minimum cosine similarity accepted as the same person
const DefaultThreshold = 0.6

var (
	ErrDimensionMismatch = errors.New("embedding dimensions differ")
	ErrEmptyEmbedding    = errors.New("embedding is empty")
	ErrNoReference       = errors.New("no reference embedding enrolled")
)

// Embedder turns an image into a face embedding
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
}

// Similarity returns the cosine similarity of a and b in [-1, 1]
func Similarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyEmbedding
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, ErrEmptyEmbedding
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp rounding drift.
	return math.Max(-1, math.Min(1, sim)), nil
}

// Result is the outcome of one verification
type Result struct {
	Similarity float64
	Accepted   bool
}

// Matcher compares probes against one enrolled reference embedding
type Matcher struct {
	reference []float32
	threshold float64
	embedder  Embedder
}

// NewMatcher creates a matcher with DefaultThreshold; embedder may be nil
// when callers only pass embeddings
func NewMatcher(reference []float32, embedder Embedder) *Matcher {
	return &Matcher{reference: reference, threshold: DefaultThreshold, embedder: embedder}
}

// Threshold returns the acceptance threshold
func (m *Matcher) Threshold() float64 { return m.threshold }

// Compare scores probe against the reference; accepted iff similarity >= threshold
func (m *Matcher) Compare(probe []float32) (Result, error) {
	if len(m.reference) == 0 {
		return Result{}, ErrNoReference
	}
	sim, err := Similarity(m.reference, probe)
	if err != nil {
		return Result{}, err
	}
	return Result{Similarity: sim, Accepted: sim >= m.threshold}, nil
}

// Verify returns nil when probe matches, types.ErrFaceMismatch otherwise
func (m *Matcher) Verify(probe []float32) error {
	result, err := m.Compare(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrFaceMismatch, err)
	}
	if !result.Accepted {
		log.Printf("face: rejected probe similarity=%.4f threshold=%.2f", result.Similarity, m.threshold)
		return types.ErrFaceMismatch
	}
	return nil
}

// VerifyImage embeds image and verifies it
func (m *Matcher) VerifyImage(ctx context.Context, image []byte) error {
	if m.embedder == nil {
		return errors.New("face: no embedder configured")
	}
	probe, err := m.embedder.Embed(ctx, image)
	if err != nil {
		return fmt.Errorf("embed probe: %w", err)
	}
	return m.Verify(probe)
}
