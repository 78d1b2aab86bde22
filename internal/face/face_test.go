package face

import (
	"context"
	"errors"
	"math"
	"testing"

	"classbeacon/pkg/types"
)

// vectorAt returns a unit vector whose cosine with (1, 0) is sim
func vectorAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Similarity(tt.a, tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := Similarity([]float32{1, 2}, []float32{1, 2, 3}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := Similarity([]float32{0, 0}, []float32{1, 2}); !errors.Is(err, ErrEmptyEmbedding) {
		t.Errorf("expected ErrEmptyEmbedding for zero vector, got %v", err)
	}
}

func TestMatcher_ThresholdBoundary(t *testing.T) {
	m := NewMatcher([]float32{1, 0}, nil)

	tests := []struct {
		sim    float64
		accept bool
	}{
		{1.0, true},
		{0.61, true},
		{0.5999, false},
		{0.1, false},
	}
	// (3, 4) sits at exactly 0.6 against (1, 0).
	if err := m.Verify([]float32{3, 4}); err != nil {
		t.Errorf("similarity of exactly 0.6 should be accepted, got %v", err)
	}

	for _, tt := range tests {
		err := m.Verify(vectorAt(tt.sim))
		if tt.accept && err != nil {
			t.Errorf("similarity %v should be accepted, got %v", tt.sim, err)
		}
		if !tt.accept && !errors.Is(err, types.ErrFaceMismatch) {
			t.Errorf("similarity %v should be rejected, got %v", tt.sim, err)
		}
	}
}

func TestMatcher_NoReferenceNeverAccepts(t *testing.T) {
	m := NewMatcher(nil, nil)
	if err := m.Verify([]float32{1, 0}); !errors.Is(err, types.ErrFaceMismatch) {
		t.Errorf("expected mismatch without a reference, got %v", err)
	}
}

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) Embed(context.Context, []byte) ([]float32, error) { return f.vec, f.err }

func TestMatcher_VerifyImage(t *testing.T) {
	ctx := context.Background()
	ref := []float32{0.2, 0.9, 0.4}

	if err := NewMatcher(ref, fixedEmbedder{vec: ref}).VerifyImage(ctx, []byte("jpeg")); err != nil {
		t.Errorf("same embedding should match, got %v", err)
	}
	if err := NewMatcher(ref, fixedEmbedder{vec: []float32{-0.2, -0.9, -0.4}}).VerifyImage(ctx, nil); !errors.Is(err, types.ErrFaceMismatch) {
		t.Errorf("expected mismatch, got %v", err)
	}
	boom := errors.New("model not loaded")
	if err := NewMatcher(ref, fixedEmbedder{err: boom}).VerifyImage(ctx, nil); !errors.Is(err, boom) {
		t.Errorf("expected embedder error, got %v", err)
	}
}
