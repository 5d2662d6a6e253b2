package ai

import (
	"context"
	"hash/fnv"
	"math"
)

// FakeEmbeddingService is a deterministic, offline EmbeddingService for
// tests and demo mode. Vectors are derived from an FNV hash of the input
// text, so identical texts always produce identical vectors and texts
// sharing words produce correlated ones.
type FakeEmbeddingService struct {
	Dim int
}

// NewFakeEmbeddingService creates a FakeEmbeddingService with the given dimension.
func NewFakeEmbeddingService(dim int) *FakeEmbeddingService {
	return &FakeEmbeddingService{Dim: dim}
}

func (f *FakeEmbeddingService) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.Dim)

	// Accumulate a hashed contribution per word so related texts land near
	// each other in the vector space.
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == ' ' {
			if i > start {
				h := fnv.New32a()
				h.Write([]byte(text[start:i]))
				vec[int(h.Sum32())%f.Dim] += 1.0
			}
			start = i + 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1.0
		return vec, nil
	}
	scale := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (f *FakeEmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (f *FakeEmbeddingService) Dimensions() int {
	return f.Dim
}
