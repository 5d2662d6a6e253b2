package ai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbeddingService(t *testing.T) {
	_, err := NewEmbeddingService(&EmbeddingConfig{APIKey: "k", Model: "m", Dimensions: 0})
	assert.Error(t, err)

	svc, err := NewEmbeddingService(&EmbeddingConfig{APIKey: "k", Model: "m", Dimensions: 1024})
	require.NoError(t, err)
	assert.Equal(t, 1024, svc.Dimensions())
}

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "rate limit is retryable",
			err:       &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
			retryable: true,
		},
		{
			name:      "server error is retryable",
			err:       &openai.APIError{HTTPStatusCode: http.StatusBadGateway},
			retryable: true,
		},
		{
			name:      "bad request is permanent",
			err:       &openai.APIError{HTTPStatusCode: http.StatusBadRequest},
			retryable: false,
		},
		{
			name:      "transport error is retryable",
			err:       errors.New("connection reset"),
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := classifyProviderError("embed", tt.err)
			assert.Equal(t, tt.retryable, pe.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(pe))
			assert.ErrorIs(t, pe, tt.err)
		})
	}
}

func TestFakeEmbeddingServiceDeterminism(t *testing.T) {
	fake := NewFakeEmbeddingService(64)
	ctx := context.Background()

	a1, err := fake.Embed(ctx, "sea surface temperature")
	require.NoError(t, err)
	a2, err := fake.Embed(ctx, "sea surface temperature")
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "identical texts must embed identically")
	assert.Len(t, a1, 64)

	b, err := fake.Embed(ctx, "volcanic ash plumes")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)
}

func TestFakeEmbeddingServiceSimilarity(t *testing.T) {
	fake := NewFakeEmbeddingService(128)
	ctx := context.Background()

	base, _ := fake.Embed(ctx, "ocean temperature data")
	near, _ := fake.Embed(ctx, "ocean temperature measurements")
	far, _ := fake.Embed(ctx, "lunar regolith samples")

	assert.Greater(t, dot(base, near), dot(base, far),
		"texts sharing words should be closer")
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
