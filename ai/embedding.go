// Package ai wraps the text-embedding model provider behind a small
// interface so the pipeline and search service can share one client and
// tests can substitute a deterministic fake.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/nasa/earthdata-mcp/internal/profile"
)

// EmbeddingService is the vector embedding service interface.
type EmbeddingService interface {
	// Embed generates a vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates vectors for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension.
	Dimensions() int
}

// EmbeddingConfig configures the embedding provider client.
type EmbeddingConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// NewEmbeddingConfigFromProfile builds an EmbeddingConfig from the instance profile.
func NewEmbeddingConfigFromProfile(p *profile.Profile) *EmbeddingConfig {
	return &EmbeddingConfig{
		APIKey:     p.EmbeddingAPIKey,
		BaseURL:    p.EmbeddingBaseURL,
		Model:      p.EmbeddingModel,
		Dimensions: p.EmbeddingDimensions,
	}
}

type embeddingService struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewEmbeddingService creates a new EmbeddingService backed by any
// OpenAI-compatible provider.
func NewEmbeddingService(cfg *EmbeddingConfig) (EmbeddingService, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New("embedding dimensions must be positive")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &embeddingService{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (s *embeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, &ProviderError{Op: "embed", Err: errors.New("empty embedding result")}
	}
	return vectors[0], nil
}

func (s *embeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &ProviderError{Op: "embed", Err: errors.New("no texts provided for embedding")}
	}

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	}

	resp, err := s.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classifyProviderError("embed", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, &ProviderError{
			Op:  "embed",
			Err: fmt.Errorf("provider returned %d embeddings for %d inputs", len(resp.Data), len(texts)),
		}
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		if len(data.Embedding) != s.dimensions {
			return nil, &ProviderError{
				Op:  "embed",
				Err: fmt.Errorf("provider returned %d-dim vector, want %d", len(data.Embedding), s.dimensions),
			}
		}
		vectors[i] = data.Embedding
	}

	return vectors, nil
}

func (s *embeddingService) Dimensions() int {
	return s.dimensions
}

// ProviderError is returned for embedding provider failures. Retryable
// distinguishes transient conditions (timeout, rate limit, backend errors)
// from permanent ones (malformed input, bad credentials config).
type ProviderError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

func classifyProviderError(op string, err error) *ProviderError {
	retryable := true

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			retryable = true
		case apiErr.HTTPStatusCode >= 500:
			retryable = true
		default:
			// 4xx other than 429 will not succeed on retry.
			retryable = false
		}
	}

	return &ProviderError{Op: op, Err: err, Retryable: retryable}
}
