package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/internal/metrics"
	"github.com/nasa/earthdata-mcp/store"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	maxTermSuggestions = 5
)

// SearchRequest is a semantic search over the embedded catalog.
type SearchRequest struct {
	Query        string  `json:"query"`
	Limit        int     `json:"limit,omitempty"`
	ConceptType  string  `json:"concept-type,omitempty"`
	MinScore     float32 `json:"min-score,omitempty"`
	Expand       bool    `json:"expand,omitempty"`        // attach associated concepts
	IncludeTerms bool    `json:"include-terms,omitempty"` // attach matching vocabulary terms
}

// AssociatedConcept is a concept linked to a search hit through the
// association graph.
type AssociatedConcept struct {
	ConceptType string `json:"concept-type"`
	ConceptID   string `json:"concept-id"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	ConceptType string              `json:"concept-type"`
	ConceptID   string              `json:"concept-id"`
	Attribute   string              `json:"attribute"`
	Text        string              `json:"text"`
	Score       float32             `json:"score"`
	Associated  []AssociatedConcept `json:"associated,omitempty"`
}

// TermHit is a vocabulary term matching the query.
type TermHit struct {
	KmsUUID string  `json:"kms-uuid"`
	Scheme  string  `json:"scheme"`
	Term    string  `json:"term"`
	Score   float32 `json:"score"`
}

// SearchResponse is the ranked result set. Hits is empty, not null, when
// nothing matches; that is an answer, not an error.
type SearchResponse struct {
	Hits  []SearchHit `json:"hits"`
	Terms []TermHit   `json:"terms,omitempty"`
}

// SearchService answers semantic queries against the vector store. It is
// read-only: the pipeline owns all writes.
type SearchService struct {
	store    *store.Store
	embedder ai.EmbeddingService
	exporter *metrics.Exporter
	logger   *slog.Logger
}

// NewSearchService creates a search service. The exporter may be nil.
func NewSearchService(s *store.Store, embedder ai.EmbeddingService, exporter *metrics.Exporter, logger *slog.Logger) *SearchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchService{store: s, embedder: embedder, exporter: exporter, logger: logger}
}

// Search embeds the query and returns the nearest concept chunks, ranked
// by cosine similarity with ties broken by concept id. A provider failure
// is an error the caller should retry, never an empty result.
func (s *SearchService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	start := time.Now()
	response, err := s.search(ctx, req)
	if s.exporter != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		s.exporter.ObserveSearch(outcome, time.Since(start).Seconds())
	}
	return response, err
}

func (s *SearchService) search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	vector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	opts := &store.VectorSearchOptions{
		Vector:   vector,
		Limit:    limit,
		MinScore: req.MinScore,
	}
	if req.ConceptType != "" {
		opts.ConceptType = &req.ConceptType
	}

	results, err := s.store.SearchConceptEmbeddings(ctx, opts)
	if err != nil {
		return nil, err
	}

	response := &SearchResponse{Hits: make([]SearchHit, 0, len(results))}
	for _, result := range results {
		hit := SearchHit{
			ConceptType: result.ConceptEmbedding.ConceptType,
			ConceptID:   result.ConceptEmbedding.ConceptID,
			Attribute:   result.ConceptEmbedding.Attribute,
			Text:        result.ConceptEmbedding.TextContent,
			Score:       result.Score,
		}
		if req.Expand {
			associated, err := s.expand(ctx, hit.ConceptID)
			if err != nil {
				return nil, err
			}
			hit.Associated = associated
		}
		response.Hits = append(response.Hits, hit)
	}

	if req.IncludeTerms {
		terms, err := s.store.SearchKmsEmbeddings(ctx, &store.VectorSearchOptions{
			Vector:   vector,
			Limit:    maxTermSuggestions,
			MinScore: req.MinScore,
		})
		if err != nil {
			return nil, err
		}
		for _, term := range terms {
			response.Terms = append(response.Terms, TermHit{
				KmsUUID: term.KmsEmbedding.KmsUUID,
				Scheme:  term.KmsEmbedding.Scheme,
				Term:    term.KmsEmbedding.Term,
				Score:   term.Score,
			})
		}
	}

	return response, nil
}

// expand walks the association graph one hop in both directions.
func (s *SearchService) expand(ctx context.Context, conceptID string) ([]AssociatedConcept, error) {
	associated := []AssociatedConcept{}

	left, err := s.store.ListConceptAssociations(ctx, &store.FindConceptAssociation{LeftConceptID: &conceptID})
	if err != nil {
		return nil, err
	}
	for _, edge := range left {
		associated = append(associated, AssociatedConcept{
			ConceptType: edge.RightConceptType,
			ConceptID:   edge.RightConceptID,
		})
	}

	right, err := s.store.ListConceptAssociations(ctx, &store.FindConceptAssociation{RightConceptID: &conceptID})
	if err != nil {
		return nil, err
	}
	for _, edge := range right {
		associated = append(associated, AssociatedConcept{
			ConceptType: edge.LeftConceptType,
			ConceptID:   edge.LeftConceptID,
		})
	}
	return associated, nil
}
