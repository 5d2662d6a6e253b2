package store

// Concept types known to the catalog.
const (
	ConceptTypeCollection = "collection"
	ConceptTypeVariable   = "variable"
	ConceptTypeCitation   = "citation"
)

// IsKnownConceptType reports whether t is a concept type the pipeline handles.
func IsKnownConceptType(t string) bool {
	switch t {
	case ConceptTypeCollection, ConceptTypeVariable, ConceptTypeCitation:
		return true
	}
	return false
}

// ConceptEmbedding is one embedded text chunk of a catalog concept.
// At most one row exists per (concept_id, attribute) pair.
type ConceptEmbedding struct {
	ID          string // opaque unique identifier (uuid)
	ConceptType string
	ConceptID   string // external catalog identifier
	Attribute   string // which field was embedded: title, abstract, ...
	TextContent string // source text, kept for auditability and re-embedding
	Embedding   []float32
}

// FindConceptEmbedding is the find condition for concept embeddings.
type FindConceptEmbedding struct {
	ConceptID   *string
	ConceptType *string
	Attribute   *string
}

// DeleteConceptEmbedding removes a concept's chunks, optionally scoped to
// one attribute.
type DeleteConceptEmbedding struct {
	ConceptID string
	Attribute *string
}

// ConceptEmbeddingWithScore is a vector search result with similarity score.
type ConceptEmbeddingWithScore struct {
	ConceptEmbedding *ConceptEmbedding
	Score            float32 // cosine similarity, higher is more similar
}

// VectorSearchOptions are the options for k-NN search over embeddings.
type VectorSearchOptions struct {
	Vector      []float32
	Limit       int
	ConceptType *string // concept_embeddings filter
	Scheme      *string // kms_embeddings filter
	MinScore    float32 // results below this similarity are dropped
}
