// Package store provides typed access to the embedding vector store.
// All four entities (concept embeddings, KMS embeddings, and the two
// association tables) are owned exclusively by this package; the embedding
// worker and bootstrap loader are the only writers, the search service is
// read-only.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/internal/profile"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// configured embedding dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Driver is the storage backend interface. The postgres driver serves
// production traffic with a pgvector HNSW index; the memory driver is the
// exact brute-force reference used in tests.
type Driver interface {
	// Concept embeddings
	UpsertConceptEmbedding(ctx context.Context, upsert *ConceptEmbedding) (*ConceptEmbedding, error)
	ReplaceConceptEmbeddings(ctx context.Context, conceptType, conceptID string, chunks []*ConceptEmbedding) (int, error)
	ListConceptEmbeddings(ctx context.Context, find *FindConceptEmbedding) ([]*ConceptEmbedding, error)
	DeleteConceptEmbeddings(ctx context.Context, delete *DeleteConceptEmbedding) (int, error)
	SearchConceptEmbeddings(ctx context.Context, opts *VectorSearchOptions) ([]*ConceptEmbeddingWithScore, error)

	// KMS embeddings
	GetKmsEmbedding(ctx context.Context, kmsUUID string) (*KmsEmbedding, error)
	UpsertKmsEmbedding(ctx context.Context, upsert *KmsEmbedding) (*KmsEmbedding, error)
	DeleteKmsEmbedding(ctx context.Context, kmsUUID string) error
	SearchKmsEmbeddings(ctx context.Context, opts *VectorSearchOptions) ([]*KmsEmbeddingWithScore, error)

	// Concept associations
	ReplaceConceptAssociations(ctx context.Context, leftConceptID string, associations []*ConceptAssociation) (int, error)
	ListConceptAssociations(ctx context.Context, find *FindConceptAssociation) ([]*ConceptAssociation, error)
	DeleteConceptAssociations(ctx context.Context, conceptID string) (int, error)

	// Concept-KMS associations
	ReplaceConceptKmsAssociations(ctx context.Context, conceptType, conceptID string, kmsUUIDs []string) (int, error)
	ListConceptKmsAssociations(ctx context.Context, find *FindConceptKmsAssociation) ([]*ConceptKmsAssociation, error)
	DeleteConceptKmsAssociations(ctx context.Context, conceptID string) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Store provides database access to all raw objects. It validates the
// vector-dimension invariant once, in front of every driver.
type Store struct {
	profile *profile.Profile
	driver  Driver
	dim     int
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		dim:     profile.EmbeddingDimensions,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) checkDimension(vec []float32) error {
	if len(vec) != s.dim {
		return errors.Wrapf(ErrDimensionMismatch, "got %d, want %d", len(vec), s.dim)
	}
	return nil
}

func (s *Store) UpsertConceptEmbedding(ctx context.Context, upsert *ConceptEmbedding) (*ConceptEmbedding, error) {
	if err := s.checkDimension(upsert.Embedding); err != nil {
		return nil, err
	}
	return s.driver.UpsertConceptEmbedding(ctx, upsert)
}

// ReplaceConceptEmbeddings atomically replaces all chunks for a concept
// with the given set. Attributes absent from chunks are removed.
func (s *Store) ReplaceConceptEmbeddings(ctx context.Context, conceptType, conceptID string, chunks []*ConceptEmbedding) (int, error) {
	for _, chunk := range chunks {
		if err := s.checkDimension(chunk.Embedding); err != nil {
			return 0, err
		}
	}
	return s.driver.ReplaceConceptEmbeddings(ctx, conceptType, conceptID, chunks)
}

func (s *Store) ListConceptEmbeddings(ctx context.Context, find *FindConceptEmbedding) ([]*ConceptEmbedding, error) {
	return s.driver.ListConceptEmbeddings(ctx, find)
}

func (s *Store) DeleteConceptEmbeddings(ctx context.Context, delete *DeleteConceptEmbedding) (int, error) {
	return s.driver.DeleteConceptEmbeddings(ctx, delete)
}

func (s *Store) SearchConceptEmbeddings(ctx context.Context, opts *VectorSearchOptions) ([]*ConceptEmbeddingWithScore, error) {
	if err := s.checkDimension(opts.Vector); err != nil {
		return nil, err
	}
	return s.driver.SearchConceptEmbeddings(ctx, opts)
}

func (s *Store) GetKmsEmbedding(ctx context.Context, kmsUUID string) (*KmsEmbedding, error) {
	return s.driver.GetKmsEmbedding(ctx, kmsUUID)
}

func (s *Store) UpsertKmsEmbedding(ctx context.Context, upsert *KmsEmbedding) (*KmsEmbedding, error) {
	if err := s.checkDimension(upsert.Embedding); err != nil {
		return nil, err
	}
	return s.driver.UpsertKmsEmbedding(ctx, upsert)
}

func (s *Store) DeleteKmsEmbedding(ctx context.Context, kmsUUID string) error {
	return s.driver.DeleteKmsEmbedding(ctx, kmsUUID)
}

func (s *Store) SearchKmsEmbeddings(ctx context.Context, opts *VectorSearchOptions) ([]*KmsEmbeddingWithScore, error) {
	if err := s.checkDimension(opts.Vector); err != nil {
		return nil, err
	}
	return s.driver.SearchKmsEmbeddings(ctx, opts)
}

func (s *Store) ReplaceConceptAssociations(ctx context.Context, leftConceptID string, associations []*ConceptAssociation) (int, error) {
	return s.driver.ReplaceConceptAssociations(ctx, leftConceptID, associations)
}

func (s *Store) ListConceptAssociations(ctx context.Context, find *FindConceptAssociation) ([]*ConceptAssociation, error) {
	return s.driver.ListConceptAssociations(ctx, find)
}

func (s *Store) DeleteConceptAssociations(ctx context.Context, conceptID string) (int, error) {
	return s.driver.DeleteConceptAssociations(ctx, conceptID)
}

func (s *Store) ReplaceConceptKmsAssociations(ctx context.Context, conceptType, conceptID string, kmsUUIDs []string) (int, error) {
	return s.driver.ReplaceConceptKmsAssociations(ctx, conceptType, conceptID, kmsUUIDs)
}

func (s *Store) ListConceptKmsAssociations(ctx context.Context, find *FindConceptKmsAssociation) ([]*ConceptKmsAssociation, error) {
	return s.driver.ListConceptKmsAssociations(ctx, find)
}

func (s *Store) DeleteConceptKmsAssociations(ctx context.Context, conceptID string) (int, error) {
	return s.driver.DeleteConceptKmsAssociations(ctx, conceptID)
}
