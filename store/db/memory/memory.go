// Package memory implements store.Driver with an exact brute-force cosine
// scan. It mirrors the postgres driver's constraint semantics (uniqueness
// on (concept_id, attribute), cascade from kms_embeddings) and serves as
// the correctness reference for small-scale tests and demo mode.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/internal/profile"
	"github.com/nasa/earthdata-mcp/store"
)

type chunkKey struct {
	conceptID string
	attribute string
}

type assocKey struct {
	leftConceptID  string
	rightConceptID string
}

type kmsAssocKey struct {
	conceptType string
	conceptID   string
	kmsUUID     string
}

// DB is the in-memory implementation of store.Driver.
type DB struct {
	mu sync.RWMutex

	conceptEmbeddings map[chunkKey]*store.ConceptEmbedding
	kmsEmbeddings     map[string]*store.KmsEmbedding
	associations      map[assocKey]*store.ConceptAssociation
	kmsAssociations   map[kmsAssocKey]*store.ConceptKmsAssociation
}

// NewDB creates an empty in-memory driver.
func NewDB(_ *profile.Profile) *DB {
	return &DB{
		conceptEmbeddings: make(map[chunkKey]*store.ConceptEmbedding),
		kmsEmbeddings:     make(map[string]*store.KmsEmbedding),
		associations:      make(map[assocKey]*store.ConceptAssociation),
		kmsAssociations:   make(map[kmsAssocKey]*store.ConceptKmsAssociation),
	}
}

func (d *DB) Migrate(_ context.Context) error { return nil }

func (d *DB) Close() error { return nil }

func cloneConceptEmbedding(e *store.ConceptEmbedding) *store.ConceptEmbedding {
	clone := *e
	clone.Embedding = append([]float32(nil), e.Embedding...)
	return &clone
}

func cloneKmsEmbedding(e *store.KmsEmbedding) *store.KmsEmbedding {
	clone := *e
	clone.Embedding = append([]float32(nil), e.Embedding...)
	return &clone
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func (d *DB) UpsertConceptEmbedding(_ context.Context, upsert *store.ConceptEmbedding) (*store.ConceptEmbedding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := chunkKey{conceptID: upsert.ConceptID, attribute: upsert.Attribute}
	if existing, ok := d.conceptEmbeddings[key]; ok {
		// Replace in place, keeping the row identity.
		upsert.ID = existing.ID
	} else if upsert.ID == "" {
		upsert.ID = uuid.NewString()
	}
	d.conceptEmbeddings[key] = cloneConceptEmbedding(upsert)
	return upsert, nil
}

func (d *DB) ReplaceConceptEmbeddings(_ context.Context, conceptType, conceptID string, chunks []*store.ConceptEmbedding) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.conceptEmbeddings {
		if key.conceptID == conceptID {
			delete(d.conceptEmbeddings, key)
		}
	}
	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}
		clone := cloneConceptEmbedding(chunk)
		clone.ConceptType = conceptType
		clone.ConceptID = conceptID
		d.conceptEmbeddings[chunkKey{conceptID: conceptID, attribute: chunk.Attribute}] = clone
	}
	return len(chunks), nil
}

func (d *DB) ListConceptEmbeddings(_ context.Context, find *store.FindConceptEmbedding) ([]*store.ConceptEmbedding, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := []*store.ConceptEmbedding{}
	for _, e := range d.conceptEmbeddings {
		if find.ConceptID != nil && e.ConceptID != *find.ConceptID {
			continue
		}
		if find.ConceptType != nil && e.ConceptType != *find.ConceptType {
			continue
		}
		if find.Attribute != nil && e.Attribute != *find.Attribute {
			continue
		}
		list = append(list, cloneConceptEmbedding(e))
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ConceptID != list[j].ConceptID {
			return list[i].ConceptID < list[j].ConceptID
		}
		return list[i].Attribute < list[j].Attribute
	})
	return list, nil
}

func (d *DB) DeleteConceptEmbeddings(_ context.Context, del *store.DeleteConceptEmbedding) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	deleted := 0
	for key := range d.conceptEmbeddings {
		if key.conceptID != del.ConceptID {
			continue
		}
		if del.Attribute != nil && key.attribute != *del.Attribute {
			continue
		}
		delete(d.conceptEmbeddings, key)
		deleted++
	}
	return deleted, nil
}

func (d *DB) SearchConceptEmbeddings(_ context.Context, opts *store.VectorSearchOptions) ([]*store.ConceptEmbeddingWithScore, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	results := []*store.ConceptEmbeddingWithScore{}
	for _, e := range d.conceptEmbeddings {
		if opts.ConceptType != nil && e.ConceptType != *opts.ConceptType {
			continue
		}
		score := cosineSimilarity(opts.Vector, e.Embedding)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		results = append(results, &store.ConceptEmbeddingWithScore{
			ConceptEmbedding: cloneConceptEmbedding(e),
			Score:            score,
		})
	}

	// Ties break by ascending concept_id, matching the postgres driver.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ConceptEmbedding.ConceptID != results[j].ConceptEmbedding.ConceptID {
			return results[i].ConceptEmbedding.ConceptID < results[j].ConceptEmbedding.ConceptID
		}
		return results[i].ConceptEmbedding.Attribute < results[j].ConceptEmbedding.Attribute
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (d *DB) GetKmsEmbedding(_ context.Context, kmsUUID string) (*store.KmsEmbedding, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.kmsEmbeddings[kmsUUID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneKmsEmbedding(e), nil
}

func (d *DB) UpsertKmsEmbedding(_ context.Context, upsert *store.KmsEmbedding) (*store.KmsEmbedding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.kmsEmbeddings[upsert.KmsUUID] = cloneKmsEmbedding(upsert)
	return upsert, nil
}

func (d *DB) DeleteKmsEmbedding(_ context.Context, kmsUUID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.kmsEmbeddings[kmsUUID]; !ok {
		return store.ErrNotFound
	}
	delete(d.kmsEmbeddings, kmsUUID)

	// Cascade, as the FK does in postgres.
	for key := range d.kmsAssociations {
		if key.kmsUUID == kmsUUID {
			delete(d.kmsAssociations, key)
		}
	}
	return nil
}

func (d *DB) SearchKmsEmbeddings(_ context.Context, opts *store.VectorSearchOptions) ([]*store.KmsEmbeddingWithScore, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	results := []*store.KmsEmbeddingWithScore{}
	for _, e := range d.kmsEmbeddings {
		if opts.Scheme != nil && e.Scheme != *opts.Scheme {
			continue
		}
		score := cosineSimilarity(opts.Vector, e.Embedding)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		results = append(results, &store.KmsEmbeddingWithScore{
			KmsEmbedding: cloneKmsEmbedding(e),
			Score:        score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].KmsEmbedding.KmsUUID < results[j].KmsEmbedding.KmsUUID
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (d *DB) ReplaceConceptAssociations(_ context.Context, leftConceptID string, associations []*store.ConceptAssociation) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.associations {
		if key.leftConceptID == leftConceptID {
			delete(d.associations, key)
		}
	}
	count := 0
	for _, assoc := range associations {
		key := assocKey{leftConceptID: leftConceptID, rightConceptID: assoc.RightConceptID}
		if _, ok := d.associations[key]; ok {
			continue
		}
		clone := *assoc
		clone.LeftConceptID = leftConceptID
		d.associations[key] = &clone
		count++
	}
	return count, nil
}

func (d *DB) ListConceptAssociations(_ context.Context, find *store.FindConceptAssociation) ([]*store.ConceptAssociation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := []*store.ConceptAssociation{}
	for _, assoc := range d.associations {
		if find.LeftConceptID != nil && assoc.LeftConceptID != *find.LeftConceptID {
			continue
		}
		if find.RightConceptID != nil && assoc.RightConceptID != *find.RightConceptID {
			continue
		}
		clone := *assoc
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].LeftConceptID != list[j].LeftConceptID {
			return list[i].LeftConceptID < list[j].LeftConceptID
		}
		return list[i].RightConceptID < list[j].RightConceptID
	})
	return list, nil
}

func (d *DB) DeleteConceptAssociations(_ context.Context, conceptID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	deleted := 0
	for key := range d.associations {
		if key.leftConceptID == conceptID || key.rightConceptID == conceptID {
			delete(d.associations, key)
			deleted++
		}
	}
	return deleted, nil
}

func (d *DB) ReplaceConceptKmsAssociations(_ context.Context, conceptType, conceptID string, kmsUUIDs []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Validate before mutating so a bad batch leaves existing links
	// intact, like the rolled-back postgres transaction would.
	for _, kmsUUID := range kmsUUIDs {
		if _, ok := d.kmsEmbeddings[kmsUUID]; !ok {
			return 0, errors.Wrapf(store.ErrNotFound, "kms term %s", kmsUUID)
		}
	}

	for key := range d.kmsAssociations {
		if key.conceptType == conceptType && key.conceptID == conceptID {
			delete(d.kmsAssociations, key)
		}
	}
	count := 0
	for _, kmsUUID := range kmsUUIDs {
		key := kmsAssocKey{conceptType: conceptType, conceptID: conceptID, kmsUUID: kmsUUID}
		if _, ok := d.kmsAssociations[key]; ok {
			continue
		}
		d.kmsAssociations[key] = &store.ConceptKmsAssociation{
			ConceptType: conceptType,
			ConceptID:   conceptID,
			KmsUUID:     kmsUUID,
		}
		count++
	}
	return count, nil
}

func (d *DB) ListConceptKmsAssociations(_ context.Context, find *store.FindConceptKmsAssociation) ([]*store.ConceptKmsAssociation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := []*store.ConceptKmsAssociation{}
	for _, assoc := range d.kmsAssociations {
		if find.ConceptID != nil && assoc.ConceptID != *find.ConceptID {
			continue
		}
		if find.KmsUUID != nil && assoc.KmsUUID != *find.KmsUUID {
			continue
		}
		clone := *assoc
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ConceptID != list[j].ConceptID {
			return list[i].ConceptID < list[j].ConceptID
		}
		return list[i].KmsUUID < list[j].KmsUUID
	})
	return list, nil
}

func (d *DB) DeleteConceptKmsAssociations(_ context.Context, conceptID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	deleted := 0
	for key := range d.kmsAssociations {
		if key.conceptID == conceptID {
			delete(d.kmsAssociations, key)
			deleted++
		}
	}
	return deleted, nil
}
