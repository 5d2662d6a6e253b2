package postgres

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/store"
)

// UpsertConceptEmbedding inserts or replaces one chunk. The unique
// constraint on (concept_id, attribute) is the serialization point that
// makes redelivered jobs converge instead of duplicating rows.
func (d *DB) UpsertConceptEmbedding(ctx context.Context, upsert *store.ConceptEmbedding) (*store.ConceptEmbedding, error) {
	if upsert.ID == "" {
		upsert.ID = uuid.NewString()
	}

	stmt := `
		INSERT INTO concept_embeddings (id, concept_type, concept_id, attribute, text_content, embedding)
		VALUES (` + placeholders(6) + `)
		ON CONFLICT (concept_id, attribute)
		DO UPDATE SET
			concept_type = EXCLUDED.concept_type,
			text_content = EXCLUDED.text_content,
			embedding = EXCLUDED.embedding
		RETURNING id
	`

	err := d.db.QueryRowContext(ctx, stmt,
		upsert.ID,
		upsert.ConceptType,
		upsert.ConceptID,
		upsert.Attribute,
		upsert.TextContent,
		pgvector.NewVector(upsert.Embedding),
	).Scan(&upsert.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert concept embedding")
	}

	return upsert, nil
}

// ReplaceConceptEmbeddings replaces every chunk of a concept in one
// transaction, so attributes dropped by a newer revision disappear.
func (d *DB) ReplaceConceptEmbeddings(ctx context.Context, conceptType, conceptID string, chunks []*store.ConceptEmbedding) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM concept_embeddings WHERE concept_id = `+placeholder(1), conceptID,
	); err != nil {
		return 0, errors.Wrap(err, "failed to delete existing chunks")
	}

	stmt := `
		INSERT INTO concept_embeddings (id, concept_type, concept_id, attribute, text_content, embedding)
		VALUES (` + placeholders(6) + `)
	`
	for _, chunk := range chunks {
		id := chunk.ID
		if id == "" {
			id = uuid.NewString()
			chunk.ID = id
		}
		if _, err := tx.ExecContext(ctx, stmt,
			id,
			conceptType,
			conceptID,
			chunk.Attribute,
			chunk.TextContent,
			pgvector.NewVector(chunk.Embedding),
		); err != nil {
			return 0, errors.Wrapf(err, "failed to insert chunk %s/%s", conceptID, chunk.Attribute)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit chunk replacement")
	}
	return len(chunks), nil
}

// ListConceptEmbeddings lists concept embeddings.
func (d *DB) ListConceptEmbeddings(ctx context.Context, find *store.FindConceptEmbedding) ([]*store.ConceptEmbedding, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ConceptID != nil {
		where, args = append(where, "concept_id = "+placeholder(len(args)+1)), append(args, *find.ConceptID)
	}
	if find.ConceptType != nil {
		where, args = append(where, "concept_type = "+placeholder(len(args)+1)), append(args, *find.ConceptType)
	}
	if find.Attribute != nil {
		where, args = append(where, "attribute = "+placeholder(len(args)+1)), append(args, *find.Attribute)
	}

	query := `
		SELECT id, concept_type, concept_id, attribute, text_content, embedding
		FROM concept_embeddings
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY concept_id, attribute
	`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list concept embeddings")
	}
	defer rows.Close()

	list := []*store.ConceptEmbedding{}
	for rows.Next() {
		var embedding store.ConceptEmbedding
		var vector pgvector.Vector
		if err := rows.Scan(
			&embedding.ID,
			&embedding.ConceptType,
			&embedding.ConceptID,
			&embedding.Attribute,
			&embedding.TextContent,
			&vector,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan concept embedding")
		}
		embedding.Embedding = vector.Slice()
		list = append(list, &embedding)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteConceptEmbeddings removes a concept's chunks, optionally scoped to
// one attribute. Association cleanup is the caller's responsibility; the
// concept_kms_associations cascade only fires on KMS term deletion.
func (d *DB) DeleteConceptEmbeddings(ctx context.Context, delete *store.DeleteConceptEmbedding) (int, error) {
	where, args := []string{"concept_id = " + placeholder(1)}, []any{delete.ConceptID}
	if delete.Attribute != nil {
		where, args = append(where, "attribute = "+placeholder(2)), append(args, *delete.Attribute)
	}

	result, err := d.db.ExecContext(ctx,
		`DELETE FROM concept_embeddings WHERE `+strings.Join(where, " AND "), args...,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete concept embeddings")
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// SearchConceptEmbeddings runs k-NN search by cosine similarity. Ties are
// broken by ascending concept_id so identical queries return identical
// orderings.
func (d *DB) SearchConceptEmbeddings(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.ConceptEmbeddingWithScore, error) {
	where, args := []string{"1 = 1"}, []any{}

	vectorArg := pgvector.NewVector(opts.Vector)
	args = append(args, vectorArg)
	vectorParam := placeholder(1)

	if opts.ConceptType != nil {
		where, args = append(where, "concept_type = "+placeholder(len(args)+1)), append(args, *opts.ConceptType)
	}
	if opts.MinScore > 0 {
		where, args = append(where, "1 - (embedding <=> "+vectorParam+") >= "+placeholder(len(args)+1)), append(args, opts.MinScore)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit)

	query := `
		SELECT id, concept_type, concept_id, attribute, text_content, embedding,
			1 - (embedding <=> ` + vectorParam + `) AS similarity
		FROM concept_embeddings
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY embedding <=> ` + vectorParam + `, concept_id, attribute
		LIMIT ` + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search concept embeddings")
	}
	defer rows.Close()

	results := []*store.ConceptEmbeddingWithScore{}
	for rows.Next() {
		var embedding store.ConceptEmbedding
		var vector pgvector.Vector
		var score float32
		if err := rows.Scan(
			&embedding.ID,
			&embedding.ConceptType,
			&embedding.ConceptID,
			&embedding.Attribute,
			&embedding.TextContent,
			&vector,
			&score,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan search result")
		}
		embedding.Embedding = vector.Slice()
		results = append(results, &store.ConceptEmbeddingWithScore{
			ConceptEmbedding: &embedding,
			Score:            score,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
