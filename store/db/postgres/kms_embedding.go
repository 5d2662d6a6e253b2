package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/store"
)

// GetKmsEmbedding fetches a vocabulary term embedding by UUID.
func (d *DB) GetKmsEmbedding(ctx context.Context, kmsUUID string) (*store.KmsEmbedding, error) {
	stmt := `
		SELECT kms_uuid, scheme, term, COALESCE(definition, ''), embedding
		FROM kms_embeddings
		WHERE kms_uuid = ` + placeholder(1)

	var embedding store.KmsEmbedding
	var vector pgvector.Vector
	err := d.db.QueryRowContext(ctx, stmt, kmsUUID).Scan(
		&embedding.KmsUUID,
		&embedding.Scheme,
		&embedding.Term,
		&embedding.Definition,
		&vector,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get kms embedding")
	}
	embedding.Embedding = vector.Slice()
	return &embedding, nil
}

// UpsertKmsEmbedding inserts or updates a vocabulary term embedding.
func (d *DB) UpsertKmsEmbedding(ctx context.Context, upsert *store.KmsEmbedding) (*store.KmsEmbedding, error) {
	stmt := `
		INSERT INTO kms_embeddings (kms_uuid, scheme, term, definition, embedding)
		VALUES (` + placeholders(5) + `)
		ON CONFLICT (kms_uuid)
		DO UPDATE SET
			scheme = EXCLUDED.scheme,
			term = EXCLUDED.term,
			definition = EXCLUDED.definition,
			embedding = EXCLUDED.embedding
	`

	_, err := d.db.ExecContext(ctx, stmt,
		upsert.KmsUUID,
		upsert.Scheme,
		upsert.Term,
		upsert.Definition,
		pgvector.NewVector(upsert.Embedding),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert kms embedding")
	}
	return upsert, nil
}

// DeleteKmsEmbedding removes a vocabulary term. Its concept associations
// are removed by the ON DELETE CASCADE constraint.
func (d *DB) DeleteKmsEmbedding(ctx context.Context, kmsUUID string) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM kms_embeddings WHERE kms_uuid = `+placeholder(1), kmsUUID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to delete kms embedding")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SearchKmsEmbeddings runs k-NN search over the vocabulary, optionally
// filtered by scheme.
func (d *DB) SearchKmsEmbeddings(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.KmsEmbeddingWithScore, error) {
	where, args := []string{"1 = 1"}, []any{}

	args = append(args, pgvector.NewVector(opts.Vector))
	vectorParam := placeholder(1)

	if opts.Scheme != nil {
		where, args = append(where, "scheme = "+placeholder(len(args)+1)), append(args, *opts.Scheme)
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
		SELECT kms_uuid, scheme, term, COALESCE(definition, ''), embedding,
			1 - (embedding <=> ` + vectorParam + `) AS similarity
		FROM kms_embeddings
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY embedding <=> ` + vectorParam + `, kms_uuid
		LIMIT ` + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search kms embeddings")
	}
	defer rows.Close()

	results := []*store.KmsEmbeddingWithScore{}
	for rows.Next() {
		var embedding store.KmsEmbedding
		var vector pgvector.Vector
		var score float32
		if err := rows.Scan(
			&embedding.KmsUUID,
			&embedding.Scheme,
			&embedding.Term,
			&embedding.Definition,
			&vector,
			&score,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan kms search result")
		}
		embedding.Embedding = vector.Slice()
		results = append(results, &store.KmsEmbeddingWithScore{
			KmsEmbedding: &embedding,
			Score:        score,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
