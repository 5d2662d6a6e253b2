package postgres

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Migrate creates the schema if it does not exist. The vector dimension is
// baked into the column types, so changing it requires a re-bootstrap.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS concept_embeddings (
			id UUID PRIMARY KEY,
			concept_type TEXT NOT NULL,
			concept_id TEXT NOT NULL,
			attribute TEXT NOT NULL,
			text_content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			UNIQUE (concept_id, attribute)
		)`, d.dim),
		`CREATE INDEX IF NOT EXISTS idx_concept_embeddings_concept_type
			ON concept_embeddings (concept_type)`,
		`CREATE INDEX IF NOT EXISTS idx_concept_embeddings_embedding
			ON concept_embeddings USING hnsw (embedding vector_cosine_ops)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kms_embeddings (
			kms_uuid TEXT PRIMARY KEY,
			scheme TEXT NOT NULL,
			term TEXT NOT NULL,
			definition TEXT,
			embedding VECTOR(%d) NOT NULL
		)`, d.dim),
		`CREATE INDEX IF NOT EXISTS idx_kms_embeddings_embedding
			ON kms_embeddings USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS concept_associations (
			left_concept_type TEXT NOT NULL,
			left_concept_id TEXT NOT NULL,
			right_concept_type TEXT NOT NULL,
			right_concept_id TEXT NOT NULL,
			PRIMARY KEY (left_concept_id, right_concept_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_concept_associations_right
			ON concept_associations (right_concept_id)`,
		`CREATE TABLE IF NOT EXISTS concept_kms_associations (
			concept_type TEXT NOT NULL,
			concept_id TEXT NOT NULL,
			kms_uuid TEXT NOT NULL REFERENCES kms_embeddings (kms_uuid) ON DELETE CASCADE,
			PRIMARY KEY (concept_type, concept_id, kms_uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_concept_kms_associations_kms_uuid
			ON concept_kms_associations (kms_uuid)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration statement failed: %.60s", stmt)
		}
	}
	return nil
}
