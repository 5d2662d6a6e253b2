package postgres

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/store"
)

// ReplaceConceptAssociations replaces all outgoing edges of a concept in
// one transaction.
func (d *DB) ReplaceConceptAssociations(ctx context.Context, leftConceptID string, associations []*store.ConceptAssociation) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM concept_associations WHERE left_concept_id = `+placeholder(1), leftConceptID,
	); err != nil {
		return 0, errors.Wrap(err, "failed to delete existing associations")
	}

	stmt := `
		INSERT INTO concept_associations (left_concept_type, left_concept_id, right_concept_type, right_concept_id)
		VALUES (` + placeholders(4) + `)
		ON CONFLICT (left_concept_id, right_concept_id) DO NOTHING
	`
	count := 0
	for _, assoc := range associations {
		result, err := tx.ExecContext(ctx, stmt,
			assoc.LeftConceptType,
			leftConceptID,
			assoc.RightConceptType,
			assoc.RightConceptID,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to insert association %s -> %s", leftConceptID, assoc.RightConceptID)
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit association replacement")
	}
	return count, nil
}

// ListConceptAssociations lists edges matching the find condition.
func (d *DB) ListConceptAssociations(ctx context.Context, find *store.FindConceptAssociation) ([]*store.ConceptAssociation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.LeftConceptID != nil {
		where, args = append(where, "left_concept_id = "+placeholder(len(args)+1)), append(args, *find.LeftConceptID)
	}
	if find.RightConceptID != nil {
		where, args = append(where, "right_concept_id = "+placeholder(len(args)+1)), append(args, *find.RightConceptID)
	}

	query := `
		SELECT left_concept_type, left_concept_id, right_concept_type, right_concept_id
		FROM concept_associations
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY left_concept_id, right_concept_id
	`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list concept associations")
	}
	defer rows.Close()

	list := []*store.ConceptAssociation{}
	for rows.Next() {
		var assoc store.ConceptAssociation
		if err := rows.Scan(
			&assoc.LeftConceptType,
			&assoc.LeftConceptID,
			&assoc.RightConceptType,
			&assoc.RightConceptID,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan concept association")
		}
		list = append(list, &assoc)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteConceptAssociations removes every edge touching the concept, in
// either direction.
func (d *DB) DeleteConceptAssociations(ctx context.Context, conceptID string) (int, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM concept_associations
		 WHERE left_concept_id = `+placeholder(1)+` OR right_concept_id = `+placeholder(2),
		conceptID, conceptID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete concept associations")
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// ReplaceConceptKmsAssociations replaces a concept's vocabulary links.
func (d *DB) ReplaceConceptKmsAssociations(ctx context.Context, conceptType, conceptID string, kmsUUIDs []string) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM concept_kms_associations
		 WHERE concept_type = `+placeholder(1)+` AND concept_id = `+placeholder(2),
		conceptType, conceptID,
	); err != nil {
		return 0, errors.Wrap(err, "failed to delete existing kms associations")
	}

	stmt := `
		INSERT INTO concept_kms_associations (concept_type, concept_id, kms_uuid)
		VALUES (` + placeholders(3) + `)
		ON CONFLICT DO NOTHING
	`
	count := 0
	for _, kmsUUID := range kmsUUIDs {
		result, err := tx.ExecContext(ctx, stmt, conceptType, conceptID, kmsUUID)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to link %s to kms term %s", conceptID, kmsUUID)
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit kms association replacement")
	}
	return count, nil
}

// ListConceptKmsAssociations lists concept-KMS links.
func (d *DB) ListConceptKmsAssociations(ctx context.Context, find *store.FindConceptKmsAssociation) ([]*store.ConceptKmsAssociation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ConceptID != nil {
		where, args = append(where, "concept_id = "+placeholder(len(args)+1)), append(args, *find.ConceptID)
	}
	if find.KmsUUID != nil {
		where, args = append(where, "kms_uuid = "+placeholder(len(args)+1)), append(args, *find.KmsUUID)
	}

	query := `
		SELECT concept_type, concept_id, kms_uuid
		FROM concept_kms_associations
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY concept_id, kms_uuid
	`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list concept kms associations")
	}
	defer rows.Close()

	list := []*store.ConceptKmsAssociation{}
	for rows.Next() {
		var assoc store.ConceptKmsAssociation
		if err := rows.Scan(&assoc.ConceptType, &assoc.ConceptID, &assoc.KmsUUID); err != nil {
			return nil, errors.Wrap(err, "failed to scan concept kms association")
		}
		list = append(list, &assoc)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteConceptKmsAssociations removes all vocabulary links of a concept.
func (d *DB) DeleteConceptKmsAssociations(ctx context.Context, conceptID string) (int, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM concept_kms_associations WHERE concept_id = `+placeholder(1), conceptID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete concept kms associations")
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}
