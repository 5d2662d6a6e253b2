package store

// ConceptAssociation is a directed edge between two catalog concepts,
// e.g. collection -> variable. The pair (left_concept_id, right_concept_id)
// is the primary key; lookups are indexed in both directions.
type ConceptAssociation struct {
	LeftConceptType  string
	LeftConceptID    string
	RightConceptType string
	RightConceptID   string
}

// FindConceptAssociation is the find condition for concept associations.
// ConceptID matches either side unless a direction is pinned.
type FindConceptAssociation struct {
	LeftConceptID  *string
	RightConceptID *string
}

// ConceptKmsAssociation links a concept to a controlled-vocabulary term.
// Deleting the KmsEmbedding cascades to these rows.
type ConceptKmsAssociation struct {
	ConceptType string
	ConceptID   string
	KmsUUID     string
}

// FindConceptKmsAssociation is the find condition for concept-KMS links.
type FindConceptKmsAssociation struct {
	ConceptID *string
	KmsUUID   *string
}
