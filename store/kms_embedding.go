package store

// KmsEmbedding is an embedded controlled-vocabulary term. Terms are
// normalized: embedded once and referenced by many concepts through
// ConceptKmsAssociation rows.
type KmsEmbedding struct {
	KmsUUID    string // primary key, assigned by the vocabulary service
	Scheme     string // sciencekeywords, platforms, instruments
	Term       string
	Definition string
	Embedding  []float32
}

// KmsEmbeddingWithScore is a vocabulary search result with similarity score.
type KmsEmbeddingWithScore struct {
	KmsEmbedding *KmsEmbedding
	Score        float32
}
