package pipeline

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/store"
)

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("connection refused")))

	assert.True(t, IsPermanent(Permanentf("bad payload")))
	assert.True(t, IsPermanent(errors.Wrap(Permanentf("bad payload"), "processing C1")))
	assert.True(t, IsPermanent(errors.Wrap(store.ErrDimensionMismatch, "upsert")))

	assert.True(t, IsPermanent(&ai.ProviderError{Op: "embed", Err: errors.New("bad input"), Retryable: false}))
	assert.False(t, IsPermanent(&ai.ProviderError{Op: "embed", Err: errors.New("rate limited"), Retryable: true}))
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestEmbeddingJobValidate(t *testing.T) {
	valid := EmbeddingJob{
		ConceptType: "collection",
		ConceptID:   "C1-PROV",
		Attribute:   AttributeAll,
		Action:      ActionEmbed,
		RevisionID:  3,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(j *EmbeddingJob)
	}{
		{"missing concept id", func(j *EmbeddingJob) { j.ConceptID = "" }},
		{"unknown concept type", func(j *EmbeddingJob) { j.ConceptType = "granule" }},
		{"unknown action", func(j *EmbeddingJob) { j.Action = "reindex" }},
		{"missing attribute", func(j *EmbeddingJob) { j.Attribute = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid
			tt.mutate(&job)
			err := job.Validate()
			require.Error(t, err)
			assert.True(t, IsPermanent(err), "validation failures must be permanent")
		})
	}
}

func TestEmbeddingJobKeys(t *testing.T) {
	job := EmbeddingJob{
		ConceptType: "collection",
		ConceptID:   "C1-PROV",
		Attribute:   "abstract",
		Action:      ActionEmbed,
		RevisionID:  3,
	}
	assert.Equal(t, "collection:C1-PROV", job.GroupID())
	assert.Equal(t, "C1-PROV:3:abstract:embed", job.DeduplicationID())
}

func TestDecodeJobRoundTrip(t *testing.T) {
	job := &EmbeddingJob{
		ConceptType: "variable",
		ConceptID:   "V1-PROV",
		Attribute:   "definition",
		Action:      ActionEmbed,
		SourceText:  "Temperature of the sea surface.",
	}
	body, err := job.Encode()
	require.NoError(t, err)

	decoded, err := DecodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, job, decoded)
}

func TestDecodeJobMalformed(t *testing.T) {
	_, err := DecodeJob([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "malformed bodies are dead-lettered, not retried")

	_, err = DecodeJob([]byte(`{"concept-id":"C1"}`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
