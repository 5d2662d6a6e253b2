package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/nasa/earthdata-mcp/store"
)

// Job actions.
const (
	ActionEmbed  = "embed"
	ActionDelete = "delete"
)

// AttributeAll re-embeds (or deletes) every attribute of a concept. Used
// when a notification does not say which attributes changed, and for
// tombstones.
const AttributeAll = "*"

// EmbeddingJob is the internal queue message: one unit of embedding or
// deletion work for a (concept, attribute) pair. Jobs are partitioned by
// concept so updates to one concept are processed in emission order.
type EmbeddingJob struct {
	ConceptType string `json:"concept-type"`
	ConceptID   string `json:"concept-id"`
	Attribute   string `json:"attribute"`
	Action      string `json:"action"`
	RevisionID  int    `json:"revision-id,omitempty"`
	SourceText  string `json:"source-text,omitempty"`
}

// Validate checks the job is well-formed. Violations are permanent errors.
func (j *EmbeddingJob) Validate() error {
	if j.ConceptID == "" {
		return Permanentf("embedding job missing concept-id")
	}
	if !store.IsKnownConceptType(j.ConceptType) {
		return Permanentf("unsupported concept type %q", j.ConceptType)
	}
	if j.Action != ActionEmbed && j.Action != ActionDelete {
		return Permanentf("unknown job action %q", j.Action)
	}
	if j.Attribute == "" {
		return Permanentf("embedding job missing attribute")
	}
	return nil
}

// GroupID keys the queue partition. All jobs of one concept share a
// group, which is what guarantees in-order processing per concept.
func (j *EmbeddingJob) GroupID() string {
	return j.ConceptType + ":" + j.ConceptID
}

// DeduplicationID suppresses duplicate enqueues of the same revision's
// work within the queue's dedup window.
func (j *EmbeddingJob) DeduplicationID() string {
	return fmt.Sprintf("%s:%d:%s:%s", j.ConceptID, j.RevisionID, j.Attribute, j.Action)
}

// Encode serializes the job for transport.
func (j *EmbeddingJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a queue message body. A malformed body is a permanent
// error.
func DecodeJob(body []byte) (*EmbeddingJob, error) {
	var job EmbeddingJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, Permanent(err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}
