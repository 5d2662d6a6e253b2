// Package ingest turns raw catalog change notifications into embedding
// jobs: it validates them, collapses duplicates, and enqueues one job
// per changed attribute (or a whole-concept job when the changed set is
// unknown).
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nasa/earthdata-mcp/pipeline"
	"github.com/nasa/earthdata-mcp/pipeline/queue"
	"github.com/nasa/earthdata-mcp/store"
)

// Notification actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Notification is one catalog change event as received from upstream.
type Notification struct {
	ConceptType       string   `json:"concept-type"`
	ConceptID         string   `json:"concept-id"`
	Action            string   `json:"action"`
	RevisionID        int      `json:"revision-id"`
	ChangedAttributes []string `json:"changed-attributes,omitempty"`
}

// DecodeNotification parses a raw notification payload. A malformed
// payload is a permanent error.
func DecodeNotification(body []byte) (*Notification, error) {
	var notification Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, pipeline.Permanent(err)
	}
	if err := notification.Validate(); err != nil {
		return nil, err
	}
	return &notification, nil
}

// Validate checks the notification is well-formed. Violations are
// permanent errors.
func (n *Notification) Validate() error {
	if n.ConceptID == "" {
		return pipeline.Permanentf("notification missing concept-id")
	}
	if !store.IsKnownConceptType(n.ConceptType) {
		return pipeline.Permanentf("unsupported concept type %q", n.ConceptType)
	}
	switch n.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return pipeline.Permanentf("unknown notification action %q", n.Action)
	}
	return nil
}

// Text-bearing attributes per concept type. Changed attributes outside
// these sets carry no embeddable text and are ignored.
var embeddableAttributes = map[string]map[string]bool{
	store.ConceptTypeCollection: {"title": true, "abstract": true, "purpose": true},
	store.ConceptTypeVariable:   {"name": true, "long_name": true, "definition": true},
	store.ConceptTypeCitation:   {"name": true, "abstract": true, "authors": true, "publisher": true},
}

// IsEmbeddableAttribute reports whether attribute carries embeddable
// text for the given concept type.
func IsEmbeddableAttribute(conceptType, attribute string) bool {
	return embeddableAttributes[conceptType][attribute]
}

// Normalizer converts notifications into embedding jobs and enqueues
// them on the pipeline queue.
type Normalizer struct {
	queue  queue.Queue
	logger *slog.Logger
}

// NewNormalizer creates a normalizer publishing to q.
func NewNormalizer(q queue.Queue, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{queue: q, logger: logger}
}

// Normalize maps one notification to its embedding jobs.
//
// A delete becomes a single whole-concept delete job. A create or update
// with a specific, fully embeddable changed-attribute set becomes one
// embed job per attribute; an absent or partially unknown set falls back
// to a single whole-concept embed job, since the safe interpretation of
// "something changed" is to re-extract everything.
func (n *Normalizer) Normalize(notification *Notification) ([]*pipeline.EmbeddingJob, error) {
	if err := notification.Validate(); err != nil {
		return nil, err
	}

	if notification.Action == ActionDelete {
		return []*pipeline.EmbeddingJob{{
			ConceptType: notification.ConceptType,
			ConceptID:   notification.ConceptID,
			Attribute:   pipeline.AttributeAll,
			Action:      pipeline.ActionDelete,
			RevisionID:  notification.RevisionID,
		}}, nil
	}

	attributes := notification.ChangedAttributes
	for _, attribute := range attributes {
		if !IsEmbeddableAttribute(notification.ConceptType, attribute) {
			n.logger.Debug("non-embeddable changed attribute, re-embedding whole concept",
				"conceptID", notification.ConceptID, "attribute", attribute)
			attributes = nil
			break
		}
	}
	if len(attributes) == 0 {
		attributes = []string{pipeline.AttributeAll}
	}

	jobs := make([]*pipeline.EmbeddingJob, 0, len(attributes))
	for _, attribute := range attributes {
		jobs = append(jobs, &pipeline.EmbeddingJob{
			ConceptType: notification.ConceptType,
			ConceptID:   notification.ConceptID,
			Attribute:   attribute,
			Action:      pipeline.ActionEmbed,
			RevisionID:  notification.RevisionID,
		})
	}
	return jobs, nil
}

// FailedNotification records one notification rejected during
// normalization, with its original payload preserved for replay.
type FailedNotification struct {
	Notification *Notification `json:"notification"`
	Reason       string        `json:"reason"`
}

// ProcessResult reports the per-notification outcome of one batch.
type ProcessResult struct {
	Enqueued int
	Failed   []FailedNotification
}

// Process normalizes a batch of notifications and enqueues the resulting
// jobs. Within the batch, jobs for the same (concept, attribute) pair are
// collapsed to the one with the highest revision; a whole-concept job
// subsumes that concept's attribute-level jobs.
//
// Failures are isolated per notification: an invalid one is reported in
// the result, payload included, while the rest of the batch proceeds. An
// enqueue failure is returned as an error so the caller does not
// acknowledge the source notifications.
func (n *Normalizer) Process(ctx context.Context, notifications ...*Notification) (*ProcessResult, error) {
	result := &ProcessResult{}
	jobs := []*pipeline.EmbeddingJob{}
	for _, notification := range notifications {
		normalized, err := n.Normalize(notification)
		if err != nil {
			n.logger.Warn("rejecting invalid notification",
				"conceptID", notification.ConceptID, "error", err)
			result.Failed = append(result.Failed, FailedNotification{
				Notification: notification,
				Reason:       err.Error(),
			})
			continue
		}
		jobs = append(jobs, normalized...)
	}
	jobs = collapse(jobs)

	messages := make([]*queue.Message, 0, len(jobs))
	for _, job := range jobs {
		body, err := job.Encode()
		if err != nil {
			return nil, err
		}
		messages = append(messages, &queue.Message{
			Body:            body,
			GroupID:         job.GroupID(),
			DeduplicationID: job.DeduplicationID(),
		})
	}
	if len(messages) == 0 {
		return result, nil
	}
	if err := n.queue.Enqueue(ctx, messages...); err != nil {
		return nil, err
	}
	result.Enqueued = len(messages)
	n.logger.Info("enqueued embedding jobs",
		"count", len(messages), "rejected", len(result.Failed))
	return result, nil
}

type jobKey struct {
	conceptType string
	conceptID   string
	attribute   string
	action      string
}

// collapse keeps, per (concept, attribute, action), only the job with
// the highest revision, and drops attribute-level embeds subsumed by a
// whole-concept embed of the same or newer revision. Output preserves
// first-seen order so per-concept ordering survives.
func collapse(jobs []*pipeline.EmbeddingJob) []*pipeline.EmbeddingJob {
	latest := map[jobKey]*pipeline.EmbeddingJob{}
	order := []jobKey{}
	for _, job := range jobs {
		key := jobKey{job.ConceptType, job.ConceptID, job.Attribute, job.Action}
		if existing, ok := latest[key]; ok {
			if job.RevisionID > existing.RevisionID {
				latest[key] = job
			}
			continue
		}
		latest[key] = job
		order = append(order, key)
	}

	collapsed := make([]*pipeline.EmbeddingJob, 0, len(order))
	for _, key := range order {
		job := latest[key]
		if job.Action == pipeline.ActionEmbed && job.Attribute != pipeline.AttributeAll {
			whole := jobKey{job.ConceptType, job.ConceptID, pipeline.AttributeAll, pipeline.ActionEmbed}
			if wholeJob, ok := latest[whole]; ok && wholeJob.RevisionID >= job.RevisionID {
				continue
			}
		}
		collapsed = append(collapsed, job)
	}
	return collapsed
}
