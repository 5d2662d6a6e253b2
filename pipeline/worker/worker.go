// Package worker runs the embedding job consumers: it drains the
// pipeline queue, fetches concept metadata from the catalog, generates
// embeddings, and persists vectors and association edges.
package worker

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/catalog/cmr"
	"github.com/nasa/earthdata-mcp/catalog/kms"
	"github.com/nasa/earthdata-mcp/internal/metrics"
	"github.com/nasa/earthdata-mcp/internal/profile"
	"github.com/nasa/earthdata-mcp/pipeline"
	"github.com/nasa/earthdata-mcp/pipeline/queue"
	"github.com/nasa/earthdata-mcp/store"
)

// CatalogClient fetches concept metadata from the catalog.
type CatalogClient interface {
	FetchConcept(ctx context.Context, conceptID, revisionID string) (map[string]any, error)
	FetchAssociations(ctx context.Context, conceptID string) map[string][]string
}

// VocabularyClient resolves controlled-vocabulary terms.
type VocabularyClient interface {
	LookupTerm(ctx context.Context, term, scheme string) (*kms.Term, error)
}

// Options tunes the worker pool.
type Options struct {
	WorkerCount      int
	MaxInFlight      int64
	ReceiveBatchSize int
	JobTimeout       time.Duration
	ProviderRPS      float64
}

// NewOptionsFromProfile builds worker Options from the instance profile.
func NewOptionsFromProfile(p *profile.Profile) Options {
	return Options{
		WorkerCount:      p.WorkerCount,
		MaxInFlight:      int64(p.MaxInFlight),
		ReceiveBatchSize: p.ReceiveBatchSize,
		JobTimeout:       time.Duration(p.JobTimeoutSecs) * time.Second,
		ProviderRPS:      float64(p.ProviderRPS),
	}
}

// Pool consumes embedding jobs from the queue. Failures are isolated per
// job: a transient error nacks the one message for redelivery, a
// permanent error dead-letters it, and the rest of the batch proceeds.
type Pool struct {
	queue    queue.Queue
	store    *store.Store
	embedder ai.EmbeddingService
	catalog  CatalogClient
	vocab    VocabularyClient
	exporter *metrics.Exporter
	logger   *slog.Logger

	opts    Options
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewPool creates a worker pool. The exporter may be nil.
func NewPool(q queue.Queue, s *store.Store, embedder ai.EmbeddingService, catalog CatalogClient, vocab VocabularyClient, exporter *metrics.Exporter, logger *slog.Logger, opts Options) *Pool {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = int64(opts.WorkerCount)
	}
	if opts.ReceiveBatchSize <= 0 {
		opts.ReceiveBatchSize = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.ProviderRPS > 0 {
		limit = rate.Limit(opts.ProviderRPS)
	}

	return &Pool{
		queue:    q,
		store:    s,
		embedder: embedder,
		catalog:  catalog,
		vocab:    vocab,
		exporter: exporter,
		logger:   logger,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
	}
}

// Run consumes jobs until ctx is canceled. It blocks.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	for {
		batch, err := p.queue.Receive(ctx, p.opts.ReceiveBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive failed", "error", err)
			continue
		}
		for _, message := range batch {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			p.processMessage(ctx, logger, message)
			p.sem.Release(1)
		}
	}
}

func (p *Pool) processMessage(ctx context.Context, logger *slog.Logger, message *queue.Message) {
	if p.exporter != nil {
		p.exporter.JobStarted()
		defer p.exporter.JobFinished()
	}

	job, err := pipeline.DecodeJob(message.Body)
	if err != nil {
		logger.Warn("dead-lettering undecodable message", "messageID", message.ID, "error", err)
		if dlErr := p.queue.DeadLetter(ctx, message, err.Error()); dlErr != nil {
			logger.Error("dead-letter failed", "messageID", message.ID, "error", dlErr)
		}
		if p.exporter != nil {
			p.exporter.DeadLettered("malformed")
		}
		return
	}

	// Hold the message past the job deadline so a slow-but-successful job
	// is not concurrently redelivered.
	if err := p.queue.Extend(ctx, message, p.opts.JobTimeout+30*time.Second); err != nil {
		logger.Debug("visibility extend failed", "messageID", message.ID, "error", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	err = p.Handle(jobCtx, job)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, message); ackErr != nil {
			logger.Error("ack failed", "messageID", message.ID, "error", ackErr)
		}
		if p.exporter != nil {
			p.exporter.ObserveJob(job.Action, "success", elapsed)
		}
	case pipeline.IsPermanent(err):
		logger.Warn("dead-lettering job",
			"conceptID", job.ConceptID, "attribute", job.Attribute, "error", err)
		if dlErr := p.queue.DeadLetter(ctx, message, err.Error()); dlErr != nil {
			logger.Error("dead-letter failed", "messageID", message.ID, "error", dlErr)
		}
		if p.exporter != nil {
			p.exporter.DeadLettered("permanent")
			p.exporter.ObserveJob(job.Action, "permanent_failure", elapsed)
		}
	default:
		logger.Warn("job failed, leaving for redelivery",
			"conceptID", job.ConceptID, "attribute", job.Attribute,
			"receiveCount", message.ReceiveCount, "error", err)
		if nackErr := p.queue.Nack(ctx, message); nackErr != nil {
			logger.Error("nack failed", "messageID", message.ID, "error", nackErr)
		}
		if p.exporter != nil {
			p.exporter.ObserveJob(job.Action, "transient_failure", elapsed)
		}
	}
}

// Handle executes one embedding job against the store. It is exported so
// a single-process runner can execute jobs without going through the
// queue.
func (p *Pool) Handle(ctx context.Context, job *pipeline.EmbeddingJob) error {
	if job.Action == pipeline.ActionDelete {
		return p.handleDelete(ctx, job)
	}
	if job.Attribute == pipeline.AttributeAll {
		return p.refreshConcept(ctx, job)
	}
	return p.embedAttribute(ctx, job)
}

func (p *Pool) handleDelete(ctx context.Context, job *pipeline.EmbeddingJob) error {
	if job.Attribute != pipeline.AttributeAll {
		_, err := p.store.DeleteConceptEmbeddings(ctx, &store.DeleteConceptEmbedding{
			ConceptID: job.ConceptID,
			Attribute: &job.Attribute,
		})
		return err
	}

	// Tombstone: drop every trace of the concept. Each step is
	// idempotent, so a retry after a partial failure converges.
	if _, err := p.store.DeleteConceptEmbeddings(ctx, &store.DeleteConceptEmbedding{ConceptID: job.ConceptID}); err != nil {
		return err
	}
	if _, err := p.store.DeleteConceptAssociations(ctx, job.ConceptID); err != nil {
		return err
	}
	if _, err := p.store.DeleteConceptKmsAssociations(ctx, job.ConceptID); err != nil {
		return err
	}
	p.logger.Info("deleted concept", "conceptID", job.ConceptID)
	return nil
}

// refreshConcept re-extracts and re-embeds everything for one concept
// revision, replacing whatever was stored before.
func (p *Pool) refreshConcept(ctx context.Context, job *pipeline.EmbeddingJob) error {
	metadata, err := p.catalog.FetchConcept(ctx, job.ConceptID, strconv.Itoa(job.RevisionID))
	if err != nil {
		return err
	}

	result := cmr.ExtractData(job.ConceptType, job.ConceptID, metadata)

	chunks, err := p.embedChunks(ctx, result.Chunks)
	if err != nil {
		return err
	}
	if _, err := p.store.ReplaceConceptEmbeddings(ctx, job.ConceptType, job.ConceptID, chunks); err != nil {
		return err
	}

	if err := p.linkVocabulary(ctx, job, result.KmsTerms); err != nil {
		return err
	}
	if job.ConceptType == store.ConceptTypeCollection {
		if err := p.refreshAssociations(ctx, job.ConceptID); err != nil {
			return err
		}
	}

	p.logger.Info("refreshed concept",
		"conceptID", job.ConceptID, "revisionID", job.RevisionID, "chunks", len(chunks))
	return nil
}

// embedAttribute embeds a single attribute of a concept. The text comes
// from the job when the notifier supplied it, otherwise from the catalog.
// An attribute that no longer exists on the concept is removed.
func (p *Pool) embedAttribute(ctx context.Context, job *pipeline.EmbeddingJob) error {
	text := job.SourceText
	if text == "" {
		metadata, err := p.catalog.FetchConcept(ctx, job.ConceptID, strconv.Itoa(job.RevisionID))
		if err != nil {
			return err
		}
		for _, chunk := range cmr.ExtractData(job.ConceptType, job.ConceptID, metadata).Chunks {
			if chunk.Attribute == job.Attribute {
				text = chunk.TextContent
				break
			}
		}
	}

	if text == "" {
		_, err := p.store.DeleteConceptEmbeddings(ctx, &store.DeleteConceptEmbedding{
			ConceptID: job.ConceptID,
			Attribute: &job.Attribute,
		})
		return err
	}

	vector, err := p.embedText(ctx, text)
	if err != nil {
		return err
	}
	_, err = p.store.UpsertConceptEmbedding(ctx, &store.ConceptEmbedding{
		ConceptType: job.ConceptType,
		ConceptID:   job.ConceptID,
		Attribute:   job.Attribute,
		TextContent: text,
		Embedding:   vector,
	})
	return err
}

func (p *Pool) embedChunks(ctx context.Context, chunks []cmr.Chunk) ([]*store.ConceptEmbedding, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.TextContent
	}
	vectors, err := p.embedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	embeddings := make([]*store.ConceptEmbedding, len(chunks))
	for i, chunk := range chunks {
		embeddings[i] = &store.ConceptEmbedding{
			ConceptType: chunk.ConceptType,
			ConceptID:   chunk.ConceptID,
			Attribute:   chunk.Attribute,
			TextContent: chunk.TextContent,
			Embedding:   vectors[i],
		}
	}
	return embeddings, nil
}

// linkVocabulary resolves the concept's vocabulary terms, embeds the ones
// not yet stored, and replaces the concept's term links.
func (p *Pool) linkVocabulary(ctx context.Context, job *pipeline.EmbeddingJob, refs []cmr.TermRef) error {
	seen := map[string]bool{}
	uuids := []string{}
	for _, ref := range refs {
		key := ref.Scheme + "/" + ref.Term
		if seen[key] {
			continue
		}
		seen[key] = true

		term, err := p.vocab.LookupTerm(ctx, ref.Term, ref.Scheme)
		if err != nil {
			return err
		}
		if term == nil {
			// Not in the vocabulary; nothing to link.
			continue
		}

		if _, err := p.store.GetKmsEmbedding(ctx, term.UUID); err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			if err := p.embedTerm(ctx, term); err != nil {
				return err
			}
		}
		uuids = append(uuids, term.UUID)
	}

	_, err := p.store.ReplaceConceptKmsAssociations(ctx, job.ConceptType, job.ConceptID, uuids)
	return err
}

func (p *Pool) embedTerm(ctx context.Context, term *kms.Term) error {
	text := term.Term
	if term.Definition != "" {
		text = term.Term + ": " + term.Definition
	}
	vector, err := p.embedText(ctx, text)
	if err != nil {
		return err
	}
	_, err = p.store.UpsertKmsEmbedding(ctx, &store.KmsEmbedding{
		KmsUUID:    term.UUID,
		Scheme:     term.Scheme,
		Term:       term.Term,
		Definition: term.Definition,
		Embedding:  vector,
	})
	return err
}

// Association map keys as the catalog reports them.
var associationTypes = map[string]string{
	"variables": store.ConceptTypeVariable,
	"citations": store.ConceptTypeCitation,
}

func (p *Pool) refreshAssociations(ctx context.Context, conceptID string) error {
	raw := p.catalog.FetchAssociations(ctx, conceptID)

	associations := []*store.ConceptAssociation{}
	for key, ids := range raw {
		rightType, ok := associationTypes[strings.ToLower(key)]
		if !ok {
			continue
		}
		for _, rightID := range ids {
			associations = append(associations, &store.ConceptAssociation{
				LeftConceptType:  store.ConceptTypeCollection,
				LeftConceptID:    conceptID,
				RightConceptType: rightType,
				RightConceptID:   rightID,
			})
		}
	}

	_, err := p.store.ReplaceConceptAssociations(ctx, conceptID, associations)
	return err
}

func (p *Pool) embedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *Pool) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if p.exporter != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		p.exporter.ObserveEmbed(outcome, time.Since(start).Seconds())
	}
	return vectors, err
}
