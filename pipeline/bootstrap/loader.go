// Package bootstrap backfills the vector store: it pages through the
// catalog and enqueues a whole-concept embedding job per concept, with a
// persisted checkpoint so interrupted runs resume instead of restarting.
package bootstrap

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/nasa/earthdata-mcp/catalog/cmr"
	"github.com/nasa/earthdata-mcp/pipeline"
	"github.com/nasa/earthdata-mcp/pipeline/queue"
)

// enqueueBatchSize bounds one Enqueue call; queue backends cap batch size.
const enqueueBatchSize = 10

// Searcher pages through catalog search results.
type Searcher interface {
	SearchPage(ctx context.Context, conceptType string, searchParams url.Values, pageSize, pageNum int) (*cmr.Page, error)
}

// Options tunes a backfill run.
type Options struct {
	PageSize int
	DryRun   bool // page and count, enqueue nothing
}

// Summary reports what one backfill run did.
type Summary struct {
	ConceptType string
	Pages       int
	Concepts    int
	Enqueued    int
	Skipped     int // items missing identifiers
}

// Loader drives a backfill.
type Loader struct {
	catalog     Searcher
	queue       queue.Queue
	checkpoints CheckpointStore
	logger      *slog.Logger
	opts        Options
}

// NewLoader creates a backfill loader.
func NewLoader(catalog Searcher, q queue.Queue, checkpoints CheckpointStore, logger *slog.Logger, opts Options) *Loader {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		catalog:     catalog,
		queue:       q,
		checkpoints: checkpoints,
		logger:      logger,
		opts:        opts,
	}
}

// Run backfills one concept type, optionally filtered by catalog search
// params (e.g. provider). It resumes from the stored checkpoint, saves
// progress after every fully enqueued page, and clears the checkpoint on
// completion. Because jobs deduplicate per revision downstream, pages
// re-read after a crash converge to the same stored state.
func (l *Loader) Run(ctx context.Context, conceptType string, searchParams url.Values) (*Summary, error) {
	summary := &Summary{ConceptType: conceptType}

	checkpoint, err := l.checkpoints.Load(conceptType)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		checkpoint = &Checkpoint{ConceptType: conceptType, PageNum: 1}
	} else {
		summary.Enqueued = checkpoint.Enqueued
		l.logger.Info("resuming backfill",
			"conceptType", conceptType, "pageNum", checkpoint.PageNum, "enqueued", checkpoint.Enqueued)
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		page, err := l.catalog.SearchPage(ctx, conceptType, searchParams, l.opts.PageSize, checkpoint.PageNum)
		if err != nil {
			return summary, err
		}
		summary.Pages++
		summary.Concepts += len(page.Items)

		enqueued, skipped, err := l.enqueuePage(ctx, conceptType, page)
		if err != nil {
			return summary, err
		}
		summary.Enqueued += enqueued
		summary.Skipped += skipped

		totalFetched := checkpoint.PageNum * l.opts.PageSize
		checkpoint.PageNum++
		checkpoint.Enqueued = summary.Enqueued
		if !l.opts.DryRun {
			if err := l.checkpoints.Save(checkpoint); err != nil {
				return summary, err
			}
		}

		if !page.HasMore(totalFetched) {
			break
		}
	}

	if !l.opts.DryRun {
		if err := l.checkpoints.Clear(conceptType); err != nil {
			return summary, err
		}
	}
	l.logger.Info("backfill complete",
		"conceptType", conceptType, "pages", summary.Pages,
		"enqueued", summary.Enqueued, "skipped", summary.Skipped)
	return summary, nil
}

func (l *Loader) enqueuePage(ctx context.Context, conceptType string, page *cmr.Page) (enqueued, skipped int, err error) {
	batch := []*queue.Message{}
	flush := func() error {
		if len(batch) == 0 || l.opts.DryRun {
			batch = batch[:0]
			return nil
		}
		if err := l.queue.Enqueue(ctx, batch...); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, item := range page.Items {
		info, err := cmr.ExtractConceptInfo(conceptType, item)
		if err != nil {
			l.logger.Warn("skipping unidentifiable item", "conceptType", conceptType, "error", err)
			skipped++
			continue
		}

		job := &pipeline.EmbeddingJob{
			ConceptType: info.ConceptType,
			ConceptID:   info.ConceptID,
			Attribute:   pipeline.AttributeAll,
			Action:      pipeline.ActionEmbed,
			RevisionID:  info.RevisionID,
		}
		body, err := job.Encode()
		if err != nil {
			return enqueued, skipped, err
		}
		batch = append(batch, &queue.Message{
			Body:            body,
			GroupID:         job.GroupID(),
			DeduplicationID: job.DeduplicationID(),
		})
		enqueued++

		if len(batch) == enqueueBatchSize {
			if err := flush(); err != nil {
				return enqueued, skipped, err
			}
		}
	}
	return enqueued, skipped, flush()
}
