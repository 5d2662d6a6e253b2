package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/catalog/kms"
	"github.com/nasa/earthdata-mcp/internal/profile"
	"github.com/nasa/earthdata-mcp/pipeline"
	"github.com/nasa/earthdata-mcp/pipeline/queue"
	"github.com/nasa/earthdata-mcp/store"
	"github.com/nasa/earthdata-mcp/store/db/memory"
)

const testDim = 8

type fakeCatalog struct {
	mu           sync.Mutex
	concepts     map[string]map[string]any // conceptID -> UMM metadata
	associations map[string]map[string][]string
	fetchErr     error
	fetchCalls   int
}

func (c *fakeCatalog) FetchConcept(_ context.Context, conceptID, _ string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	metadata, ok := c.concepts[conceptID]
	if !ok {
		return nil, errors.Errorf("concept %s not found", conceptID)
	}
	return metadata, nil
}

func (c *fakeCatalog) FetchAssociations(_ context.Context, conceptID string) map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if assoc, ok := c.associations[conceptID]; ok {
		return assoc
	}
	return map[string][]string{}
}

type fakeVocabulary struct {
	mu    sync.Mutex
	terms map[string]*kms.Term // scheme/term -> resolved
	calls int
}

func (v *fakeVocabulary) LookupTerm(_ context.Context, term, scheme string) (*kms.Term, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.terms[scheme+"/"+term], nil
}

type fixture struct {
	pool    *Pool
	broker  *queue.Broker
	store   *store.Store
	catalog *fakeCatalog
	vocab   *fakeVocabulary
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := &profile.Profile{Mode: "dev", Driver: "memory", EmbeddingDimensions: testDim}
	require.NoError(t, p.Validate())

	s := store.New(memory.NewDB(p), p)
	broker := queue.NewBroker(queue.Options{
		VisibilityTimeout: time.Second,
		MaxReceiveCount:   2,
		DedupWindow:       time.Minute,
	})
	catalog := &fakeCatalog{
		concepts:     map[string]map[string]any{},
		associations: map[string]map[string][]string{},
	}
	vocab := &fakeVocabulary{terms: map[string]*kms.Term{}}

	pool := NewPool(broker, s, ai.NewFakeEmbeddingService(testDim), catalog, vocab, nil, slog.Default(), Options{
		WorkerCount:      2,
		MaxInFlight:      4,
		ReceiveBatchSize: 5,
		JobTimeout:       5 * time.Second,
	})
	return &fixture{pool: pool, broker: broker, store: s, catalog: catalog, vocab: vocab}
}

func (f *fixture) handle(t *testing.T, job *pipeline.EmbeddingJob) {
	t.Helper()
	require.NoError(t, f.pool.Handle(context.Background(), job))
}

func strptr(s string) *string { return &s }

func TestRefreshConceptStoresAllChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.concepts["C1"] = map[string]any{
		"EntryTitle": "MODIS Sea Surface Temperature",
		"Abstract":   "Global SST observations.",
		"Purpose":    "Climate research.",
	}
	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	})

	rows, err := f.store.ListConceptEmbeddings(ctx, &store.FindConceptEmbedding{ConceptID: strptr("C1")})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Len(t, row.Embedding, testDim)
		assert.NotEmpty(t, row.TextContent)
	}
}

func TestRefreshConceptDropsStaleAttributes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.concepts["C1"] = map[string]any{
		"EntryTitle": "Original title",
		"Purpose":    "Original purpose",
	}
	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	})

	// The next revision removed the purpose field.
	f.catalog.concepts["C1"] = map[string]any{"EntryTitle": "New title"}
	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 2,
	})

	rows, err := f.store.ListConceptEmbeddings(ctx, &store.FindConceptEmbedding{ConceptID: strptr("C1")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "title", rows[0].Attribute)
	assert.Equal(t, "New title", rows[0].TextContent)
}

func TestRefreshConceptLinksVocabulary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.concepts["C1"] = map[string]any{
		"EntryTitle": "Aqua MODIS L3 SST",
		"ScienceKeywords": []any{
			map[string]any{"Term": "Ocean Temperature", "VariableLevel1": "Sea Surface Temperature"},
		},
		"Platforms": []any{
			map[string]any{"ShortName": "Aqua", "Instruments": []any{
				map[string]any{"ShortName": "MODIS"},
			}},
		},
	}
	f.vocab.terms = map[string]*kms.Term{
		"sciencekeywords/Sea Surface Temperature": {UUID: "uuid-sst", Scheme: "sciencekeywords", Term: "Sea Surface Temperature", Definition: "Temperature of the ocean surface."},
		"platforms/Aqua":                          {UUID: "uuid-aqua", Scheme: "platforms", Term: "Aqua"},
		// MODIS is not in the vocabulary.
	}

	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	})

	links, err := f.store.ListConceptKmsAssociations(ctx, &store.FindConceptKmsAssociation{ConceptID: strptr("C1")})
	require.NoError(t, err)
	require.Len(t, links, 2, "unresolvable terms are skipped, not fatal")

	sst, err := f.store.GetKmsEmbedding(ctx, "uuid-sst")
	require.NoError(t, err)
	assert.Equal(t, "Sea Surface Temperature", sst.Term)
	assert.Len(t, sst.Embedding, testDim)
}

func TestRefreshConceptSkipsAlreadyEmbeddedTerms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing := &store.KmsEmbedding{
		KmsUUID: "uuid-aqua", Scheme: "platforms", Term: "Aqua",
		Embedding: make([]float32, testDim),
	}
	existing.Embedding[0] = 1
	_, err := f.store.UpsertKmsEmbedding(ctx, existing)
	require.NoError(t, err)

	f.catalog.concepts["C1"] = map[string]any{
		"EntryTitle": "Aqua data",
		"Platforms":  []any{map[string]any{"ShortName": "Aqua"}},
	}
	f.vocab.terms = map[string]*kms.Term{
		"platforms/Aqua": {UUID: "uuid-aqua", Scheme: "platforms", Term: "Aqua"},
	}

	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	})

	got, err := f.store.GetKmsEmbedding(ctx, "uuid-aqua")
	require.NoError(t, err)
	assert.Equal(t, float32(1), got.Embedding[0], "stored term is not re-embedded")
}

func TestRefreshCollectionAssociations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.concepts["C1"] = map[string]any{"EntryTitle": "Collection"}
	f.catalog.associations["C1"] = map[string][]string{
		"variables": {"V1", "V2"},
		"citations": {"CIT1"},
		"services":  {"S1"}, // not a concept type the pipeline tracks
	}

	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	})

	edges, err := f.store.ListConceptAssociations(ctx, &store.FindConceptAssociation{LeftConceptID: strptr("C1")})
	require.NoError(t, err)
	assert.Len(t, edges, 3)
}

func TestEmbedSingleAttributeFromSourceText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "variable", ConceptID: "V1",
		Attribute: "long_name", Action: pipeline.ActionEmbed, RevisionID: 4,
		SourceText: "Sea surface skin temperature",
	})

	rows, err := f.store.ListConceptEmbeddings(ctx, &store.FindConceptEmbedding{ConceptID: strptr("V1")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "long_name", rows[0].Attribute)
	assert.Equal(t, 0, f.catalog.fetchCalls, "source text avoids the catalog round trip")
}

func TestEmbedSingleAttributeFetchesWhenTextMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.concepts["V1"] = map[string]any{"Name": "sst", "LongName": "Sea Surface Temperature"}
	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "variable", ConceptID: "V1",
		Attribute: "long_name", Action: pipeline.ActionEmbed, RevisionID: 2,
	})

	rows, err := f.store.ListConceptEmbeddings(ctx, &store.FindConceptEmbedding{ConceptID: strptr("V1")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Sea Surface Temperature", rows[0].TextContent)
}

func TestEmbedAttributeClearedUpstreamDeletesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: "purpose", Action: pipeline.ActionEmbed, RevisionID: 1,
		SourceText: "Original purpose",
	})

	// Revision 2 cleared the purpose field.
	f.catalog.concepts["C1"] = map[string]any{"EntryTitle": "Title only"}
	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: "purpose", Action: pipeline.ActionEmbed, RevisionID: 2,
	})

	rows, err := f.store.ListConceptEmbeddings(ctx, &store.FindConceptEmbedding{ConceptID: strptr("C1")})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteConceptRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.concepts["C1"] = map[string]any{"EntryTitle": "Doomed collection"}
	f.catalog.associations["C1"] = map[string][]string{"variables": {"V1"}}
	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	})

	f.handle(t, &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionDelete, RevisionID: 2,
	})

	rows, err := f.store.ListConceptEmbeddings(ctx, &store.FindConceptEmbedding{ConceptID: strptr("C1")})
	require.NoError(t, err)
	assert.Empty(t, rows)
	edges, err := f.store.ListConceptAssociations(ctx, &store.FindConceptAssociation{LeftConceptID: strptr("C1")})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestPoolIsolatesFailuresPerMessage(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.catalog.concepts["C-good"] = map[string]any{"EntryTitle": "Fine"}

	good := &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C-good",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	}
	goodBody, err := good.Encode()
	require.NoError(t, err)

	require.NoError(t, f.broker.Enqueue(ctx,
		&queue.Message{Body: []byte(`{"concept-type":"granule","concept-id":"G1","attribute":"*","action":"embed"}`), GroupID: "granule:G1"},
		&queue.Message{Body: goodBody, GroupID: good.GroupID()},
	))

	go f.pool.Run(ctx)

	require.Eventually(t, func() bool {
		rows, err := f.store.ListConceptEmbeddings(context.Background(), &store.FindConceptEmbedding{ConceptID: strptr("C-good")})
		return err == nil && len(rows) == 1
	}, 3*time.Second, 20*time.Millisecond, "valid message processed despite poison neighbor")

	require.Eventually(t, func() bool {
		return len(f.broker.DeadLetters()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	dead := f.broker.DeadLetters()
	assert.Contains(t, dead[0].Reason, "unsupported concept type")
}

func TestPoolRetriesTransientThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.catalog.fetchErr = errors.New("catalog unavailable")

	job := &pipeline.EmbeddingJob{
		ConceptType: "collection", ConceptID: "C1",
		Attribute: pipeline.AttributeAll, Action: pipeline.ActionEmbed, RevisionID: 1,
	}
	body, err := job.Encode()
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(ctx, &queue.Message{Body: body, GroupID: job.GroupID()}))

	go f.pool.Run(ctx)

	// MaxReceiveCount is 2: one delivery, one redelivery, then the DLQ.
	require.Eventually(t, func() bool {
		return len(f.broker.DeadLetters()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	f.catalog.mu.Lock()
	calls := f.catalog.fetchCalls
	f.catalog.mu.Unlock()
	assert.Equal(t, 2, calls)
}
