package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/internal/profile"
	"github.com/nasa/earthdata-mcp/pipeline"
	"github.com/nasa/earthdata-mcp/pipeline/ingest"
	"github.com/nasa/earthdata-mcp/pipeline/queue"
	"github.com/nasa/earthdata-mcp/store"
	"github.com/nasa/earthdata-mcp/store/db/memory"
)

const testDim = 8

type serverFixture struct {
	server   *Server
	store    *store.Store
	broker   *queue.Broker
	embedder ai.EmbeddingService
}

// downEmbedder simulates a provider outage.
type downEmbedder struct{}

func (downEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, &ai.ProviderError{Op: "embed", Err: errors.New("upstream 503"), Retryable: true}
}

func (downEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, &ai.ProviderError{Op: "embed", Err: errors.New("upstream 503"), Retryable: true}
}

func (downEmbedder) Dimensions() int { return testDim }

func newServerFixture(t *testing.T, embedder ai.EmbeddingService) *serverFixture {
	t.Helper()
	p := &profile.Profile{Mode: "dev", Driver: "memory", EmbeddingDimensions: testDim, Addr: "127.0.0.1", Port: 0}
	require.NoError(t, p.Validate())

	s := store.New(memory.NewDB(p), p)
	broker := queue.NewBroker(queue.DefaultOptions())
	if embedder == nil {
		embedder = ai.NewFakeEmbeddingService(testDim)
	}

	search := NewSearchService(s, embedder, nil, slog.Default())
	normalizer := ingest.NewNormalizer(broker, slog.Default())
	server, err := NewServer(context.Background(), p, s, search, normalizer, nil, slog.Default())
	require.NoError(t, err)

	return &serverFixture{server: server, store: s, broker: broker, embedder: embedder}
}

func (f *serverFixture) seed(t *testing.T, conceptType, conceptID, attribute, text string) {
	t.Helper()
	vector, err := f.embedder.Embed(context.Background(), text)
	require.NoError(t, err)
	_, err = f.store.UpsertConceptEmbedding(context.Background(), &store.ConceptEmbedding{
		ConceptType: conceptType,
		ConceptID:   conceptID,
		Attribute:   attribute,
		TextContent: text,
		Embedding:   vector,
	})
	require.NoError(t, err)
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestSearchEndpointRanksResults(t *testing.T) {
	f := newServerFixture(t, nil)
	f.seed(t, "collection", "C1", "abstract", "sea surface temperature from satellite radiometers")
	f.seed(t, "collection", "C2", "abstract", "vegetation index over land")

	rec := f.do(http.MethodPost, "/api/v1/search", `{"query":"ocean surface temperature"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var response SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.NotEmpty(t, response.Hits)
	assert.Equal(t, "C1", response.Hits[0].ConceptID)
}

func TestSearchEndpointEmptyResultIsNotAnError(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/search", `{"query":"anything at all"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var response SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.NotNil(t, response.Hits)
	assert.Empty(t, response.Hits)
}

func TestSearchEndpointProviderDownIsRetryable(t *testing.T) {
	f := newServerFixture(t, downEmbedder{})

	rec := f.do(http.MethodPost, "/api/v1/search", `{"query":"ocean"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSearchEndpointValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/search", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/search", `{"query":"x","concept-type":"granule"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEndpointExpandsAssociations(t *testing.T) {
	f := newServerFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "collection", "C1", "abstract", "sea surface temperature observations")
	_, err := f.store.ReplaceConceptAssociations(ctx, "C1", []*store.ConceptAssociation{
		{LeftConceptType: "collection", LeftConceptID: "C1", RightConceptType: "variable", RightConceptID: "V1"},
	})
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/api/v1/search", `{"query":"sea surface temperature","expand":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var response SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.NotEmpty(t, response.Hits)
	require.Len(t, response.Hits[0].Associated, 1)
	assert.Equal(t, "V1", response.Hits[0].Associated[0].ConceptID)
}

func TestNotificationsEndpointEnqueues(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/notifications",
		`[{"concept-type":"collection","concept-id":"C1","action":"update","revision-id":2,"changed-attributes":["title"]}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var receipt NotificationReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, 1, receipt.Processed)
	assert.Equal(t, 0, receipt.Failed)

	batch, err := f.broker.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	job, err := pipeline.DecodeJob(batch[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "C1", job.ConceptID)
	assert.Equal(t, "title", job.Attribute)
}

func TestNotificationsEndpointReportsRejectedRecords(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/notifications",
		`[{"concept-type":"granule","concept-id":"G1","action":"update"},
		  {"concept-type":"collection","concept-id":"C1","action":"update","revision-id":1}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var receipt NotificationReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, 1, receipt.Processed)
	assert.Equal(t, 1, receipt.Failed)
	require.Len(t, receipt.Errors, 1)
	assert.Equal(t, "G1", receipt.Errors[0].Notification.ConceptID)
	assert.Contains(t, receipt.Errors[0].Reason, "concept type")

	batch, err := f.broker.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	job, err := pipeline.DecodeJob(batch[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "C1", job.ConceptID, "the valid record still flows to the queue")
}

func TestNotificationsEndpointValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/notifications", `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/notifications", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
