package kms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKmsTestServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		switch {
		case r.URL.Path == "/concepts/concept_scheme/platforms/pattern/TERRA":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"concepts": []any{
					map[string]any{"uuid": "uuid-terra-like", "prefLabel": "TERRA-LIKE"},
					map[string]any{"uuid": "uuid-terra", "prefLabel": "Terra"},
				},
			})
		case r.URL.Path == "/concept/uuid-terra":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"definition": "An EOS satellite.",
			})
		case r.URL.Path == "/concepts/concept_scheme/platforms/pattern/NOPE":
			_ = json.NewEncoder(w).Encode(map[string]any{"concepts": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestLookupTermExactMatchWins(t *testing.T) {
	hits := 0
	server := newKmsTestServer(t, &hits)
	defer server.Close()

	client := NewClient(server.URL)
	term, err := client.LookupTerm(context.Background(), "TERRA", "platforms")
	require.NoError(t, err)
	require.NotNil(t, term)

	assert.Equal(t, "uuid-terra", term.UUID, "case-insensitive exact prefLabel match preferred over first result")
	assert.Equal(t, "An EOS satellite.", term.Definition)
	assert.Equal(t, "platforms", term.Scheme)
}

func TestLookupTermCached(t *testing.T) {
	hits := 0
	server := newKmsTestServer(t, &hits)
	defer server.Close()

	client := NewClient(server.URL)
	ctx := context.Background()

	_, err := client.LookupTerm(ctx, "TERRA", "platforms")
	require.NoError(t, err)
	after := hits

	_, err = client.LookupTerm(ctx, "TERRA", "platforms")
	require.NoError(t, err)
	assert.Equal(t, after, hits, "second lookup served from cache")

	client.ClearCache()
	_, err = client.LookupTerm(ctx, "TERRA", "platforms")
	require.NoError(t, err)
	assert.Greater(t, hits, after)
}

func TestLookupTermNotFound(t *testing.T) {
	hits := 0
	server := newKmsTestServer(t, &hits)
	defer server.Close()

	client := NewClient(server.URL)
	term, err := client.LookupTerm(context.Background(), "NOPE", "platforms")
	require.NoError(t, err)
	assert.Nil(t, term, "missing vocabulary term is not an error")
}

func TestLookupTermServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.LookupTerm(context.Background(), "TERRA", "platforms")
	assert.Error(t, err)
}
