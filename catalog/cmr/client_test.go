package cmr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchConcept(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/concepts/C1-PROV/3.umm_json", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"EntryTitle": "Test Collection"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	concept, err := client.FetchConcept(context.Background(), "C1-PROV", "3")
	require.NoError(t, err)
	assert.Equal(t, "Test Collection", concept["EntryTitle"])
}

func TestFetchConceptError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.FetchConcept(context.Background(), "C1-PROV", "3")
	require.Error(t, err)
	var cmrErr *Error
	assert.ErrorAs(t, err, &cmrErr)
}

func TestFetchAssociations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "C1-PROV", r.URL.Query().Get("concept_id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []any{
				map[string]any{
					"meta": map[string]any{
						"associations": map[string]any{
							"variables": []string{"V1-PROV", "V2-PROV"},
							"citations": []string{"CIT1-PROV"},
						},
					},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	associations := client.FetchAssociations(context.Background(), "C1-PROV")
	assert.Equal(t, []string{"V1-PROV", "V2-PROV"}, associations["variables"])
	assert.Equal(t, []string{"CIT1-PROV"}, associations["citations"])
}

func TestFetchAssociationsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	associations := client.FetchAssociations(context.Background(), "C1-PROV")
	assert.Empty(t, associations, "association lookup failures degrade to empty, not error")
}

func TestSearchPage(t *testing.T) {
	const hits = 5
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/collections.umm_json", r.URL.Path)
		assert.Equal(t, "EOSDIS", r.URL.Query().Get("consortium"))

		pageNum, _ := strconv.Atoi(r.URL.Query().Get("page_num"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
		items := []any{}
		for i := 0; i < pageSize && (pageNum-1)*pageSize+i < hits; i++ {
			items = append(items, map[string]any{
				"meta": map[string]any{
					"concept-id":  fmt.Sprintf("C%d-PROV", (pageNum-1)*pageSize+i),
					"revision-id": 1,
				},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hits": hits, "items": items})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	params := url.Values{}
	params.Set("consortium", "EOSDIS")

	page1, err := client.SearchPage(context.Background(), "collection", params, 2, 1)
	require.NoError(t, err)
	assert.Len(t, page1.Items, 2)
	assert.Equal(t, hits, page1.Hits)
	assert.True(t, page1.HasMore(2))

	page3, err := client.SearchPage(context.Background(), "collection", params, 2, 3)
	require.NoError(t, err)
	assert.Len(t, page3.Items, 1)
	assert.False(t, page3.HasMore(5))
}

func TestSearchPageUnsupportedType(t *testing.T) {
	client := NewClient("http://example.invalid")
	_, err := client.SearchPage(context.Background(), "granule", nil, 10, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported concept type")
}
