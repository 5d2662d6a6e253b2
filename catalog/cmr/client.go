// Package cmr is a client for the Common Metadata Repository, the catalog
// the pipeline embeds. It fetches single concept revisions for the
// embedding worker and pages search results for the bootstrap loader.
package cmr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const defaultBaseURL = "https://cmr.earthdata.nasa.gov"

var conceptEndpoints = map[string]string{
	"collection": "/search/collections.umm_json",
	"variable":   "/search/variables.umm_json",
	"citation":   "/search/citations.umm_json",
}

// Error is returned when a CMR request fails.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cmr %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client talks to a CMR instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a CMR client. An empty baseURL selects the production
// CMR instance.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Op: op, Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Err: errors.Wrap(err, "failed to decode response")}
	}
	return nil
}

// FetchConcept fetches one concept revision's UMM metadata.
func (c *Client) FetchConcept(ctx context.Context, conceptID, revisionID string) (map[string]any, error) {
	rawURL := fmt.Sprintf("%s/search/concepts/%s/%s.umm_json", c.baseURL, url.PathEscape(conceptID), url.PathEscape(revisionID))

	var concept map[string]any
	if err := c.getJSON(ctx, "fetch concept "+conceptID, rawURL, &concept); err != nil {
		return nil, err
	}
	return concept, nil
}

// FetchAssociations fetches a collection's associations (variables,
// citations). A failed lookup returns an empty map, not an error:
// associations are best-effort enrichment.
func (c *Client) FetchAssociations(ctx context.Context, conceptID string) map[string][]string {
	params := url.Values{}
	params.Set("concept_id", conceptID)
	params.Set("include_has_granules", "false")
	rawURL := c.baseURL + "/search/collections.umm_json?" + params.Encode()

	var response struct {
		Items []struct {
			Meta struct {
				Associations map[string][]string `json:"associations"`
			} `json:"meta"`
		} `json:"items"`
	}
	if err := c.getJSON(ctx, "fetch associations "+conceptID, rawURL, &response); err != nil {
		return map[string][]string{}
	}
	if len(response.Items) == 0 || response.Items[0].Meta.Associations == nil {
		return map[string][]string{}
	}
	return response.Items[0].Meta.Associations
}

// Page is one page of a paginated CMR search.
type Page struct {
	Num   int
	Items []map[string]any
	Hits  int
}

// HasMore reports whether pages remain after this one, given the number of
// items already fetched including this page.
func (p *Page) HasMore(totalFetched int) bool {
	return len(p.Items) > 0 && totalFetched < p.Hits
}

// SearchPage fetches one page of a CMR search. Page numbers are 1-based so
// a caller can resume from a persisted cursor.
func (c *Client) SearchPage(ctx context.Context, conceptType string, searchParams url.Values, pageSize, pageNum int) (*Page, error) {
	endpoint, ok := conceptEndpoints[conceptType]
	if !ok {
		return nil, &Error{
			Op:  "search",
			Err: errors.Errorf("unsupported concept type %q", conceptType),
		}
	}

	params := url.Values{}
	for key, vals := range searchParams {
		params[key] = vals
	}
	params.Set("page_size", strconv.Itoa(pageSize))
	params.Set("page_num", strconv.Itoa(pageNum))

	var response struct {
		Hits  int              `json:"hits"`
		Items []map[string]any `json:"items"`
	}
	rawURL := c.baseURL + endpoint + "?" + params.Encode()
	if err := c.getJSON(ctx, fmt.Sprintf("search %s page %d", conceptType, pageNum), rawURL, &response); err != nil {
		return nil, err
	}

	return &Page{Num: pageNum, Items: response.Items, Hits: response.Hits}, nil
}
