// Package kms is a client for the Keyword Management System, the
// controlled vocabulary (platforms, instruments, science keywords)
// referenced by catalog concepts.
package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nasa/earthdata-mcp/internal/lru"
)

const defaultBaseURL = "https://cmr.earthdata.nasa.gov/kms"

// Term is a resolved vocabulary term.
type Term struct {
	UUID       string
	Scheme     string
	Term       string
	Definition string
}

// Client looks up vocabulary terms, caching results in process: the same
// platform or keyword appears on thousands of concepts, and terms change
// rarely.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache[string, *Term]
}

// NewClient creates a KMS client. An empty baseURL selects the production
// KMS instance.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      lru.New[string, *Term](2000, time.Hour),
	}
}

// LookupTerm resolves a term within a scheme. Exact prefLabel matches win
// (case-insensitive); otherwise the first search result is taken. A nil
// Term with nil error means the term is simply not in the vocabulary.
func (c *Client) LookupTerm(ctx context.Context, term, scheme string) (*Term, error) {
	cacheKey := scheme + "/" + term
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached, nil
	}

	uuid, err := c.searchUUID(ctx, term, scheme)
	if err != nil {
		return nil, err
	}
	if uuid == "" {
		slog.Debug("kms term not found", "scheme", scheme, "term", term)
		// Negative result cached too, with the same TTL.
		c.cache.Set(cacheKey, nil)
		return nil, nil
	}

	definition := c.fetchDefinition(ctx, uuid)

	resolved := &Term{
		UUID:       uuid,
		Scheme:     scheme,
		Term:       term,
		Definition: definition,
	}
	c.cache.Set(cacheKey, resolved)
	return resolved, nil
}

// ClearCache drops all cached lookups.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

func (c *Client) searchUUID(ctx context.Context, term, scheme string) (string, error) {
	rawURL := fmt.Sprintf("%s/concepts/concept_scheme/%s/pattern/%s?format=json",
		c.baseURL, url.PathEscape(scheme), url.PathEscape(term))

	var response struct {
		Concepts []struct {
			UUID      string `json:"uuid"`
			PrefLabel string `json:"prefLabel"`
		} `json:"concepts"`
	}
	if err := c.getJSON(ctx, rawURL, &response); err != nil {
		return "", fmt.Errorf("kms search for %s/%s: %w", scheme, term, err)
	}

	for _, concept := range response.Concepts {
		if strings.EqualFold(concept.PrefLabel, term) && concept.UUID != "" {
			return concept.UUID, nil
		}
	}
	if len(response.Concepts) > 0 {
		return response.Concepts[0].UUID, nil
	}
	return "", nil
}

// fetchDefinition is best-effort: a term without a definition is still
// usable for embedding.
func (c *Client) fetchDefinition(ctx context.Context, uuid string) string {
	rawURL := fmt.Sprintf("%s/concept/%s?format=json", c.baseURL, url.PathEscape(uuid))

	var response struct {
		Definition string `json:"definition"`
	}
	if err := c.getJSON(ctx, rawURL, &response); err != nil {
		slog.Debug("kms definition fetch failed", "uuid", uuid, "error", err)
		return ""
	}
	return response.Definition
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
