// Package context7 is a minimal client for the Context7 documentation API:
// library search plus documentation retrieval for a resolved library id.
package context7

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://context7.com/api"

const apiKeyHeader = "X-Context7-API-Key"

// ErrNotFound indicates the upstream has no documentation for the requested
// library id.
var ErrNotFound = errors.New("documentation not found")

// SearchResult is one candidate library returned by SearchLibraries.
type SearchResult struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Branch         string   `json:"branch"`
	LastUpdateDate string   `json:"lastUpdateDate"`
	TotalTokens    int      `json:"totalTokens"`
	TotalSnippets  int      `json:"totalSnippets"`
	TotalPages     int      `json:"totalPages"`
	TrustScore     float64  `json:"trustScore"`
	Versions       []string `json:"versions,omitempty"`
}

// SearchResponse is the body of a search call.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// DocsRequest carries the optional parameters of a documentation fetch. The
// caller is responsible for token clamping; the client forwards values as
// given.
type DocsRequest struct {
	Tokens  int
	Topic   string
	Folders string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the upstream endpoint. Useful for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey attaches an API key to every upstream call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client talks to the Context7 REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

// NewClient constructs a Client against DefaultBaseURL unless overridden.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchLibraries queries the upstream for libraries matching query.
func (c *Client) SearchLibraries(ctx context.Context, query string) (*SearchResponse, error) {
	u := fmt.Sprintf("%s/v1/search?%s", c.baseURL, url.Values{"query": {query}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		c.log.WarnContext(ctx, "context7.search.status", slog.Int("status", res.StatusCode))
		return nil, fmt.Errorf("search request returned status %d", res.StatusCode)
	}

	var sr SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	c.log.DebugContext(ctx, "context7.search.ok",
		slog.String("query", query),
		slog.Int("results", len(sr.Results)),
		slog.Duration("dur", time.Since(start)))
	return &sr, nil
}

// FetchDocs retrieves documentation text for a bare library id. Any
// `?folders=` selector must already be split off the id and passed via
// DocsRequest.Folders. Returns ErrNotFound when the upstream has no content
// for the id.
func (c *Client) FetchDocs(ctx context.Context, libraryID string, dr DocsRequest) (string, error) {
	id := strings.TrimPrefix(libraryID, "/")
	if id == "" {
		return "", fmt.Errorf("empty library id")
	}

	q := url.Values{"type": {"txt"}}
	if dr.Tokens > 0 {
		q.Set("tokens", strconv.Itoa(dr.Tokens))
	}
	if dr.Topic != "" {
		q.Set("topic", dr.Topic)
	}
	if dr.Folders != "" {
		q.Set("folders", dr.Folders)
	}
	u := fmt.Sprintf("%s/v1/%s?%s", c.baseURL, id, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build docs request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("docs request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if res.StatusCode != http.StatusOK {
		c.log.WarnContext(ctx, "context7.docs.status", slog.Int("status", res.StatusCode))
		return "", fmt.Errorf("docs request returned status %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read docs response: %w", err)
	}

	text := string(body)
	if isEmptyDocs(text) {
		return "", ErrNotFound
	}

	c.log.DebugContext(ctx, "context7.docs.ok",
		slog.String("library_id", id),
		slog.Int("bytes", len(body)),
		slog.Duration("dur", time.Since(start)))
	return text, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json, text/plain")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
}

// isEmptyDocs recognizes the upstream's "nothing here" placeholder bodies.
func isEmptyDocs(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || t == "No content available" || t == "No context data available"
}
