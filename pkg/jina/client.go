// Package jina provides a client for the Jina AI reader and search API.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shadow-cli/internal/resilience"
)

// Client defines the Jina AI Reader operations.
type Client interface {
	// Read fetches a URL via Jina AI Reader and returns its text content.
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
	// Search performs a web search via Jina AI Search.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// ReadResponse is the parsed Jina API response.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the content from Jina.
type ReadData struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Usage       ReadUsage `json:"usage"`
}

// ReadUsage tracks token consumption.
type ReadUsage struct {
	Tokens int `json:"tokens"`
}

// SearchResponse is the parsed Jina Search API response.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	Description string    `json:"description"`
	Usage       ReadUsage `json:"usage"`
}

// Tokens sums the usage reported across results.
func (r *SearchResponse) Tokens() int {
	n := 0
	for _, d := range r.Data {
		n += d.Usage.Tokens
	}
	return n
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	site string
}

// WithSiteFilter restricts search results to a domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) { o.site = domain }
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets the reader base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithSearchBaseURL sets the search base URL (for testing).
func WithSearchBaseURL(u string) Option {
	return func(c *httpClient) { c.searchBaseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithBackoff overrides the retry policy for transient failures.
func WithBackoff(b resilience.Backoff) Option {
	return func(c *httpClient) { c.backoff = b }
}

type httpClient struct {
	apiKey        string
	baseURL       string
	searchBaseURL string
	http          *http.Client
	backoff       resilience.Backoff
}

// NewClient creates a Jina client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:        apiKey,
		baseURL:       "https://r.jina.ai",
		searchBaseURL: "https://s.jina.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff: resilience.DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff.OnRetry == nil {
		c.backoff.OnRetry = resilience.LogRetry("jina", "request")
	}
	return c
}

type reply struct {
	status int
	body   []byte
}

// get performs a GET with retries on transient failures. A final
// retryable status is returned as *resilience.StatusError; other statuses
// are handed back to the caller.
func (c *httpClient) get(ctx context.Context, reqURL string, headers map[string]string) (reply, error) {
	return resilience.Retry(ctx, c.backoff, func(ctx context.Context) (reply, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return reply{}, eris.Wrap(err, "jina: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return reply{}, err
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return reply{}, eris.Wrap(err, "jina: read response body")
		}
		if resilience.RetryableStatus(resp.StatusCode) {
			return reply{}, &resilience.StatusError{Service: "jina", Status: resp.StatusCode, Body: string(body)}
		}
		return reply{status: resp.StatusCode, body: body}, nil
	})
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	r, err := c.get(ctx, fmt.Sprintf("%s/%s", c.baseURL, targetURL), map[string]string{
		"X-Return-Format": "text",
	})
	if err != nil {
		return nil, eris.Wrap(err, "jina: read")
	}
	if r.status != http.StatusOK {
		return nil, eris.Wrap(&resilience.StatusError{Service: "jina", Status: r.status, Body: string(r.body)}, "jina: read")
	}

	var out ReadResponse
	if err := json.Unmarshal(r.body, &out); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}
	return &out, nil
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	reqURL := fmt.Sprintf("%s/%s", c.searchBaseURL, url.PathEscape(query))
	if so.site != "" {
		reqURL += "?site=" + url.QueryEscape(so.site)
	}

	r, err := c.get(ctx, reqURL, map[string]string{"X-Respond-With": "no-content"})
	if err != nil {
		return nil, eris.Wrap(err, "jina: search")
	}

	// Jina answers 422 when the query has no results.
	if r.status == http.StatusUnprocessableEntity {
		return &SearchResponse{Code: r.status}, nil
	}
	if r.status != http.StatusOK {
		return nil, eris.Wrap(&resilience.StatusError{Service: "jina", Status: r.status, Body: string(r.body)}, "jina: search")
	}

	var out SearchResponse
	if err := json.Unmarshal(r.body, &out); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal search response")
	}
	return &out, nil
}
