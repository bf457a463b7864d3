package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxSearchResponseBytes = 4 << 20

// SearXNG queries a SearXNG instance's JSON API.
type SearXNG struct {
	endpoint   string
	maxResults int
	http       *http.Client
}

// NewSearXNG builds a SearXNG client. endpoint is the instance base URL.
func NewSearXNG(endpoint string, maxResults int, client *http.Client) (*SearXNG, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("searxng endpoint is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &SearXNG{endpoint: strings.TrimRight(endpoint, "/"), maxResults: maxResults, http: client}, nil
}

type searxngResponse struct {
	Results []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"results"`
}

// Search implements Searcher.
func (s *SearXNG) Search(ctx context.Context, query string) ([]Hit, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build searxng request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng %q: %w", query, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng %q: status %d", query, resp.StatusCode)
	}

	var decoded searxngResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchResponseBytes)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode searxng response: %w", err)
	}
	hits := make([]Hit, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.URL == "" {
			continue
		}
		hits = append(hits, Hit{URL: r.URL, Title: r.Title})
		if s.maxResults > 0 && len(hits) >= s.maxResults {
			break
		}
	}
	return hits, nil
}
