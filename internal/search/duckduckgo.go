package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultDuckDuckGoEndpoint is the HTML-only results page.
const DefaultDuckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the HTML results page.
type DuckDuckGo struct {
	endpoint   string
	maxResults int
	userAgent  string
	http       *http.Client
}

// NewDuckDuckGo builds a DuckDuckGo client. An empty endpoint selects the
// public HTML endpoint.
func NewDuckDuckGo(endpoint string, maxResults int, client *http.Client) *DuckDuckGo {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultDuckDuckGoEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return &DuckDuckGo{
		endpoint:   endpoint,
		maxResults: maxResults,
		userAgent:  "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
		http:       client,
	}
}

// Search implements Searcher.
func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Hit, error) {
	form := url.Values{}
	form.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build duckduckgo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo %q: %w", query, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo %q: status %d", query, resp.StatusCode)
	}
	return parseDuckDuckGo(io.LimitReader(resp.Body, maxSearchResponseBytes), d.maxResults)
}

func parseDuckDuckGo(r io.Reader, maxResults int) ([]Hit, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse duckduckgo html: %w", err)
	}
	hits := []Hit{}
	doc.Find("a.result__a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		target := unwrapRedirect(href)
		if target == "" {
			return true
		}
		hits = append(hits, Hit{URL: target, Title: strings.TrimSpace(sel.Text())})
		return maxResults <= 0 || len(hits) < maxResults
	})
	return hits, nil
}

// unwrapRedirect extracts the destination from DuckDuckGo's /l/?uddg= links.
func unwrapRedirect(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Hostname(), "duckduckgo.com") {
		if strings.HasPrefix(u.Path, "/y.js") {
			return ""
		}
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return href
}
