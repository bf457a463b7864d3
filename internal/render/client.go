// Package render talks to the headless render backend that turns a URL into
// markdown and a list of links.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrBackendStatus is returned when the backend answers with a non-200 status
// or reports an unsuccessful crawl.
var ErrBackendStatus = errors.New("render backend status")

const (
	defaultPageTimeout = 60 * time.Second
	maxResponseBytes   = 32 << 20
)

// Config controls the render client.
type Config struct {
	Endpoint      string
	PageTimeout   time.Duration
	UserAgentMode string
	Headless      bool
	HTTPClient    *http.Client
}

// Page is the backend's answer for one URL.
type Page struct {
	URL           string
	Markdown      string
	Title         string
	InternalLinks []string
	StatusCode    int
}

// Client posts crawl requests to the render backend.
type Client struct {
	endpoint    string
	pageTimeout time.Duration
	userAgent   string
	headless    bool
	http        *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("render endpoint is required")
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = defaultPageTimeout
	}
	if cfg.UserAgentMode == "" {
		cfg.UserAgentMode = "random"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		pageTimeout: cfg.PageTimeout,
		userAgent:   cfg.UserAgentMode,
		headless:    cfg.Headless,
		http:        httpClient,
	}, nil
}

// PageTimeout is the per-page budget passed to the backend.
func (c *Client) PageTimeout() time.Duration {
	return c.pageTimeout
}

type browserConfig struct {
	Headless      bool   `json:"headless"`
	EnableStealth bool   `json:"enable_stealth"`
	UserAgentMode string `json:"user_agent_mode"`
	JavaScript    bool   `json:"java_script_enabled"`
	IgnoreHTTPS   bool   `json:"ignore_https_errors"`
}

type crawlerConfig struct {
	PageTimeoutMS  int64  `json:"page_timeout"`
	ScoreLinks     bool   `json:"score_links"`
	ScanFullPage   bool   `json:"scan_full_page"`
	Magic          bool   `json:"magic"`
	SimulateUser   bool   `json:"simulate_user"`
	OverrideNav    bool   `json:"override_navigator"`
	RemoveOverlays bool   `json:"remove_overlay_elements"`
	CacheMode      string `json:"cache_mode"`
}

type crawlRequest struct {
	URLs          []string      `json:"urls"`
	BrowserConfig browserConfig `json:"browser_config"`
	CrawlerConfig crawlerConfig `json:"crawler_config"`
}

type crawlResponse struct {
	Results []crawlResult `json:"results"`
}

type crawlResult struct {
	URL          string          `json:"url"`
	Success      *bool           `json:"success"`
	StatusCode   int             `json:"status_code"`
	ErrorMessage string          `json:"error_message"`
	Markdown     json.RawMessage `json:"markdown"`
	Metadata     struct {
		Title string `json:"title"`
	} `json:"metadata"`
	Links struct {
		Internal []struct {
			Href string `json:"href"`
		} `json:"internal"`
	} `json:"links"`
}

// Render fetches one URL through the backend. The request is bounded by the
// configured page timeout on top of ctx.
func (c *Client) Render(ctx context.Context, url string) (Page, error) {
	payload, err := json.Marshal(c.request(url))
	if err != nil {
		return Page{}, fmt.Errorf("marshal render request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.pageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Page{}, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Page{}, fmt.Errorf("read render response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Page{StatusCode: resp.StatusCode}, fmt.Errorf("render %s: %w %d", url, ErrBackendStatus, resp.StatusCode)
	}

	var decoded crawlResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Page{}, fmt.Errorf("decode render response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return Page{}, fmt.Errorf("render %s: empty results", url)
	}
	return toPage(url, decoded.Results[0])
}

func (c *Client) request(url string) crawlRequest {
	return crawlRequest{
		URLs: []string{url},
		BrowserConfig: browserConfig{
			Headless:      c.headless,
			EnableStealth: true,
			UserAgentMode: c.userAgent,
			JavaScript:    true,
			IgnoreHTTPS:   true,
		},
		CrawlerConfig: crawlerConfig{
			PageTimeoutMS:  c.pageTimeout.Milliseconds(),
			ScoreLinks:     true,
			ScanFullPage:   true,
			Magic:          true,
			SimulateUser:   true,
			OverrideNav:    true,
			RemoveOverlays: true,
			CacheMode:      "bypass",
		},
	}
}

func toPage(requested string, r crawlResult) (Page, error) {
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if r.Success != nil && !*r.Success {
		msg := r.ErrorMessage
		if msg == "" {
			msg = "crawl unsuccessful"
		}
		return Page{URL: requested, StatusCode: status}, fmt.Errorf("render %s: %w: %s", requested, ErrBackendStatus, msg)
	}
	if status != http.StatusOK {
		return Page{URL: requested, StatusCode: status}, fmt.Errorf("render %s: %w %d", requested, ErrBackendStatus, status)
	}

	markdown, err := decodeMarkdown(r.Markdown)
	if err != nil {
		return Page{}, err
	}
	links := make([]string, 0, len(r.Links.Internal))
	for _, l := range r.Links.Internal {
		if href := strings.TrimSpace(l.Href); href != "" {
			links = append(links, href)
		}
	}
	url := r.URL
	if url == "" {
		url = requested
	}
	return Page{
		URL:           url,
		Markdown:      markdown,
		Title:         strings.TrimSpace(r.Metadata.Title),
		InternalLinks: links,
		StatusCode:    status,
	}, nil
}

// decodeMarkdown accepts either a plain string or an object carrying
// raw_markdown, which newer backend versions return.
func decodeMarkdown(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		RawMarkdown string `json:"raw_markdown"`
		FitMarkdown string `json:"fit_markdown"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode markdown field: %w", err)
	}
	if obj.RawMarkdown != "" {
		return obj.RawMarkdown, nil
	}
	return obj.FitMarkdown, nil
}
