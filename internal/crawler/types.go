package crawler

import (
	"time"
)

// ZoneStatus represents the crawl lifecycle of a zone record.
type ZoneStatus string

// Zone status values persisted in the graph store.
const (
	ZoneStatusPending  ZoneStatus = "pending"
	ZoneStatusCrawling ZoneStatus = "crawling"
	ZoneStatusComplete ZoneStatus = "complete"
)

// CrawlJob is one unit of queue work.
type CrawlJob struct {
	ZoneName string `json:"zone_name"`
	Game     string `json:"game"`
	Priority int    `json:"priority"`
}

// ScopeCategory is a named class of pages to crawl for every zone.
type ScopeCategory struct {
	Name             string   `json:"name" mapstructure:"name"`
	Queries          []string `json:"queries" mapstructure:"queries"`
	PreferredDomains []string `json:"preferred_domains" mapstructure:"preferred_domains"`
	MaxPages         int      `json:"max_pages" mapstructure:"max_pages"`
	MaxLinkPages     int      `json:"max_link_pages" mapstructure:"max_link_pages"`
	Include          []string `json:"include" mapstructure:"include"`
	Exclude          []string `json:"exclude" mapstructure:"exclude"`
}

// Tier classifies source domains for ranking.
type Tier struct {
	Name    string   `json:"name" mapstructure:"name"`
	Weight  float64  `json:"weight" mapstructure:"weight"`
	Domains []string `json:"domains" mapstructure:"domains"`
}

// SearchResult is one candidate URL returned for a category query.
type SearchResult struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Domain     string  `json:"domain"`
	TierName   string  `json:"tier_name"`
	TierWeight float64 `json:"tier_weight"`
}

// CrawlOutcome is the result of fetching one URL. Content is nil when the
// fetch failed; Err carries the reason.
type CrawlOutcome struct {
	URL           string
	Domain        string
	Title         string
	Content       *string
	InternalLinks []string
	StatusCode    int
	ContentHash   string
	Attempts      int
	Blocked       bool
	BlockReason   string
	Duration      time.Duration
	Err           error
}

// OK reports whether the outcome carries storable content.
func (o CrawlOutcome) OK() bool {
	return o.Err == nil && o.Content != nil
}

// PageSidecar is the metadata file written next to each content file.
type PageSidecar struct {
	URL           string    `json:"url"`
	Domain        string    `json:"domain"`
	CrawledAt     time.Time `json:"crawled_at"`
	ContentHash   string    `json:"content_hash"`
	HTTPStatus    int       `json:"http_status"`
	ContentLength int       `json:"content_length"`
}

// ZoneRecord tracks crawl progress of one zone.
type ZoneRecord struct {
	Slug      string     `json:"slug"`
	Name      string     `json:"name"`
	Game      string     `json:"game"`
	Status    ZoneStatus `json:"status"`
	CrawledAt *time.Time `json:"crawled_at,omitempty"`
	PageCount int        `json:"page_count"`
}

// Fresh reports whether the zone completed within interval of now.
func (z ZoneRecord) Fresh(now time.Time, interval time.Duration) bool {
	if z.Status != ZoneStatusComplete || z.CrawledAt == nil {
		return false
	}
	return now.Sub(*z.CrawledAt) < interval
}

// PageRecord is the graph entity for one stored page.
type PageRecord struct {
	URL           string    `json:"url"`
	Zone          string    `json:"zone"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Domain        string    `json:"domain"`
	Path          string    `json:"path"`
	ContentHash   string    `json:"content_hash"`
	CrawledAt     time.Time `json:"crawled_at"`
	ContentLength int       `json:"content_length"`
	HTTPStatus    int       `json:"http_status"`
}

// DomainRecord captures per-domain health.
type DomainRecord struct {
	Name                string     `json:"name"`
	Tier                string     `json:"tier"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}
