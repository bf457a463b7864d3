// Package fetcher turns a URL into a CrawlOutcome through the render backend,
// guarded by the per-domain throttle and the block detector.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/blockdetect"
	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/hash/sha256"
	"github.com/JakeFAU/zonecrawler/internal/metrics"
	"github.com/JakeFAU/zonecrawler/internal/render"
)

var (
	// ErrBreakerOpen is returned without a network call when a domain's breaker is tripped.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrBlocked is returned when every attempt was classified as blocked.
	ErrBlocked = errors.New("blocked by anti-bot protection")
	// ErrUpstreamStatus is returned for non-200 page statuses.
	ErrUpstreamStatus = errors.New("upstream status")
	// ErrEmptyContent is returned when the backend renders a page with no text.
	ErrEmptyContent = errors.New("empty content")
)

// Renderer fetches rendered markdown for a URL.
type Renderer interface {
	Render(ctx context.Context, url string) (render.Page, error)
}

// Classifier decides whether content is a block page.
type Classifier interface {
	Classify(content string) blockdetect.Verdict
}

// Throttle spaces requests and tracks per-domain failures.
type Throttle interface {
	Wait(ctx context.Context, domain string) error
	IsTripped(domain string) bool
	ReportSuccess(domain string)
	ReportFailure(domain string) bool
}

// Config controls retry behavior.
type Config struct {
	// MaxBlockRetries is the number of extra attempts after a blocked response.
	MaxBlockRetries int
}

// Fetcher implements the guarded fetch sequence.
type Fetcher struct {
	renderer   Renderer
	classifier Classifier
	throttle   Throttle
	retries    int
	logger     *zap.Logger
	now        func() time.Time
}

// New wires a Fetcher. A nil logger disables logging.
func New(cfg Config, renderer Renderer, classifier Classifier, throttle Throttle, logger *zap.Logger) (*Fetcher, error) {
	if renderer == nil || classifier == nil || throttle == nil {
		return nil, fmt.Errorf("renderer, classifier and throttle are required")
	}
	if cfg.MaxBlockRetries < 0 {
		return nil, fmt.Errorf("max block retries must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		renderer:   renderer,
		classifier: classifier,
		throttle:   throttle,
		retries:    cfg.MaxBlockRetries,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Fetch runs the guarded sequence for one URL. It never panics on upstream
// errors; failures are reported through CrawlOutcome.Err.
//
// The render call runs on a context detached from ctx cancellation so a
// shutdown does not abort a request mid-flight; the render client bounds it
// with its page timeout.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) crawler.CrawlOutcome {
	start := f.now()
	domain := crawler.DomainOf(rawURL)
	outcome := crawler.CrawlOutcome{URL: rawURL, Domain: domain}
	logger := f.logger.With(zap.String("url", rawURL), zap.String("domain", domain))

	finish := func(result string) crawler.CrawlOutcome {
		outcome.Duration = f.now().Sub(start)
		metrics.ObserveFetch(domain, result, outcome.Duration)
		return outcome
	}

	if domain == "" {
		outcome.Err = fmt.Errorf("fetch %s: invalid url", rawURL)
		return finish(metrics.FetchFailed)
	}
	if f.throttle.IsTripped(domain) {
		outcome.Err = fmt.Errorf("fetch %s: %w", domain, ErrBreakerOpen)
		return finish(metrics.FetchBreakerOpen)
	}

	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 && f.throttle.IsTripped(domain) {
			outcome.Err = fmt.Errorf("fetch %s: %w", domain, ErrBreakerOpen)
			return finish(metrics.FetchBreakerOpen)
		}
		if err := f.throttle.Wait(ctx, domain); err != nil {
			outcome.Err = fmt.Errorf("fetch %s: %w", rawURL, err)
			return finish(metrics.FetchFailed)
		}
		outcome.Attempts = attempt + 1

		page, err := f.renderer.Render(context.WithoutCancel(ctx), rawURL)
		if err != nil {
			outcome.StatusCode = page.StatusCode
			if page.StatusCode != 0 && page.StatusCode != 200 {
				err = fmt.Errorf("%w %d: %w", ErrUpstreamStatus, page.StatusCode, err)
			}
			outcome.Err = fmt.Errorf("fetch %s: %w", rawURL, err)
			f.reportFailure(domain)
			logger.Warn("fetch failed", zap.Int("attempt", outcome.Attempts), zap.Error(err))
			return finish(metrics.FetchFailed)
		}

		outcome.StatusCode = page.StatusCode
		if strings.TrimSpace(page.Markdown) == "" {
			outcome.Err = fmt.Errorf("fetch %s: %w", rawURL, ErrEmptyContent)
			f.reportFailure(domain)
			logger.Warn("fetch returned no content", zap.Int("attempt", outcome.Attempts), zap.Int("status", page.StatusCode))
			return finish(metrics.FetchFailed)
		}
		verdict := f.classifier.Classify(page.Markdown)
		if verdict.Blocked {
			outcome.Blocked = true
			outcome.BlockReason = verdict.Reason
			metrics.ObserveBlock(verdict.Stage)
			f.reportFailure(domain)
			logger.Warn("block detected",
				zap.Int("attempt", outcome.Attempts),
				zap.String("stage", verdict.Stage),
				zap.String("reason", verdict.Reason),
			)
			continue
		}

		f.throttle.ReportSuccess(domain)
		content := page.Markdown
		outcome.Blocked = false
		outcome.BlockReason = ""
		outcome.Title = page.Title
		outcome.Content = &content
		outcome.ContentHash = sha256.Sum(content)
		outcome.InternalLinks = InternalLinks(rawURL, page.InternalLinks)
		return finish(metrics.FetchOK)
	}

	outcome.Err = fmt.Errorf("fetch %s after %d attempts: %w: %s", rawURL, outcome.Attempts, ErrBlocked, outcome.BlockReason)
	return finish(metrics.FetchBlocked)
}

func (f *Fetcher) reportFailure(domain string) {
	if f.throttle.ReportFailure(domain) {
		metrics.ObserveBreakerTrip(domain)
		f.logger.Warn("circuit breaker tripped", zap.String("domain", domain))
	}
}
