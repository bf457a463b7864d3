package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/metrics"
	"github.com/JakeFAU/zonecrawler/internal/search"
	"github.com/JakeFAU/zonecrawler/internal/selector"
	"github.com/JakeFAU/zonecrawler/internal/slug"
	"github.com/JakeFAU/zonecrawler/internal/zonelinks"
)

type zoneTarget struct {
	Slug string
	Name string
	Game string
	Mode Mode
}

// ZoneReport aggregates one zone run. Page failures land here instead of
// aborting the zone.
type ZoneReport struct {
	Zone            string
	Mode            Mode
	RunID           string
	Stored          int
	Changed         int
	Failed          int
	LinkPages       int
	EmptyCategories []string
	Discovered      []string
	Duration        time.Duration
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r ZoneReport) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("zone", r.Zone)
	enc.AddString("mode", string(r.Mode))
	enc.AddString("run_id", r.RunID)
	enc.AddInt("stored", r.Stored)
	enc.AddInt("changed", r.Changed)
	enc.AddInt("failed", r.Failed)
	enc.AddInt("link_pages", r.LinkPages)
	enc.AddInt("discovered", len(r.Discovered))
	enc.AddDuration("duration", r.Duration)
	return enc.AddArray("empty_categories", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
		for _, c := range r.EmptyCategories {
			arr.AppendString(c)
		}
		return nil
	}))
}

// RunZone executes the pipeline for one zone outside the queue loop. It is
// used by the admin API and tests; the daemon goes through Run.
func (o *Orchestrator) RunZone(ctx context.Context, name, game string) (ZoneReport, error) {
	if game == "" {
		game = o.cfg.Game
	}
	s := slug.Make(name)
	if s == "" {
		return ZoneReport{}, fmt.Errorf("zone name %q has no slug", name)
	}
	return o.processZone(ctx, zoneTarget{Slug: s, Name: name, Game: game, Mode: ModeSeed})
}

func (o *Orchestrator) processZone(ctx context.Context, t zoneTarget) (ZoneReport, error) {
	start := o.deps.Clock.Now()
	report := ZoneReport{Zone: t.Slug, Mode: t.Mode}
	if o.deps.IDs != nil {
		if id, err := o.deps.IDs.NewID(); err == nil {
			report.RunID = id
		}
	}
	logger := o.logger.With(
		zap.String("zone", t.Slug),
		zap.String("game", t.Game),
		zap.String("mode", string(t.Mode)),
		zap.String("run_id", report.RunID),
	)
	metrics.SetActiveZone(true)
	defer metrics.SetActiveZone(false)

	logger.Info("zone started", zap.String("name", t.Name))
	if _, _, err := o.deps.Metadata.MarkZoneCrawling(ctx, t.Slug, t.Name, t.Game); err != nil {
		return report, fmt.Errorf("mark zone crawling: %w", err)
	}
	if o.cfg.ResetBreakersPerZone {
		o.deps.Throttle.ResetBreakers()
	}

	crawled := make(map[string]struct{})
	for _, sel := range o.selectors {
		if err := o.crawlCategory(ctx, t, sel, crawled, &report, logger); err != nil {
			report.Duration = o.deps.Clock.Now().Sub(start)
			return report, err
		}
	}

	discovered, err := o.discoverZones(ctx, t, logger)
	report.Discovered = discovered
	if err != nil {
		report.Duration = o.deps.Clock.Now().Sub(start)
		return report, fmt.Errorf("discover zones: %w", err)
	}
	metrics.ObserveZonesDiscovered(len(discovered))

	if err := o.deps.Metadata.MarkZoneComplete(ctx, t.Slug, report.Stored, o.deps.Clock.Now()); err != nil {
		report.Duration = o.deps.Clock.Now().Sub(start)
		return report, fmt.Errorf("mark zone complete: %w", err)
	}
	report.Duration = o.deps.Clock.Now().Sub(start)
	logger.Info("zone complete", zap.Object("report", report))
	return report, nil
}

// crawlCategory runs search, select and fetch for one category, then spends
// the remaining page budget on internal links found during the same pass.
func (o *Orchestrator) crawlCategory(
	ctx context.Context,
	t zoneTarget,
	sel *selector.Selector,
	crawled map[string]struct{},
	report *ZoneReport,
	zoneLogger *zap.Logger,
) error {
	cat := sel.Category()
	logger := zoneLogger.With(zap.String("category", cat.Name))

	results := o.searchCategory(ctx, t, cat, logger)
	selected := sel.Select(results, crawled)
	if len(selected) == 0 {
		logger.Info("no candidate urls for category", zap.Int("results", len(results)))
		report.EmptyCategories = append(report.EmptyCategories, cat.Name)
		return nil
	}

	var links []string
	for _, r := range selected {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		crawled[r.URL] = struct{}{}
		out, stored, err := o.crawlPage(ctx, t, cat.Name, r.URL, report, logger)
		if err != nil {
			return err
		}
		if stored {
			links = append(links, out.InternalLinks...)
		}
	}

	budget := min(cat.MaxPages-len(selected), cat.MaxLinkPages)
	for _, link := range links {
		if budget <= 0 {
			break
		}
		if _, seen := crawled[link]; seen {
			continue
		}
		if !sel.Allowed(link) {
			continue
		}
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		crawled[link] = struct{}{}
		budget--
		report.LinkPages++
		if _, _, err := o.crawlPage(ctx, t, cat.Name, link, report, logger); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) searchCategory(ctx context.Context, t zoneTarget, cat crawler.ScopeCategory, logger *zap.Logger) []crawler.SearchResult {
	var hits []search.Hit
	for _, tmpl := range cat.Queries {
		q := search.ExpandQuery(tmpl, t.Name, t.Game)
		if q == "" {
			continue
		}
		found, err := o.deps.Searcher.Search(ctx, q)
		if err != nil {
			logger.Warn("search failed", zap.String("query", q), zap.Error(err))
			continue
		}
		hits = append(hits, found...)
	}
	return o.deps.Ranker.BuildResults(hits)
}

// crawlPage fetches, stores and records one URL. Fetch and store failures are
// counted in the report; only graph failures are returned.
func (o *Orchestrator) crawlPage(
	ctx context.Context,
	t zoneTarget,
	category, url string,
	report *ZoneReport,
	logger *zap.Logger,
) (crawler.CrawlOutcome, bool, error) {
	out := o.deps.Fetcher.Fetch(ctx, url)
	// The page in flight completes even when shutdown begins.
	pageCtx := context.WithoutCancel(ctx)

	if err := o.recordDomain(pageCtx, out.Domain); err != nil {
		return out, false, fmt.Errorf("record domain %s: %w", out.Domain, err)
	}
	if !out.OK() {
		report.Failed++
		logger.Warn("page fetch failed",
			zap.String("url", url),
			zap.String("domain", out.Domain),
			zap.Bool("blocked", out.Blocked),
			zap.String("reason", out.BlockReason),
			zap.Error(out.Err),
		)
		return out, false, nil
	}

	rel, changed, err := o.deps.Store.Store(pageCtx, out, t.Slug, t.Game, category)
	if err != nil {
		report.Failed++
		logger.Warn("page store failed", zap.String("url", url), zap.Error(err))
		return out, false, nil
	}
	metrics.ObservePageStored(changed)

	page := crawler.PageRecord{
		URL:           out.URL,
		Zone:          t.Slug,
		Title:         out.Title,
		Category:      category,
		Domain:        out.Domain,
		Path:          rel,
		ContentHash:   out.ContentHash,
		CrawledAt:     o.deps.Clock.Now(),
		ContentLength: len(*out.Content),
		HTTPStatus:    out.StatusCode,
	}
	if err := o.deps.Metadata.UpsertPage(pageCtx, page); err != nil {
		return out, false, fmt.Errorf("record page %s: %w", url, err)
	}
	report.Stored++
	if changed {
		report.Changed++
	}
	logger.Debug("page stored", zap.String("url", url), zap.String("path", rel), zap.Bool("changed", changed))
	return out, true, nil
}

func (o *Orchestrator) recordDomain(ctx context.Context, domain string) error {
	if domain == "" {
		return nil
	}
	snap := o.deps.Throttle.Snapshot(domain)
	tier, _ := o.deps.Ranker.Tier(domain)
	return o.deps.Metadata.UpsertDomain(ctx, crawler.DomainRecord{
		Name:                domain,
		Tier:                tier,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastSuccess:         timePtr(snap.LastSuccess),
		LastFailure:         timePtr(snap.LastFailure),
	})
}

// discoverZones scans the zone's overview pages for connected zones, links
// them in the graph and enqueues the ones the graph has never seen.
func (o *Orchestrator) discoverZones(ctx context.Context, t zoneTarget, logger *zap.Logger) ([]string, error) {
	if o.cfg.OverviewCategory == "" {
		return nil, nil
	}
	pages, err := o.deps.Metadata.ZonePages(ctx, t.Slug, o.cfg.OverviewCategory)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var connected []string
	for _, p := range pages {
		content, err := o.deps.Store.ReadContent(ctx, p.Path)
		if err != nil {
			logger.Warn("read overview page failed", zap.String("url", p.URL), zap.Error(err))
			continue
		}
		for _, z := range zonelinks.ExtractConnectedZones(content, t.Slug) {
			if _, dup := seen[z]; dup {
				continue
			}
			seen[z] = struct{}{}
			connected = append(connected, z)
		}
	}

	var discovered []string
	for _, z := range connected {
		if err := o.deps.Metadata.ConnectZones(ctx, t.Slug, z); err != nil {
			return discovered, err
		}
		exists, err := o.deps.Metadata.ZoneExists(ctx, z)
		if err != nil {
			return discovered, err
		}
		if exists {
			continue
		}
		job := crawler.CrawlJob{ZoneName: slug.Humanize(z), Game: t.Game, Priority: o.cfg.DiscoveryPriority}
		// A pending record must always have a queued job behind it.
		if err := o.deps.Queue.Publish(ctx, job); err != nil {
			logger.Warn("enqueue discovered zone failed", zap.String("target", z), zap.Error(err))
			continue
		}
		created, err := o.deps.Metadata.EnsureZone(ctx, z, job.ZoneName, t.Game)
		if err != nil {
			return discovered, err
		}
		if created {
			discovered = append(discovered, z)
			logger.Info("discovered zone", zap.String("target", z))
		}
	}
	logger.Info("zone links scanned",
		zap.Int("overview_pages", len(pages)),
		zap.Int("connected", len(connected)),
		zap.Int("discovered", len(discovered)),
	)
	return discovered, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
