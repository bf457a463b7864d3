// Package orchestrator runs the crawl daemon: it consumes zone jobs, runs the
// per-zone pipeline (search, select, fetch, store, discover) and falls back to
// refreshing the oldest completed zone when the queue is empty.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/metrics"
	"github.com/JakeFAU/zonecrawler/internal/queue"
	"github.com/JakeFAU/zonecrawler/internal/search"
	"github.com/JakeFAU/zonecrawler/internal/selector"
	"github.com/JakeFAU/zonecrawler/internal/slug"
	"github.com/JakeFAU/zonecrawler/internal/throttle"
)

// ErrInterrupted is returned when shutdown stops a zone between pages.
var ErrInterrupted = errors.New("zone interrupted by shutdown")

// Mode labels how a zone run was triggered.
type Mode string

// Zone run modes.
const (
	ModeSeed    Mode = "seed"
	ModeRefresh Mode = "refresh"
)

// Zone run results recorded in metrics.
const (
	resultOK          = "ok"
	resultSkipped     = "skipped"
	resultFailed      = "failed"
	resultInterrupted = "interrupted"
)

// Queue message dispositions recorded in metrics.
const (
	dispositionAcked        = "acked"
	dispositionRequeued     = "requeued"
	dispositionDeadLettered = "dead_lettered"
)

// State is the daemon's current activity.
type State int32

// Daemon states.
const (
	StateIdle State = iota
	StateProcessingSeed
	StateRefreshing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessingSeed:
		return "processing_seed"
	case StateRefreshing:
		return "refreshing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Fetcher retrieves one URL through the guarded fetch sequence.
type Fetcher interface {
	Fetch(ctx context.Context, url string) crawler.CrawlOutcome
}

// ContentStore persists fetched pages and reads them back.
type ContentStore interface {
	Store(ctx context.Context, outcome crawler.CrawlOutcome, zone, game, category string) (string, bool, error)
	ReadContent(ctx context.Context, rel string) (string, error)
}

// Metadata is the typed graph surface the pipeline needs.
type Metadata interface {
	GetZone(ctx context.Context, slug string) (crawler.ZoneRecord, bool, error)
	ZoneExists(ctx context.Context, slug string) (bool, error)
	EnsureZone(ctx context.Context, slug, name, game string) (bool, error)
	MarkZoneCrawling(ctx context.Context, slug, name, game string) (crawler.ZoneRecord, bool, error)
	MarkZoneComplete(ctx context.Context, slug string, pageCount int, at time.Time) error
	RestoreZone(ctx context.Context, prev crawler.ZoneRecord) error
	OldestStaleZone(ctx context.Context, cutoff time.Time) (crawler.ZoneRecord, bool, error)
	ConnectZones(ctx context.Context, from, to string) error
	UpsertPage(ctx context.Context, page crawler.PageRecord) error
	ZonePages(ctx context.Context, zoneSlug, category string) ([]crawler.PageRecord, error)
	UpsertDomain(ctx context.Context, rec crawler.DomainRecord) error
}

// Ranker turns raw search hits into tiered results.
type Ranker interface {
	BuildResults(hits []search.Hit) []crawler.SearchResult
	Tier(domain string) (string, float64)
}

// Throttle exposes the domain state the orchestrator reads and resets.
type Throttle interface {
	ResetBreakers()
	Snapshot(domain string) throttle.State
}

// Clock supplies time and timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Config controls the daemon loop and zone pipeline.
type Config struct {
	Game                 string
	Categories           []crawler.ScopeCategory
	RefreshInterval      time.Duration
	PollInterval         time.Duration
	ZoneFailureBackoff   time.Duration
	DiscoveryPriority    int
	OverviewCategory     string
	ResetBreakersPerZone bool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Queue    queue.JobQueue
	Searcher search.Searcher
	Ranker   Ranker
	Fetcher  Fetcher
	Store    ContentStore
	Metadata Metadata
	Throttle Throttle
	Clock    Clock
	IDs      crawler.IDGenerator
}

// Orchestrator owns the daemon loop. A single Orchestrator processes one zone
// at a time.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	selectors []*selector.Selector
	logger    *zap.Logger
	state     atomic.Int32
}

// New validates the configuration and compiles category selectors.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Queue == nil || deps.Searcher == nil || deps.Ranker == nil || deps.Fetcher == nil ||
		deps.Store == nil || deps.Metadata == nil || deps.Throttle == nil || deps.Clock == nil {
		return nil, errors.New("orchestrator: queue, searcher, ranker, fetcher, store, metadata, throttle and clock are required")
	}
	if cfg.RefreshInterval <= 0 {
		return nil, errors.New("orchestrator: refresh interval must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("orchestrator: poll interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	selectors := make([]*selector.Selector, 0, len(cfg.Categories))
	for _, cat := range cfg.Categories {
		sel, err := selector.New(cat)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		selectors = append(selectors, sel)
	}
	return &Orchestrator{cfg: cfg, deps: deps, selectors: selectors, logger: logger}, nil
}

// State reports what the daemon is doing.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Run loops until ctx is canceled. Zone failures are logged and never end the
// loop; an in-flight zone stops between pages and its job is requeued.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started",
		zap.Int("categories", len(o.selectors)),
		zap.Duration("refresh_interval", o.cfg.RefreshInterval),
		zap.Duration("poll_interval", o.cfg.PollInterval),
	)
	o.setState(StateIdle)
	defer o.setState(StateStopped)
	for {
		if ctx.Err() != nil {
			o.logger.Info("orchestrator stopping")
			return nil
		}
		worked, err := o.Step(ctx)
		switch {
		case ctx.Err() != nil:
			o.logger.Info("orchestrator stopping")
			return nil
		case err != nil:
			o.logger.Error("orchestrator step failed", zap.Error(err))
			o.sleep(ctx, o.cfg.ZoneFailureBackoff)
		case !worked:
			o.sleep(ctx, o.cfg.PollInterval)
		}
	}
}

// Step performs one unit of work: the next queued job if one is available,
// otherwise one refresh. worked is false when there was nothing to do.
func (o *Orchestrator) Step(ctx context.Context) (bool, error) {
	d, ok, err := o.deps.Queue.Receive(ctx)
	if err != nil {
		return false, fmt.Errorf("receive job: %w", err)
	}
	if ok {
		return true, o.handleDelivery(ctx, d)
	}
	return o.refresh(ctx)
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-o.deps.Clock.After(d):
	}
}

func (o *Orchestrator) handleDelivery(ctx context.Context, d queue.Delivery) error {
	// Settlement must reach the broker even while shutting down.
	settleCtx := context.WithoutCancel(ctx)

	job, err := queue.Decode(d.Body())
	if err == nil && slug.Make(job.ZoneName) == "" {
		err = fmt.Errorf("%w: zone_name %q has no slug", queue.ErrMalformed, job.ZoneName)
	}
	if err != nil {
		o.logger.Warn("rejecting malformed job", zap.String("reason", err.Error()), zap.ByteString("body", d.Body()))
		metrics.ObserveQueueMessage(dispositionDeadLettered)
		if dlErr := d.DeadLetter(settleCtx, err.Error()); dlErr != nil {
			return fmt.Errorf("dead-letter malformed job: %w", dlErr)
		}
		return nil
	}
	if job.Game == "" {
		job.Game = o.cfg.Game
	}
	target := zoneTarget{Slug: slug.Make(job.ZoneName), Name: job.ZoneName, Game: job.Game, Mode: ModeSeed}
	logger := o.logger.With(zap.String("zone", target.Slug), zap.String("game", target.Game), zap.Int("priority", job.Priority))

	o.setState(StateProcessingSeed)
	defer o.setState(StateIdle)

	rec, found, err := o.deps.Metadata.GetZone(ctx, target.Slug)
	if err != nil {
		o.requeue(settleCtx, d, logger)
		metrics.ObserveZone(string(ModeSeed), resultFailed)
		return fmt.Errorf("look up zone %s: %w", target.Slug, err)
	}
	if found && rec.Fresh(o.deps.Clock.Now(), o.cfg.RefreshInterval) {
		logger.Info("zone is fresh, skipping", zap.Timep("crawled_at", rec.CrawledAt))
		metrics.ObserveZone(string(ModeSeed), resultSkipped)
		return o.ack(settleCtx, d)
	}

	report, err := o.processZone(ctx, target)
	if err != nil {
		result := resultFailed
		if errors.Is(err, ErrInterrupted) {
			result = resultInterrupted
		}
		metrics.ObserveZone(string(ModeSeed), result)
		logger.Error("zone failed, requeueing", zap.Error(err), zap.Object("report", report))
		o.requeue(settleCtx, d, logger)
		return fmt.Errorf("process zone %s: %w", target.Slug, err)
	}
	metrics.ObserveZone(string(ModeSeed), resultOK)
	return o.ack(settleCtx, d)
}

func (o *Orchestrator) ack(ctx context.Context, d queue.Delivery) error {
	if err := d.Ack(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	metrics.ObserveQueueMessage(dispositionAcked)
	return nil
}

func (o *Orchestrator) requeue(ctx context.Context, d queue.Delivery, logger *zap.Logger) {
	if err := d.Requeue(ctx); err != nil {
		logger.Error("requeue job failed", zap.Error(err))
		return
	}
	metrics.ObserveQueueMessage(dispositionRequeued)
}

// refresh re-crawls the oldest zone past the refresh interval, including one
// stranded in crawling by a dead process. A failed refresh restores the zone's
// previous completion so it stays eligible.
func (o *Orchestrator) refresh(ctx context.Context) (bool, error) {
	cutoff := o.deps.Clock.Now().Add(-o.cfg.RefreshInterval)
	prev, found, err := o.deps.Metadata.OldestStaleZone(ctx, cutoff)
	if err != nil {
		return false, fmt.Errorf("find stale zone: %w", err)
	}
	if !found {
		return false, nil
	}
	game := prev.Game
	if game == "" {
		game = o.cfg.Game
	}
	name := prev.Name
	if name == "" {
		name = slug.Humanize(prev.Slug)
	}
	target := zoneTarget{Slug: prev.Slug, Name: name, Game: game, Mode: ModeRefresh}
	logger := o.logger.With(zap.String("zone", target.Slug), zap.String("game", target.Game))
	if prev.Status == crawler.ZoneStatusCrawling {
		// Left over from a run that died mid-zone; its last completion still stands.
		logger.Warn("resuming zone stranded in crawling", zap.Timep("crawled_at", prev.CrawledAt))
		prev.Status = crawler.ZoneStatusComplete
	}

	o.setState(StateRefreshing)
	defer o.setState(StateIdle)

	report, err := o.processZone(ctx, target)
	if err == nil {
		metrics.ObserveZone(string(ModeRefresh), resultOK)
		return true, nil
	}
	result := resultFailed
	if errors.Is(err, ErrInterrupted) {
		result = resultInterrupted
	}
	metrics.ObserveZone(string(ModeRefresh), result)
	logger.Error("zone refresh failed, restoring previous state", zap.Error(err), zap.Object("report", report))
	if restoreErr := o.deps.Metadata.RestoreZone(context.WithoutCancel(ctx), prev); restoreErr != nil {
		logger.Error("restore zone failed", zap.Error(restoreErr))
	}
	return true, fmt.Errorf("refresh zone %s: %w", target.Slug, err)
}
