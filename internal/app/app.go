// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/api"
	"github.com/JakeFAU/zonecrawler/internal/blockdetect"
	"github.com/JakeFAU/zonecrawler/internal/clock/system"
	"github.com/JakeFAU/zonecrawler/internal/config"
	"github.com/JakeFAU/zonecrawler/internal/contentstore"
	"github.com/JakeFAU/zonecrawler/internal/fetcher"
	"github.com/JakeFAU/zonecrawler/internal/graph"
	graphmem "github.com/JakeFAU/zonecrawler/internal/graph/memory"
	graphpg "github.com/JakeFAU/zonecrawler/internal/graph/postgres"
	"github.com/JakeFAU/zonecrawler/internal/hash/sha256"
	"github.com/JakeFAU/zonecrawler/internal/id/uuid"
	"github.com/JakeFAU/zonecrawler/internal/metrics"
	"github.com/JakeFAU/zonecrawler/internal/orchestrator"
	"github.com/JakeFAU/zonecrawler/internal/queue"
	queueamqp "github.com/JakeFAU/zonecrawler/internal/queue/amqp"
	queuemem "github.com/JakeFAU/zonecrawler/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/zonecrawler/internal/queue/pubsub"
	"github.com/JakeFAU/zonecrawler/internal/render"
	"github.com/JakeFAU/zonecrawler/internal/search"
	"github.com/JakeFAU/zonecrawler/internal/throttle"
)

// App holds the shared, long-lived services for the application. It is built
// once at startup from a validated config.Config.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	queue        queue.JobQueue
	metadata     *graph.MetadataClient
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
	closers      []func() error
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetQueue returns the configured job queue.
func (a *App) GetQueue() queue.JobQueue { return a.queue }

// GetMetadata returns the graph metadata client.
func (a *App) GetMetadata() *graph.MetadataClient { return a.metadata }

// GetOrchestrator returns the crawl orchestrator.
func (a *App) GetOrchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// NewApp builds every service named by cfg. It fails fast: services opened
// before the failing one are closed before returning.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("close partially initialized app", zap.Error(cerr))
		}
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("graph", cfg.Graph.Backend),
		zap.String("search", cfg.Search.Backend),
		zap.Bool("search_cache", cfg.Search.Cache.Enabled),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	q, err := a.newQueue(ctx)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)

	store, err := a.newGraphStore(ctx)
	if err != nil {
		return fmt.Errorf("init graph: %w", err)
	}
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	a.metadata = graph.NewMetadataClient(store, graph.RetryConfig(a.cfg.Graph.Retry), a.logger.Named("graph"))

	searcher, err := a.newSearcher()
	if err != nil {
		return fmt.Errorf("init search: %w", err)
	}

	renderer, err := render.New(render.Config{
		Endpoint:      a.cfg.Render.Endpoint,
		PageTimeout:   a.cfg.Render.PageTimeout,
		UserAgentMode: a.cfg.Render.UserAgentMode,
		Headless:      a.cfg.Render.Headless,
	})
	if err != nil {
		return fmt.Errorf("init render client: %w", err)
	}
	detector := blockdetect.New(blockdetect.Config{
		Phrases:             a.cfg.Detector.Phrases,
		SoftKeywords:        a.cfg.Detector.SoftKeywords,
		MinContentLength:    a.cfg.Detector.MinContentLength,
		SoftThreshold:       a.cfg.Detector.SoftThreshold,
		StructuralMinLength: a.cfg.Detector.StructuralMinLength,
	})
	limiter := throttle.New(throttle.Config{
		RequestsPerMinute: a.cfg.Throttle.RequestsPerMinute,
		FailureThreshold:  a.cfg.Throttle.FailureThreshold,
	}, throttle.WithWaitObserver(metrics.ObserveThrottleWait))
	fetch, err := fetcher.New(fetcher.Config{MaxBlockRetries: a.cfg.Render.MaxBlockRetries},
		renderer, detector, limiter, a.logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	clock := system.New()
	content, err := contentstore.New(a.cfg.CacheRoot, contentstore.WithClock(clock), contentstore.WithHasher(sha256.New()))
	if err != nil {
		return fmt.Errorf("init content store: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Game:                 a.cfg.Game,
		Categories:           a.cfg.Categories,
		RefreshInterval:      a.cfg.Orchestrator.RefreshInterval,
		PollInterval:         a.cfg.Orchestrator.PollInterval,
		ZoneFailureBackoff:   a.cfg.Orchestrator.ZoneFailureBackoff,
		DiscoveryPriority:    a.cfg.Orchestrator.DiscoveryPriority,
		OverviewCategory:     a.cfg.Orchestrator.OverviewCategory,
		ResetBreakersPerZone: a.cfg.Throttle.ResetPerZone,
	}, orchestrator.Deps{
		Queue:    a.queue,
		Searcher: searcher,
		Ranker:   search.NewResolver(a.cfg.Tiers, a.cfg.BlockedDomains),
		Fetcher:  fetch,
		Store:    content,
		Metadata: a.metadata,
		Throttle: limiter,
		Clock:    clock,
		IDs:      uuid.New(),
	}, a.logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	a.orchestrator = orch

	if a.cfg.Server.Enabled {
		a.server = api.NewServer(a.queue, a.metadata, orch, a.cfg.Game, a.logger.Named("api"))
	}
	return nil
}

func (a *App) newQueue(ctx context.Context) (queue.JobQueue, error) {
	switch a.cfg.Queue.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory job queue; jobs do not survive a restart")
		return queuemem.NewQueue(), nil
	case config.BackendAMQP:
		c := a.cfg.Queue.AMQP
		return queueamqp.New(ctx, queueamqp.Config{
			URL:             c.URL,
			Queue:           c.Queue,
			DeadLetterQueue: c.DeadLetterQueue,
			MaxPriority:     c.MaxPriority,
			PriorityOffset:  c.PriorityOffset,
		}, a.logger.Named("amqp"))
	case config.BackendPubSub:
		c := a.cfg.Queue.PubSub
		return queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:       c.ProjectID,
			Topic:           c.Topic,
			Subscription:    c.Subscription,
			DeadLetterTopic: c.DeadLetterTopic,
			PollWait:        a.cfg.Queue.PollWait,
		}, a.logger.Named("pubsub"))
	default:
		return nil, fmt.Errorf("unknown queue backend %q", a.cfg.Queue.Backend)
	}
}

func (a *App) newGraphStore(ctx context.Context) (graph.Store, error) {
	switch a.cfg.Graph.Backend {
	case config.BackendMemory:
		return graphmem.New(), nil
	case config.BackendPostgres:
		c := a.cfg.Graph.Postgres
		store, err := graphpg.New(ctx, graphpg.Config{DSN: c.DSN, MaxConns: c.MaxConns, MinConns: c.MinConns})
		if err != nil {
			return nil, err
		}
		if c.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown graph backend %q", a.cfg.Graph.Backend)
	}
}

func (a *App) newSearcher() (search.Searcher, error) {
	c := a.cfg.Search
	client := &http.Client{Timeout: c.Timeout}
	var searcher search.Searcher
	switch c.Backend {
	case config.BackendSearXNG:
		s, err := search.NewSearXNG(c.Endpoint, c.MaxResults, client)
		if err != nil {
			return nil, err
		}
		searcher = s
	case config.BackendDuckDuckGo:
		searcher = search.NewDuckDuckGo(c.Endpoint, c.MaxResults, client)
	default:
		return nil, fmt.Errorf("unknown search backend %q", c.Backend)
	}
	if !c.Cache.Enabled {
		return searcher, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Cache.RedisAddr,
		Password: c.Cache.RedisPassword,
		DB:       c.Cache.RedisDB,
	})
	a.closers = append(a.closers, rdb.Close)
	return search.NewCached(searcher, rdb, c.Cache.TTL, a.logger.Named("search_cache")), nil
}

// Server returns the admin HTTP server, or nil when it is disabled.
func (a *App) Server() *api.Server { return a.server }

// Close shuts down services in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, queue.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
