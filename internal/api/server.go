package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/metrics"
	"github.com/JakeFAU/zonecrawler/internal/middleware"
	"github.com/JakeFAU/zonecrawler/internal/orchestrator"
	"github.com/JakeFAU/zonecrawler/internal/queue"
	"github.com/JakeFAU/zonecrawler/internal/slug"
)

const enqueueTimeout = 5 * time.Second

// Graph is the read side of the metadata graph used by the handlers.
type Graph interface {
	GetZone(ctx context.Context, slug string) (crawler.ZoneRecord, bool, error)
	ConnectedZones(ctx context.Context, slug string) ([]crawler.ZoneRecord, error)
	GetDomain(ctx context.Context, name string) (crawler.DomainRecord, bool, error)
}

// StateReporter reports the orchestrator's lifecycle state.
type StateReporter interface {
	State() orchestrator.State
}

// Server wires HTTP handlers to the job queue and graph.
type Server struct {
	router    chi.Router
	publisher queue.Publisher
	graph     Graph
	status    StateReporter
	game      string
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. game is applied to
// seed requests that omit one.
func NewServer(publisher queue.Publisher, graph Graph, status StateReporter, game string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		publisher: publisher,
		graph:     graph,
		status:    status,
		game:      game,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/zones", s.submitZone)
		r.Get("/zones/{slug}", s.getZone)
		r.Get("/domains/{name}", s.getDomain)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := orchestrator.StateIdle
	if s.status != nil {
		state = s.status.State()
	}
	if state == orchestrator.StateStopped {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state.String()})
}

type zoneRequest struct {
	ZoneName string `json:"zone_name"`
	Game     string `json:"game"`
	Priority *int   `json:"priority"`
}

func (s *Server) submitZone(w http.ResponseWriter, r *http.Request) {
	var req zoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	name := strings.TrimSpace(req.ZoneName)
	zoneSlug := slug.Make(name)
	if zoneSlug == "" {
		s.writeError(w, http.StatusBadRequest, "zone_name required")
		return
	}
	job := crawler.CrawlJob{
		ZoneName: name,
		Game:     strings.TrimSpace(req.Game),
		Priority: queue.SeedPriority,
	}
	if job.Game == "" {
		job.Game = s.game
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.logger.Error("enqueue zone failed", zap.String("zone", zoneSlug), zap.Error(err))
		s.writeError(w, status, fmt.Sprintf("enqueue zone: %v", err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"slug":     zoneSlug,
		"game":     job.Game,
		"priority": job.Priority,
	})
}

type zoneResponse struct {
	Zone      crawler.ZoneRecord   `json:"zone"`
	Connected []crawler.ZoneRecord `json:"connected"`
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request) {
	zoneSlug := chi.URLParam(r, "slug")
	zone, ok, err := s.graph.GetZone(r.Context(), zoneSlug)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch zone")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "zone not found")
		return
	}
	connected, err := s.graph.ConnectedZones(r.Context(), zoneSlug)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch connected zones")
		return
	}
	if connected == nil {
		connected = []crawler.ZoneRecord{}
	}
	s.writeJSON(w, http.StatusOK, zoneResponse{Zone: zone, Connected: connected})
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	name := crawler.NormalizeDomain(chi.URLParam(r, "name"))
	rec, ok, err := s.graph.GetDomain(r.Context(), name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch domain")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
