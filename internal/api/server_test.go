package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/graph"
	graphmem "github.com/JakeFAU/zonecrawler/internal/graph/memory"
	"github.com/JakeFAU/zonecrawler/internal/orchestrator"
	"github.com/JakeFAU/zonecrawler/internal/queue"
	queuemem "github.com/JakeFAU/zonecrawler/internal/queue/memory"
)

type fixedState orchestrator.State

func (s fixedState) State() orchestrator.State { return orchestrator.State(s) }

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, crawler.CrawlJob) error { return p.err }

type fixture struct {
	server *Server
	queue  *queuemem.Queue
	meta   *graph.MetadataClient
}

func newFixture(t *testing.T, state orchestrator.State) fixture {
	t.Helper()
	q := queuemem.NewQueue()
	meta := graph.NewMetadataClient(graphmem.New(), graph.RetryConfig{MaxAttempts: 1}, zap.NewNop())
	return fixture{
		server: NewServer(q, meta, fixedState(state), "wow", zap.NewNop()),
		queue:  q,
		meta:   meta,
	}
}

func (f fixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orchestrator.StateIdle)
	rec := f.do(http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := newFixture(t, orchestrator.StateProcessingSeed).do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "processing_seed")

	rec = newFixture(t, orchestrator.StateStopped).do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := newFixture(t, orchestrator.StateIdle).do(http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestServer_SubmitZoneEnqueuesSeedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orchestrator.StateIdle)
	rec := f.do(http.MethodPost, "/v1/zones", []byte(`{"zone_name":" Elwynn Forest "}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "elwynn-forest", resp["slug"])
	assert.Equal(t, "wow", resp["game"])

	d, ok, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	job, err := queue.Decode(d.Body())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlJob{ZoneName: "Elwynn Forest", Game: "wow", Priority: queue.SeedPriority}, job)
}

func TestServer_SubmitZoneExplicitGameAndPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orchestrator.StateIdle)
	rec := f.do(http.MethodPost, "/v1/zones", []byte(`{"zone_name":"Limsa Lominsa","game":"ffxiv","priority":3}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	d, ok, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	job, err := queue.Decode(d.Body())
	require.NoError(t, err)
	assert.Equal(t, "ffxiv", job.Game)
	assert.Equal(t, 3, job.Priority)
}

func TestServer_SubmitZoneRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orchestrator.StateIdle)
	tests := map[string]string{
		"invalid json": `{"zone_name":`,
		"missing name": `{"game":"wow"}`,
		"no slug":      `{"zone_name":"!!!"}`,
	}
	for name, body := range tests {
		rec := f.do(http.MethodPost, "/v1/zones", []byte(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Equal(t, 0, f.queue.Len())
}

func TestServer_SubmitZonePublishFailure(t *testing.T) {
	t.Parallel()

	meta := graph.NewMetadataClient(graphmem.New(), graph.RetryConfig{MaxAttempts: 1}, zap.NewNop())
	srv := NewServer(failingPublisher{err: errors.New("broker down")}, meta, nil, "wow", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/zones", bytes.NewBufferString(`{"zone_name":"Duskwood"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker down")
}

func TestServer_GetZone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orchestrator.StateIdle)
	ctx := context.Background()
	_, _, err := f.meta.MarkZoneCrawling(ctx, "elwynn-forest", "Elwynn Forest", "wow")
	require.NoError(t, err)
	require.NoError(t, f.meta.MarkZoneComplete(ctx, "elwynn-forest", 4, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	_, err = f.meta.EnsureZone(ctx, "westfall", "Westfall", "wow")
	require.NoError(t, err)
	require.NoError(t, f.meta.ConnectZones(ctx, "elwynn-forest", "westfall"))

	rec := f.do(http.MethodGet, "/v1/zones/elwynn-forest", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp zoneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "elwynn-forest", resp.Zone.Slug)
	assert.Equal(t, crawler.ZoneStatusComplete, resp.Zone.Status)
	assert.Equal(t, 4, resp.Zone.PageCount)
	require.Len(t, resp.Connected, 1)
	assert.Equal(t, "westfall", resp.Connected[0].Slug)
	assert.Equal(t, crawler.ZoneStatusPending, resp.Connected[0].Status)

	rec = f.do(http.MethodGet, "/v1/zones/westfall", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":[]`)
}

func TestServer_GetZoneNotFound(t *testing.T) {
	t.Parallel()

	rec := newFixture(t, orchestrator.StateIdle).do(http.MethodGet, "/v1/zones/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetDomain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orchestrator.StateIdle)
	failedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.meta.UpsertDomain(context.Background(), crawler.DomainRecord{
		Name:                "wowhead.com",
		Tier:                "database",
		ConsecutiveFailures: 2,
		LastFailure:         &failedAt,
	}))

	rec := f.do(http.MethodGet, "/v1/domains/WWW.Wowhead.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got crawler.DomainRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "database", got.Tier)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Nil(t, got.LastSuccess)

	rec = f.do(http.MethodGet, "/v1/domains/unknown.example", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
