package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/hash/sha256"
)

// MetadataClient maps zone, page and domain records onto Store verbs. Every
// call is retried with backoff; ErrNotFound and ErrExists are not retried.
type MetadataClient struct {
	store  Store
	retry  *retrier
	logger *zap.Logger
}

// NewMetadataClient wraps store.
func NewMetadataClient(store Store, cfg RetryConfig, logger *zap.Logger) *MetadataClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataClient{store: store, retry: newRetrier(cfg), logger: logger}
}

// Store exposes the underlying verb set.
func (c *MetadataClient) Store() Store {
	return c.store
}

// ZoneRef returns the ref for a zone slug.
func ZoneRef(slug string) Ref { return Ref{Table: TableZone, ID: slug} }

// PageRef returns the ref for a page URL.
func PageRef(url string) Ref { return Ref{Table: TablePage, ID: PageID(url)} }

// DomainRef returns the ref for a domain name.
func DomainRef(domain string) Ref { return Ref{Table: TableDomain, ID: domain} }

// PageID derives a stable record id from a page URL.
func PageID(url string) string {
	return sha256.Sum(url)[:32]
}

// GetZone loads a zone. found is false when the zone does not exist.
func (c *MetadataClient) GetZone(ctx context.Context, slug string) (crawler.ZoneRecord, bool, error) {
	var rec Record
	err := c.retry.do(ctx, "get zone "+slug, func(ctx context.Context) error {
		var err error
		rec, err = c.store.GetRecord(ctx, ZoneRef(slug))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return crawler.ZoneRecord{}, false, nil
	}
	if err != nil {
		return crawler.ZoneRecord{}, false, err
	}
	zone, err := decodeZone(rec)
	if err != nil {
		return crawler.ZoneRecord{}, false, err
	}
	return zone, true, nil
}

// ZoneExists reports whether a zone record exists.
func (c *MetadataClient) ZoneExists(ctx context.Context, slug string) (bool, error) {
	_, found, err := c.GetZone(ctx, slug)
	return found, err
}

// EnsureZone creates a pending zone unless one exists. created reports
// whether a record was written.
func (c *MetadataClient) EnsureZone(ctx context.Context, slug, name, game string) (bool, error) {
	data, err := toData(crawler.ZoneRecord{Slug: slug, Name: name, Game: game, Status: crawler.ZoneStatusPending})
	if err != nil {
		return false, err
	}
	err = c.retry.do(ctx, "create zone "+slug, func(ctx context.Context) error {
		return c.store.CreateRecord(ctx, Record{Ref: ZoneRef(slug), Data: data})
	})
	if errors.Is(err, ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkZoneCrawling moves a zone to crawling, creating it if needed, and
// returns the record as it was before so a failed run can restore it.
func (c *MetadataClient) MarkZoneCrawling(ctx context.Context, slug, name, game string) (crawler.ZoneRecord, bool, error) {
	prev, found, err := c.GetZone(ctx, slug)
	if err != nil {
		return crawler.ZoneRecord{}, false, err
	}
	if !found {
		data, err := toData(crawler.ZoneRecord{Slug: slug, Name: name, Game: game, Status: crawler.ZoneStatusCrawling})
		if err != nil {
			return crawler.ZoneRecord{}, false, err
		}
		err = c.retry.do(ctx, "create zone "+slug, func(ctx context.Context) error {
			return c.store.CreateRecord(ctx, Record{Ref: ZoneRef(slug), Data: data})
		})
		if err == nil {
			return crawler.ZoneRecord{}, false, nil
		}
		if !errors.Is(err, ErrExists) {
			return crawler.ZoneRecord{}, false, err
		}
	}
	if err := c.update(ctx, ZoneRef(slug), map[string]any{"status": string(crawler.ZoneStatusCrawling)}); err != nil {
		return crawler.ZoneRecord{}, false, err
	}
	return prev, found, nil
}

// MarkZoneComplete records a finished crawl.
func (c *MetadataClient) MarkZoneComplete(ctx context.Context, slug string, pageCount int, at time.Time) error {
	return c.update(ctx, ZoneRef(slug), map[string]any{
		"status":     string(crawler.ZoneStatusComplete),
		"crawled_at": at.UTC().Format(time.RFC3339Nano),
		"page_count": pageCount,
	})
}

// RestoreZone writes back a zone's status, crawl time and page count.
func (c *MetadataClient) RestoreZone(ctx context.Context, prev crawler.ZoneRecord) error {
	data := map[string]any{
		"status":     string(prev.Status),
		"page_count": prev.PageCount,
		"crawled_at": nil,
	}
	if prev.CrawledAt != nil {
		data["crawled_at"] = prev.CrawledAt.UTC().Format(time.RFC3339Nano)
	}
	return c.update(ctx, ZoneRef(prev.Slug), data)
}

// OldestStaleZone returns the zone with the oldest crawl time before cutoff
// among complete zones and zones left crawling by a run that never finished.
// Only one zone is crawled at a time, so an idle worker owns no crawling zone.
func (c *MetadataClient) OldestStaleZone(ctx context.Context, cutoff time.Time) (crawler.ZoneRecord, bool, error) {
	var (
		oldest crawler.ZoneRecord
		found  bool
	)
	for _, status := range []crawler.ZoneStatus{crawler.ZoneStatusComplete, crawler.ZoneStatusCrawling} {
		q := Query{
			Table: TableZone,
			Filters: []Filter{
				{Field: "status", Op: OpEq, Value: string(status)},
				{Field: "crawled_at", Op: OpLt, Value: cutoff.UTC()},
			},
			OrderBy:   "crawled_at",
			OrderKind: KindTime,
			Limit:     1,
		}
		recs, err := c.query(ctx, "query stale "+string(status)+" zones", q)
		if err != nil {
			return crawler.ZoneRecord{}, false, err
		}
		if len(recs) == 0 {
			continue
		}
		zone, err := decodeZone(recs[0])
		if err != nil {
			return crawler.ZoneRecord{}, false, err
		}
		if zone.CrawledAt == nil {
			continue
		}
		if !found || zone.CrawledAt.Before(*oldest.CrawledAt) {
			oldest, found = zone, true
		}
	}
	return oldest, found, nil
}

// ConnectedZones lists zones linked from slug by connected_to edges.
func (c *MetadataClient) ConnectedZones(ctx context.Context, slug string) ([]crawler.ZoneRecord, error) {
	var recs []Record
	err := c.retry.do(ctx, "traverse "+slug, func(ctx context.Context) error {
		var err error
		recs, err = c.store.Traverse(ctx, TraverseQuery{From: ZoneRef(slug), Relation: RelConnectedTo})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]crawler.ZoneRecord, 0, len(recs))
	for _, r := range recs {
		z, err := decodeZone(r)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, nil
}

// ConnectZones creates a connected_to edge.
func (c *MetadataClient) ConnectZones(ctx context.Context, from, to string) error {
	return c.relate(ctx, Edge{Relation: RelConnectedTo, From: ZoneRef(from), To: ZoneRef(to)})
}

// UpsertPage writes a page record and links it to its zone and domain.
func (c *MetadataClient) UpsertPage(ctx context.Context, page crawler.PageRecord) error {
	data, err := toData(page)
	if err != nil {
		return err
	}
	ref := PageRef(page.URL)
	if err := c.upsert(ctx, ref, data); err != nil {
		return err
	}
	if err := c.relate(ctx, Edge{Relation: RelHasPage, From: ZoneRef(page.Zone), To: ref,
		Props: map[string]any{"category": page.Category}}); err != nil {
		return err
	}
	if page.Domain == "" {
		return nil
	}
	return c.relate(ctx, Edge{Relation: RelHostedOn, From: ref, To: DomainRef(page.Domain)})
}

// ZonePages lists a zone's pages in one category, ordered by URL.
func (c *MetadataClient) ZonePages(ctx context.Context, zoneSlug, category string) ([]crawler.PageRecord, error) {
	filters := []Filter{{Field: "zone", Op: OpEq, Value: zoneSlug}}
	if category != "" {
		filters = append(filters, Filter{Field: "category", Op: OpEq, Value: category})
	}
	recs, err := c.query(ctx, "query pages "+zoneSlug, Query{Table: TablePage, Filters: filters, OrderBy: "url"})
	if err != nil {
		return nil, err
	}
	out := make([]crawler.PageRecord, 0, len(recs))
	for _, r := range recs {
		var p crawler.PageRecord
		if err := fromData(r.Data, &p); err != nil {
			return nil, fmt.Errorf("decode page %s: %w", r.Ref, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// UpsertDomain writes per-domain health.
func (c *MetadataClient) UpsertDomain(ctx context.Context, rec crawler.DomainRecord) error {
	data, err := toData(rec)
	if err != nil {
		return err
	}
	if rec.LastSuccess == nil {
		data["last_success"] = nil
	}
	if rec.LastFailure == nil {
		data["last_failure"] = nil
	}
	return c.upsert(ctx, DomainRef(rec.Name), data)
}

// GetDomain loads per-domain health.
func (c *MetadataClient) GetDomain(ctx context.Context, name string) (crawler.DomainRecord, bool, error) {
	var rec Record
	err := c.retry.do(ctx, "get domain "+name, func(ctx context.Context) error {
		var err error
		rec, err = c.store.GetRecord(ctx, DomainRef(name))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return crawler.DomainRecord{}, false, nil
	}
	if err != nil {
		return crawler.DomainRecord{}, false, err
	}
	var d crawler.DomainRecord
	if err := fromData(rec.Data, &d); err != nil {
		return crawler.DomainRecord{}, false, fmt.Errorf("decode domain %s: %w", name, err)
	}
	return d, true, nil
}

func (c *MetadataClient) upsert(ctx context.Context, ref Ref, data map[string]any) error {
	err := c.retry.do(ctx, "create "+ref.String(), func(ctx context.Context) error {
		return c.store.CreateRecord(ctx, Record{Ref: ref, Data: data})
	})
	if errors.Is(err, ErrExists) {
		return c.update(ctx, ref, data)
	}
	return err
}

func (c *MetadataClient) update(ctx context.Context, ref Ref, data map[string]any) error {
	return c.retry.do(ctx, "update "+ref.String(), func(ctx context.Context) error {
		_, err := c.store.UpdateRecord(ctx, ref, data)
		return err
	})
}

func (c *MetadataClient) relate(ctx context.Context, e Edge) error {
	return c.retry.do(ctx, fmt.Sprintf("relate %s %s %s", e.From, e.Relation, e.To), func(ctx context.Context) error {
		return c.store.CreateRelation(ctx, e)
	})
}

func (c *MetadataClient) query(ctx context.Context, op string, q Query) ([]Record, error) {
	var recs []Record
	err := c.retry.do(ctx, op, func(ctx context.Context) error {
		var err error
		recs, err = c.store.QueryRecords(ctx, q)
		return err
	})
	return recs, err
}

func decodeZone(rec Record) (crawler.ZoneRecord, error) {
	var z crawler.ZoneRecord
	if err := fromData(rec.Data, &z); err != nil {
		return crawler.ZoneRecord{}, fmt.Errorf("decode zone %s: %w", rec.Ref.ID, err)
	}
	if z.Slug == "" {
		z.Slug = rec.Ref.ID
	}
	return z, nil
}

// toData converts a tagged struct to a JSON-shaped map.
func toData(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func fromData(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
