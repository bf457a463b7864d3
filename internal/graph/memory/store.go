// Package memory implements graph.Store in process memory.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/zonecrawler/internal/graph"
)

type edgeKey struct {
	relation graph.Relation
	from     graph.Ref
	to       graph.Ref
}

// Store keeps records and edges in maps guarded by a mutex. Payloads are
// round-tripped through JSON so values look the same as from a database.
type Store struct {
	mu      sync.RWMutex
	records map[graph.Ref]map[string]any
	edges   []graph.Edge
	edgeSet map[edgeKey]struct{}
}

var _ graph.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		records: make(map[graph.Ref]map[string]any),
		edgeSet: make(map[edgeKey]struct{}),
	}
}

// CreateRecord implements graph.Store.
func (s *Store) CreateRecord(ctx context.Context, rec graph.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := graph.ValidateRef(rec.Ref); err != nil {
		return err
	}
	data, err := clone(rec.Data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Ref]; ok {
		return fmt.Errorf("create %s: %w", rec.Ref, graph.ErrExists)
	}
	s.records[rec.Ref] = data
	return nil
}

// GetRecord implements graph.Store.
func (s *Store) GetRecord(ctx context.Context, ref graph.Ref) (graph.Record, error) {
	if err := ctx.Err(); err != nil {
		return graph.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.records[ref]
	if !ok {
		return graph.Record{}, fmt.Errorf("get %s: %w", ref, graph.ErrNotFound)
	}
	return snapshot(ref, data)
}

// UpdateRecord implements graph.Store.
func (s *Store) UpdateRecord(ctx context.Context, ref graph.Ref, data map[string]any) (graph.Record, error) {
	if err := ctx.Err(); err != nil {
		return graph.Record{}, err
	}
	patch, err := clone(data)
	if err != nil {
		return graph.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[ref]
	if !ok {
		return graph.Record{}, fmt.Errorf("update %s: %w", ref, graph.ErrNotFound)
	}
	for k, v := range patch {
		existing[k] = v
	}
	return snapshot(ref, existing)
}

// QueryRecords implements graph.Store.
func (s *Store) QueryRecords(ctx context.Context, q graph.Query) ([]graph.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := graph.ValidateQuery(q); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []graph.Record
	for ref, data := range s.records {
		if ref.Table != q.Table || !matches(data, q.Filters) {
			continue
		}
		rec, err := snapshot(ref, data)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b graph.Record) int {
		if q.OrderBy != "" {
			if c := compareField(a.Data[q.OrderBy], b.Data[q.OrderBy], q.OrderKind, q.Desc); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.Ref.ID, b.Ref.ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// CreateRelation implements graph.Store.
func (s *Store) CreateRelation(ctx context.Context, e graph.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := graph.ValidateRef(e.From); err != nil {
		return err
	}
	if err := graph.ValidateRef(e.To); err != nil {
		return err
	}
	props, err := clone(e.Props)
	if err != nil {
		return err
	}
	key := edgeKey{relation: e.Relation, from: e.From, to: e.To}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edgeSet[key]; ok {
		return nil
	}
	s.edgeSet[key] = struct{}{}
	e.Props = props
	s.edges = append(s.edges, e)
	return nil
}

// Traverse implements graph.Store.
func (s *Store) Traverse(ctx context.Context, q graph.TraverseQuery) ([]graph.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []graph.Record{}
	for _, e := range s.edges {
		if e.Relation != q.Relation || e.From != q.From {
			continue
		}
		data, ok := s.records[e.To]
		if !ok {
			continue
		}
		rec, err := snapshot(e.To, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Edges returns a copy of all edges in creation order.
func (s *Store) Edges() []graph.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]graph.Edge(nil), s.edges...)
}

// Close implements graph.Store.
func (s *Store) Close() {}

func matches(data map[string]any, filters []graph.Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok || v == nil {
			return false
		}
		c, ok := compareValue(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case graph.OpEq:
			if c != 0 {
				return false
			}
		case graph.OpLt:
			if c >= 0 {
				return false
			}
		}
	}
	return true
}

// compareValue compares a stored JSON value against a filter value, using the
// filter value's Go type to pick the comparison.
func compareValue(stored, want any) (int, bool) {
	switch w := want.(type) {
	case time.Time:
		t, ok := asTime(stored)
		if !ok {
			return 0, false
		}
		return t.Compare(w), true
	case string:
		s, ok := stored.(string)
		if !ok {
			return 0, false
		}
		return cmp.Compare(s, w), true
	case bool:
		b, ok := stored.(bool)
		if !ok {
			return 0, false
		}
		if b == w {
			return 0, true
		}
		if !b {
			return -1, true
		}
		return 1, true
	default:
		wf, ok := asNumber(want)
		if !ok {
			return 0, false
		}
		sf, ok := asNumber(stored)
		if !ok {
			return 0, false
		}
		return cmp.Compare(sf, wf), true
	}
}

// compareField orders two stored values. Missing values sort last in either
// direction, matching NULLS LAST.
func compareField(a, b any, kind graph.Kind, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c := cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
	switch kind {
	case graph.KindTime:
		ta, okA := asTime(a)
		tb, okB := asTime(b)
		if okA && okB {
			c = ta.Compare(tb)
		}
	case graph.KindNumber:
		na, okA := asNumber(a)
		nb, okB := asNumber(b)
		if okA && okB {
			c = cmp.Compare(na, nb)
		}
	}
	if desc {
		return -c
	}
	return c
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func clone(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode record data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode record data: %w", err)
	}
	return out, nil
}

func snapshot(ref graph.Ref, data map[string]any) (graph.Record, error) {
	cp, err := clone(data)
	if err != nil {
		return graph.Record{}, err
	}
	return graph.Record{Ref: ref, Data: cp}, nil
}
