// Package postgres implements graph.Store on two Postgres tables: JSONB
// records keyed by (tbl, id) and typed edges between them.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/zonecrawler/internal/graph"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store is a Postgres-backed graph.Store.
type Store struct {
	pool pool
}

var _ graph.Store = (*Store)(nil)

// Schema creates the record and edge tables.
const Schema = `
CREATE TABLE IF NOT EXISTS graph_records (
	tbl        TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tbl, id)
);
CREATE TABLE IF NOT EXISTS graph_edges (
	relation   TEXT        NOT NULL,
	from_tbl   TEXT        NOT NULL,
	from_id    TEXT        NOT NULL,
	to_tbl     TEXT        NOT NULL,
	to_id      TEXT        NOT NULL,
	props      JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	PRIMARY KEY (relation, from_tbl, from_id, to_tbl, to_id)
);
CREATE INDEX IF NOT EXISTS graph_records_data_idx ON graph_records USING GIN (data);`

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("graph.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure graph schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRecord implements graph.Store.
func (s *Store) CreateRecord(ctx context.Context, rec graph.Record) error {
	if err := graph.ValidateRef(rec.Ref); err != nil {
		return err
	}
	payload, err := encode(rec.Data)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO graph_records (tbl, id, data) VALUES ($1, $2, $3::jsonb) ON CONFLICT (tbl, id) DO NOTHING`,
		string(rec.Ref.Table), rec.Ref.ID, payload)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.Ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s: %w", rec.Ref, graph.ErrExists)
	}
	return nil
}

// GetRecord implements graph.Store.
func (s *Store) GetRecord(ctx context.Context, ref graph.Ref) (graph.Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM graph_records WHERE tbl = $1 AND id = $2`,
		string(ref.Table), ref.ID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.Record{}, fmt.Errorf("get %s: %w", ref, graph.ErrNotFound)
	}
	if err != nil {
		return graph.Record{}, fmt.Errorf("select %s: %w", ref, err)
	}
	return decode(ref, raw)
}

// UpdateRecord implements graph.Store by merging data into the stored JSONB.
func (s *Store) UpdateRecord(ctx context.Context, ref graph.Ref, data map[string]any) (graph.Record, error) {
	payload, err := encode(data)
	if err != nil {
		return graph.Record{}, err
	}
	var raw []byte
	err = s.pool.QueryRow(ctx,
		`UPDATE graph_records SET data = data || $3::jsonb, updated_at = now() WHERE tbl = $1 AND id = $2 RETURNING data`,
		string(ref.Table), ref.ID, payload).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.Record{}, fmt.Errorf("update %s: %w", ref, graph.ErrNotFound)
	}
	if err != nil {
		return graph.Record{}, fmt.Errorf("update %s: %w", ref, err)
	}
	return decode(ref, raw)
}

// QueryRecords implements graph.Store.
func (s *Store) QueryRecords(ctx context.Context, q graph.Query) ([]graph.Record, error) {
	sql, args, err := BuildQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	return collect(rows, q.Table)
}

// CreateRelation implements graph.Store.
func (s *Store) CreateRelation(ctx context.Context, e graph.Edge) error {
	if err := graph.ValidateRef(e.From); err != nil {
		return err
	}
	if err := graph.ValidateRef(e.To); err != nil {
		return err
	}
	props, err := encode(e.Props)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO graph_edges (relation, from_tbl, from_id, to_tbl, to_id, props)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (relation, from_tbl, from_id, to_tbl, to_id) DO NOTHING`,
		string(e.Relation), string(e.From.Table), e.From.ID, string(e.To.Table), e.To.ID, props)
	if err != nil {
		return fmt.Errorf("insert edge %s %s %s: %w", e.From, e.Relation, e.To, err)
	}
	return nil
}

// Traverse implements graph.Store.
func (s *Store) Traverse(ctx context.Context, q graph.TraverseQuery) ([]graph.Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT r.tbl, r.id, r.data
FROM graph_edges e
JOIN graph_records r ON r.tbl = e.to_tbl AND r.id = e.to_id
WHERE e.relation = $1 AND e.from_tbl = $2 AND e.from_id = $3
ORDER BY e.created_at, r.id`,
		string(q.Relation), string(q.From.Table), q.From.ID)
	if err != nil {
		return nil, fmt.Errorf("traverse %s %s: %w", q.From, q.Relation, err)
	}
	defer rows.Close()

	out := []graph.Record{}
	for rows.Next() {
		var (
			tbl, id string
			raw     []byte
		)
		if err := rows.Scan(&tbl, &id, &raw); err != nil {
			return nil, fmt.Errorf("scan traverse row: %w", err)
		}
		rec, err := decode(graph.Ref{Table: graph.Table(tbl), ID: id}, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("traverse rows: %w", err)
	}
	return out, nil
}

// BuildQuery renders q as SQL with positional arguments. Field names are
// validated before being interpolated.
func BuildQuery(q graph.Query) (string, []any, error) {
	if err := graph.ValidateQuery(q); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	args := []any{string(q.Table)}
	b.WriteString(`SELECT id, data FROM graph_records WHERE tbl = $1`)
	for _, f := range q.Filters {
		expr, arg := fieldExpr(f.Field, f.Value)
		args = append(args, arg)
		fmt.Fprintf(&b, " AND %s %s $%d", expr, f.Op, len(args))
	}
	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s NULLS LAST, id", orderExpr(q.OrderBy, q.OrderKind), dir)
	} else {
		b.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func fieldExpr(field string, value any) (string, any) {
	base := fmt.Sprintf("(data->>'%s')", field)
	switch v := value.(type) {
	case time.Time:
		return base + "::timestamptz", v
	case bool:
		return base + "::boolean", v
	case int:
		return base + "::double precision", float64(v)
	case int32:
		return base + "::double precision", float64(v)
	case int64:
		return base + "::double precision", float64(v)
	case float32:
		return base + "::double precision", float64(v)
	case float64:
		return base + "::double precision", v
	default:
		return base, fmt.Sprint(v)
	}
}

func orderExpr(field string, kind graph.Kind) string {
	base := fmt.Sprintf("(data->>'%s')", field)
	switch kind {
	case graph.KindTime:
		return base + "::timestamptz"
	case graph.KindNumber:
		return base + "::double precision"
	default:
		return base
	}
}

func collect(rows pgx.Rows, table graph.Table) ([]graph.Record, error) {
	defer rows.Close()
	out := []graph.Record{}
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		rec, err := decode(graph.Ref{Table: table, ID: id}, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", table, err)
	}
	return out, nil
}

func encode(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode record data: %w", err)
	}
	return string(raw), nil
}

func decode(ref graph.Ref, raw []byte) (graph.Record, error) {
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return graph.Record{}, fmt.Errorf("decode %s: %w", ref, err)
		}
	}
	return graph.Record{Ref: ref, Data: data}, nil
}
