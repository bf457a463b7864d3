package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonecrawler/internal/graph"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func zoneRef(id string) graph.Ref {
	return graph.Ref{Table: graph.TableZone, ID: id}
}

func TestCreateRecord(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO graph_records").
		WithArgs("zone", "ashenvale", `{"name":"Ashenvale","status":"pending"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO graph_records").
		WithArgs("zone", "ashenvale", `{"name":"Ashenvale","status":"pending"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	rec := graph.Record{Ref: zoneRef("ashenvale"), Data: map[string]any{"status": "pending", "name": "Ashenvale"}}
	require.NoError(t, store.CreateRecord(context.Background(), rec))
	require.ErrorIs(t, store.CreateRecord(context.Background(), rec), graph.ErrExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecord(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT data FROM graph_records").
		WithArgs("zone", "ashenvale").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"status":"complete","page_count":3}`)))
	mock.ExpectQuery("SELECT data FROM graph_records").
		WithArgs("zone", "missing").
		WillReturnRows(pgxmock.NewRows([]string{"data"}))

	rec, err := store.GetRecord(context.Background(), zoneRef("ashenvale"))
	require.NoError(t, err)
	assert.Equal(t, "complete", rec.Data["status"])
	assert.Equal(t, float64(3), rec.Data["page_count"])

	_, err = store.GetRecord(context.Background(), zoneRef("missing"))
	require.ErrorIs(t, err, graph.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRecord(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE graph_records SET data = data").
		WithArgs("zone", "ashenvale", `{"status":"crawling"}`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"name":"Ashenvale","status":"crawling"}`)))
	mock.ExpectQuery("UPDATE graph_records SET data = data").
		WithArgs("zone", "missing", `{"status":"crawling"}`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}))

	rec, err := store.UpdateRecord(context.Background(), zoneRef("ashenvale"), map[string]any{"status": "crawling"})
	require.NoError(t, err)
	assert.Equal(t, "Ashenvale", rec.Data["name"])

	_, err = store.UpdateRecord(context.Background(), zoneRef("missing"), map[string]any{"status": "crawling"})
	require.ErrorIs(t, err, graph.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sql, args, err := BuildQuery(graph.Query{
		Table: graph.TableZone,
		Filters: []graph.Filter{
			{Field: "status", Op: graph.OpEq, Value: "complete"},
			{Field: "crawled_at", Op: graph.OpLt, Value: cutoff},
			{Field: "page_count", Op: graph.OpLt, Value: 10},
		},
		OrderBy:   "crawled_at",
		OrderKind: graph.KindTime,
		Limit:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, data FROM graph_records WHERE tbl = $1"+
		" AND (data->>'status') = $2"+
		" AND (data->>'crawled_at')::timestamptz < $3"+
		" AND (data->>'page_count')::double precision < $4"+
		" ORDER BY (data->>'crawled_at')::timestamptz ASC NULLS LAST, id LIMIT 1", sql)
	assert.Equal(t, []any{"zone", "complete", cutoff, float64(10)}, args)

	sql, _, err = BuildQuery(graph.Query{Table: graph.TablePage, OrderBy: "url", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, data FROM graph_records WHERE tbl = $1 ORDER BY (data->>'url') DESC NULLS LAST, id", sql)

	_, _, err = BuildQuery(graph.Query{Table: graph.TableZone, Filters: []graph.Filter{{Field: "x'; drop", Op: graph.OpEq, Value: 1}}})
	require.Error(t, err)
}

func TestQueryRecords(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	q := graph.Query{Table: graph.TablePage, Filters: []graph.Filter{{Field: "zone", Op: graph.OpEq, Value: "ashenvale"}}}
	sql, _, err := BuildQuery(q)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(sql)).
		WithArgs("page", "ashenvale").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).
			AddRow("p1", []byte(`{"url":"https://x.example/a"}`)).
			AddRow("p2", []byte(`{"url":"https://x.example/b"}`)))

	recs, err := store.QueryRecords(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, graph.Ref{Table: graph.TablePage, ID: "p2"}, recs[1].Ref)
	assert.Equal(t, "https://x.example/b", recs[1].Data["url"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRelationAndTraverse(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO graph_edges").
		WithArgs("connected_to", "zone", "ashenvale", "zone", "felwood", `{}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM graph_edges e").
		WithArgs("connected_to", "zone", "ashenvale").
		WillReturnRows(pgxmock.NewRows([]string{"tbl", "id", "data"}).
			AddRow("zone", "felwood", []byte(`{"status":"pending"}`)))

	require.NoError(t, store.CreateRelation(context.Background(), graph.Edge{
		Relation: graph.RelConnectedTo, From: zoneRef("ashenvale"), To: zoneRef("felwood"),
	}))
	recs, err := store.Traverse(context.Background(), graph.TraverseQuery{From: zoneRef("ashenvale"), Relation: graph.RelConnectedTo})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "felwood", recs[0].Ref.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectExec("INSERT INTO graph_records").WillReturnError(boom)
	err := store.CreateRecord(context.Background(), graph.Record{Ref: zoneRef("a")})
	require.ErrorIs(t, err, boom)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS graph_records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPool_RequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewWithPool(nil)
	require.Error(t, err)
}
