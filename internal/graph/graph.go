// Package graph defines the typed verbs the crawler uses against its
// metadata store, and a MetadataClient that maps crawler records onto them.
package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("record already exists")
)

// Table names a record type.
type Table string

// Record tables.
const (
	TableZone   Table = "zone"
	TablePage   Table = "page"
	TableDomain Table = "domain"
)

// Relation names an edge type.
type Relation string

// Edge relations.
const (
	RelConnectedTo Relation = "connected_to"
	RelHasPage     Relation = "has_page"
	RelHostedOn    Relation = "hosted_on"
)

// Ref identifies one record.
type Ref struct {
	Table Table
	ID    string
}

func (r Ref) String() string {
	return string(r.Table) + ":" + r.ID
}

// Record is a typed record with a JSON-compatible payload.
type Record struct {
	Ref  Ref
	Data map[string]any
}

// Op is a filter comparison.
type Op string

// Filter operators.
const (
	OpEq Op = "="
	OpLt Op = "<"
)

// Kind tells the store how to compare a field.
type Kind int

// Field kinds.
const (
	KindText Kind = iota
	KindNumber
	KindTime
)

// Filter restricts a query on one data field. Time values compare as times
// and numeric values as numbers.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects records from one table.
type Query struct {
	Table     Table
	Filters   []Filter
	OrderBy   string
	OrderKind Kind
	Desc      bool
	Limit     int
}

// Edge is a directed relation between two records.
type Edge struct {
	Relation Relation
	From     Ref
	To       Ref
	Props    map[string]any
}

// TraverseQuery follows outgoing edges of one relation from a record.
type TraverseQuery struct {
	From     Ref
	Relation Relation
}

// Store is the generic verb set of the metadata store.
type Store interface {
	CreateRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, ref Ref) (Record, error)
	// UpdateRecord merges data into an existing record and returns the result.
	UpdateRecord(ctx context.Context, ref Ref, data map[string]any) (Record, error)
	QueryRecords(ctx context.Context, q Query) ([]Record, error)
	// CreateRelation is idempotent per (relation, from, to).
	CreateRelation(ctx context.Context, e Edge) error
	// Traverse returns the existing target records in edge creation order.
	Traverse(ctx context.Context, q TraverseQuery) ([]Record, error)
	Close()
}

var validField = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateQuery rejects field names outside a safe identifier set.
func ValidateQuery(q Query) error {
	if q.Table == "" {
		return fmt.Errorf("query table is required")
	}
	for _, f := range q.Filters {
		if !validField.MatchString(f.Field) {
			return fmt.Errorf("invalid filter field %q", f.Field)
		}
		if f.Op != OpEq && f.Op != OpLt {
			return fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	if q.OrderBy != "" && !validField.MatchString(q.OrderBy) {
		return fmt.Errorf("invalid order field %q", q.OrderBy)
	}
	return nil
}

// ValidateRef rejects empty refs.
func ValidateRef(ref Ref) error {
	if ref.Table == "" || ref.ID == "" {
		return fmt.Errorf("invalid ref %q", ref.String())
	}
	return nil
}
