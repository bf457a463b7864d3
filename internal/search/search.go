// Package search resolves free-text queries to candidate URLs and turns raw
// hits into ranked SearchResults with tier metadata.
package search

import (
	"context"
	"strings"
)

// Hit is one raw provider result.
type Hit struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Searcher resolves a query to an ordered list of hits.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Hit, error)
}

// ExpandQuery fills the {zone} and {game} placeholders of a query template.
func ExpandQuery(template, zone, game string) string {
	r := strings.NewReplacer("{zone}", zone, "{game}", game)
	return strings.Join(strings.Fields(r.Replace(template)), " ")
}
