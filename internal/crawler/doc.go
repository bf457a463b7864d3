// Package crawler defines the core types shared across the zone crawl pipeline:
// queue jobs, scope categories, search candidates, fetch outcomes, the on-disk
// sidecar, and the graph records describing zones, pages, and domains.
package crawler
