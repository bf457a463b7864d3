package search

import (
	"slices"
	"strings"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
)

// blocklist matches hosts against configured patterns. A bare host blocks
// only itself; "*.host" and ".host" block the apex and every subdomain.
type blocklist struct {
	hosts   map[string]bool
	parents []string
}

func newBlocklist(patterns []string) *blocklist {
	b := &blocklist{hosts: map[string]bool{}}
	for _, p := range patterns {
		host := crawler.NormalizeDomain(p)
		parent, wildcard := strings.CutPrefix(host, "*.")
		if !wildcard {
			parent, wildcard = strings.CutPrefix(host, ".")
		}
		switch {
		case host == "" || parent == "":
		case wildcard:
			if !slices.Contains(b.parents, parent) {
				b.parents = append(b.parents, parent)
			}
		default:
			b.hosts[host] = true
		}
	}
	if len(b.hosts) == 0 && len(b.parents) == 0 {
		return nil
	}
	return b
}

// blocks reports whether host is covered. A nil blocklist blocks nothing.
func (b *blocklist) blocks(host string) bool {
	if b == nil {
		return false
	}
	host = crawler.NormalizeDomain(host)
	if host == "" {
		return false
	}
	if b.hosts[host] {
		return true
	}
	return slices.ContainsFunc(b.parents, func(parent string) bool {
		return crawler.DomainMatches(host, parent)
	})
}
