package search

import (
	"strings"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
)

// UnlistedTier names domains that match no configured tier.
const UnlistedTier = "unlisted"

// Resolver maps hit domains to tiers and drops blocked domains.
type Resolver struct {
	tiers   []crawler.Tier
	blocked *blocklist
}

// NewResolver builds a Resolver. Tier order decides ties when a domain is
// listed in more than one tier.
func NewResolver(tiers []crawler.Tier, blockedDomains []string) *Resolver {
	return &Resolver{tiers: tiers, blocked: newBlocklist(blockedDomains)}
}

// Tier returns the tier name and weight for domain.
func (r *Resolver) Tier(domain string) (string, float64) {
	for _, t := range r.tiers {
		for _, d := range t.Domains {
			if matchesTierDomain(domain, d) {
				return t.Name, t.Weight
			}
		}
	}
	return UnlistedTier, 0
}

// Blocked reports whether domain is on the blocklist.
func (r *Resolver) Blocked(domain string) bool {
	return r.blocked.blocks(domain)
}

// BuildResults canonicalizes and dedupes hits, resolves tiers and removes
// blocked or unparseable URLs. Input order is preserved.
func (r *Resolver) BuildResults(hits []Hit) []crawler.SearchResult {
	seen := map[string]struct{}{}
	out := make([]crawler.SearchResult, 0, len(hits))
	for _, h := range hits {
		normalized, err := crawler.NormalizeURL(h.URL)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}

		domain := crawler.DomainOf(normalized)
		if domain == "" || r.Blocked(domain) {
			continue
		}
		tier, weight := r.Tier(domain)
		out = append(out, crawler.SearchResult{
			URL:        normalized,
			Title:      strings.TrimSpace(h.Title),
			Domain:     domain,
			TierName:   tier,
			TierWeight: weight,
		})
	}
	return out
}

func matchesTierDomain(domain, pattern string) bool {
	pattern = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(pattern)), "*.")
	return crawler.DomainMatches(domain, pattern)
}
