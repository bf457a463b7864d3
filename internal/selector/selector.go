// Package selector ranks, filters and caps search results for one category.
package selector

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
)

// Selector applies one category's include/exclude rules and domain
// preferences. It holds no mutable state and is safe for concurrent use.
type Selector struct {
	category  crawler.ScopeCategory
	include   []*regexp.Regexp
	exclude   []*regexp.Regexp
	preferred []string
}

// New compiles the category's path patterns.
func New(category crawler.ScopeCategory) (*Selector, error) {
	include, err := compileAll(category.Include)
	if err != nil {
		return nil, fmt.Errorf("category %s include: %w", category.Name, err)
	}
	exclude, err := compileAll(category.Exclude)
	if err != nil {
		return nil, fmt.Errorf("category %s exclude: %w", category.Name, err)
	}
	preferred := make([]string, 0, len(category.PreferredDomains))
	for _, d := range category.PreferredDomains {
		if d = crawler.NormalizeDomain(d); d != "" {
			preferred = append(preferred, d)
		}
	}
	return &Selector{category: category, include: include, exclude: exclude, preferred: preferred}, nil
}

// Category returns the category the selector was built for.
func (s *Selector) Category() crawler.ScopeCategory {
	return s.category
}

// Select returns at most MaxPages results not present in alreadyCrawled,
// ordered by preferred-domain position and then by descending tier weight.
// Ties keep input order.
func (s *Selector) Select(results []crawler.SearchResult, alreadyCrawled map[string]struct{}) []crawler.SearchResult {
	return s.SelectN(results, alreadyCrawled, s.category.MaxPages)
}

// SelectN is Select with an explicit cap. A non-positive limit selects nothing.
func (s *Selector) SelectN(results []crawler.SearchResult, alreadyCrawled map[string]struct{}, limit int) []crawler.SearchResult {
	if limit <= 0 {
		return []crawler.SearchResult{}
	}

	type ranked struct {
		result crawler.SearchResult
		pref   int
	}
	candidates := make([]ranked, 0, len(results))
	for _, r := range results {
		if _, seen := alreadyCrawled[r.URL]; seen {
			continue
		}
		if !s.Allowed(r.URL) {
			continue
		}
		candidates = append(candidates, ranked{result: r, pref: s.preferredIndex(resultDomain(r))})
	}

	slices.SortStableFunc(candidates, func(a, b ranked) int {
		if c := cmp.Compare(a.pref, b.pref); c != 0 {
			return c
		}
		return cmp.Compare(b.result.TierWeight, a.result.TierWeight)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]crawler.SearchResult, len(candidates))
	for i, c := range candidates {
		out[i] = c.result
	}
	return out
}

// Allowed reports whether rawURL passes the include allowlist and exclude
// denylist. Patterns are matched against the full URL.
func (s *Selector) Allowed(rawURL string) bool {
	if len(s.include) > 0 && !matchAny(s.include, rawURL) {
		return false
	}
	return !matchAny(s.exclude, rawURL)
}

// preferredIndex is the position of domain in the preferred list, or the
// list length when absent so unlisted domains sort last.
func (s *Selector) preferredIndex(domain string) int {
	for i, p := range s.preferred {
		if crawler.DomainMatches(domain, p) {
			return i
		}
	}
	return len(s.preferred)
}

func resultDomain(r crawler.SearchResult) string {
	if r.Domain != "" {
		return crawler.NormalizeDomain(r.Domain)
	}
	return crawler.DomainOf(r.URL)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
