package fetcher

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
)

// excludedNamespaces are wiki meta namespaces that never hold zone content.
var excludedNamespaces = []string{
	"special", "user", "user_talk", "user talk", "talk", "file", "image",
	"template", "template_talk", "help", "mediawiki", "module", "category",
	"portal", "forum", "message_wall", "board", "blog", "project",
}

// excludedParams mark edit, history and diff views.
var excludedParams = []string{"action", "oldid", "diff", "curid", "printable", "veaction"}

// InternalLinks resolves hrefs against pageURL and keeps same-domain article
// links, normalized and deduplicated in input order. The page itself is
// excluded.
func InternalLinks(pageURL string, hrefs []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return []string{}
	}
	domain := crawler.NormalizeDomain(base.Hostname())
	self, _ := crawler.NormalizeURL(pageURL)

	seen := map[string]struct{}{}
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if crawler.NormalizeDomain(abs.Hostname()) != domain {
			continue
		}
		if isMetaPage(abs) {
			continue
		}
		normalized, err := crawler.NormalizeURL(abs.String())
		if err != nil || normalized == self {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func isMetaPage(u *url.URL) bool {
	q := u.Query()
	for _, p := range excludedParams {
		if q.Has(p) {
			return true
		}
	}
	if title := q.Get("title"); title != "" && inNamespace(title) {
		return true
	}
	segment := u.Path
	if i := strings.LastIndex(segment, "/"); i >= 0 {
		segment = segment[i+1:]
	}
	return inNamespace(segment)
}

func inNamespace(title string) bool {
	if unescaped, err := url.PathUnescape(title); err == nil {
		title = unescaped
	}
	i := strings.Index(title, ":")
	if i <= 0 {
		return false
	}
	prefix := strings.ToLower(title[:i])
	for _, ns := range excludedNamespaces {
		if prefix == ns {
			return true
		}
	}
	return false
}
