// Package zonelinks discovers connected zones in zone-overview markdown.
//
// Scanning is a two-state automaton over lines. A matching "##" or "###"
// heading (adjacent zones, subzones, borders and similar) moves the scanner
// inside a section; a heading of level two or higher that does not match moves
// it back outside. Wiki links found while inside are slugged and collected.
package zonelinks

import (
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/zonecrawler/internal/slug"
)

// State is the scanner position relative to a connection section.
type State int

// Scanner states.
const (
	Outside State = iota
	Inside
)

func (s State) String() string {
	if s == Inside {
		return "inside"
	}
	return "outside"
}

var (
	headingLine = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)

	sectionTitles = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(adjacent|neighbou?ring|connected|nearby|bordering|surrounding)\s+(zones?|areas?|regions?|territories)\b`),
		regexp.MustCompile(`(?i)\bsub[- ]?zones?\b`),
		regexp.MustCompile(`(?i)\b(borders?|boundaries|boundary)\b`),
		regexp.MustCompile(`(?i)\bconnections?\b`),
	}

	markdownWikiLink = regexp.MustCompile(`\[[^\]]*\]\(\s*<?((?:https?://[^/\s)]+)?/wiki/[^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
	doubleBracket    = regexp.MustCompile(`\[\[([^\]|#]+)(?:[|#][^\]]*)?\]\]`)
)

// Heading parses a markdown ATX heading, returning its level and text.
func Heading(line string) (level int, text string, ok bool) {
	m := headingLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, "", false
	}
	return len(m[1]), m[2], true
}

// Enters reports whether line opens a connection section.
func Enters(line string) bool {
	level, text, ok := Heading(line)
	if !ok || level < 2 || level > 3 {
		return false
	}
	return isSectionTitle(text)
}

// Exits reports whether line closes an open connection section.
func Exits(line string) bool {
	level, text, ok := Heading(line)
	if !ok || level > 2 {
		return false
	}
	return !isSectionTitle(text)
}

// Next returns the state after consuming line.
func Next(s State, line string) State {
	switch s {
	case Outside:
		if Enters(line) {
			return Inside
		}
	case Inside:
		if Exits(line) {
			return Outside
		}
	}
	return s
}

// LinkTargets returns slugged wiki link targets in line, in order of
// appearance. Namespaced targets are dropped.
func LinkTargets(line string) []string {
	type hit struct {
		pos    int
		target string
	}
	var hits []hit
	for _, m := range markdownWikiLink.FindAllStringSubmatchIndex(line, -1) {
		hits = append(hits, hit{pos: m[0], target: line[m[2]:m[3]]})
	}
	for _, m := range doubleBracket.FindAllStringSubmatchIndex(line, -1) {
		hits = append(hits, hit{pos: m[0], target: line[m[2]:m[3]]})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if s := slug.FromWikiTarget(h.target); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ExtractConnectedZones returns deduplicated zone slugs linked from the
// connection sections of content, excluding sourceZone. It never fails; no
// matches yields an empty slice.
func ExtractConnectedZones(content, sourceZone string) []string {
	source := slug.Make(sourceZone)
	seen := map[string]struct{}{}
	out := []string{}

	state := Outside
	for _, line := range strings.Split(content, "\n") {
		next := Next(state, line)
		entered := state == Outside && next == Inside
		state = next
		if state != Inside || entered {
			continue
		}
		for _, target := range LinkTargets(line) {
			if target == source {
				continue
			}
			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}
			out = append(out, target)
		}
	}
	return out
}

func isSectionTitle(text string) bool {
	for _, re := range sectionTitles {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
