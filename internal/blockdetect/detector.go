// Package blockdetect classifies rendered markdown as anti-bot or CAPTCHA
// interstitials instead of real page content.
//
// Classification runs three ordered stages and stops at the first that fires:
// definitive phrases, weighted soft signals, and markdown structure. A page
// with no positive evidence is clean.
package blockdetect

import (
	"fmt"
	"regexp"
	"strings"
)

// Stage names reported in a Verdict.
const (
	StagePhrase     = "phrase"
	StageSoft       = "soft"
	StageStructural = "structural"
)

const (
	defaultMinContentLength    = 500
	defaultSoftThreshold       = 0.7
	defaultStructuralMinLength = 1500
	defaultBoilerplateRatio    = 0.6

	weightShort       = 0.4
	weightBoilerplate = 0.3
	weightKeywords    = 0.4
	minSoftKeywords   = 2
	minProseWords     = 6
)

// DefaultPhrases are unambiguous block markers.
var DefaultPhrases = []string{
	"enable javascript and cookies to continue",
	"enable javascript and cookies",
	"checking your browser",
	"checking if the site connection is secure",
	"verify you are human",
	"verifying you are human",
	"captcha",
	"attention required! | cloudflare",
	"please complete the security check",
	"press & hold to confirm you are",
	"access to this page has been denied",
	"request unsuccessful. incapsula incident",
}

// DefaultSoftKeywords are suspicious but non-definitive bot-check words.
var DefaultSoftKeywords = []string{
	"cloudflare",
	"ddos protection",
	"security check",
	"unusual traffic",
	"are you a robot",
	"bot detection",
	"too many requests",
	"rate limited",
	"access denied",
	"javascript is disabled",
	"ray id",
	"just a moment",
}

var (
	markdownLinkPattern  = regexp.MustCompile(`!?\[[^\]]*\]\([^)]*\)`)
	bareURLPattern       = regexp.MustCompile(`https?://\S+`)
	headingPattern       = regexp.MustCompile(`^#{1,6}\s+\S`)
	nonProseLinePattern  = regexp.MustCompile(`^(\s*[-*+|>]|\s*\d+\.\s|\s*!?\[)`)
	whitespaceRunPattern = regexp.MustCompile(`\s+`)
)

// Verdict is the outcome of Classify.
type Verdict struct {
	Blocked bool
	Reason  string
	Stage   string
	Score   float64
}

// Config tunes the detector. Zero values select defaults.
type Config struct {
	Phrases             []string
	SoftKeywords        []string
	MinContentLength    int
	SoftThreshold       float64
	StructuralMinLength int
	// DisableStructural turns off the last-resort structure stage.
	DisableStructural bool
}

// Detector implements the three-stage classifier.
type Detector struct {
	phrases             []string
	softKeywords        []string
	minContentLength    int
	softThreshold       float64
	structuralMinLength int
	structural          bool
}

// New constructs a Detector.
func New(cfg Config) *Detector {
	phrases := cfg.Phrases
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	soft := cfg.SoftKeywords
	if len(soft) == 0 {
		soft = DefaultSoftKeywords
	}
	d := &Detector{
		phrases:             lowerAll(phrases),
		softKeywords:        lowerAll(soft),
		minContentLength:    cfg.MinContentLength,
		softThreshold:       cfg.SoftThreshold,
		structuralMinLength: cfg.StructuralMinLength,
		structural:          !cfg.DisableStructural,
	}
	if d.minContentLength <= 0 {
		d.minContentLength = defaultMinContentLength
	}
	if d.softThreshold <= 0 {
		d.softThreshold = defaultSoftThreshold
	}
	if d.structuralMinLength <= 0 {
		d.structuralMinLength = defaultStructuralMinLength
	}
	return d
}

// Classify inspects rendered markdown.
func (d *Detector) Classify(content string) Verdict {
	lower := strings.ToLower(content)
	if v, ok := d.phraseStage(lower); ok {
		return v
	}
	if v, ok := d.softStage(content, lower); ok {
		return v
	}
	if d.structural {
		if v, ok := d.structuralStage(content); ok {
			return v
		}
	}
	return Verdict{}
}

func (d *Detector) phraseStage(lower string) (Verdict, bool) {
	for _, phrase := range d.phrases {
		if phrase != "" && strings.Contains(lower, phrase) {
			return Verdict{Blocked: true, Reason: phrase, Stage: StagePhrase, Score: 1}, true
		}
	}
	return Verdict{}, false
}

func (d *Detector) softStage(content, lower string) (Verdict, bool) {
	var (
		score   float64
		signals []string
	)
	textLen := len(strings.TrimSpace(whitespaceRunPattern.ReplaceAllString(content, " ")))
	if textLen < d.minContentLength {
		score += weightShort
		signals = append(signals, fmt.Sprintf("short content (%d chars)", textLen))
	}
	if ratio := boilerplateRatio(content); ratio >= defaultBoilerplateRatio {
		score += weightBoilerplate
		signals = append(signals, fmt.Sprintf("boilerplate ratio %.2f", ratio))
	}
	var hits []string
	for _, kw := range d.softKeywords {
		if kw != "" && strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	if len(hits) >= minSoftKeywords {
		score += weightKeywords
		signals = append(signals, "bot-check keywords: "+strings.Join(hits, ", "))
	}
	if score < d.softThreshold {
		return Verdict{}, false
	}
	return Verdict{
		Blocked: true,
		Reason:  strings.Join(signals, "; "),
		Stage:   StageSoft,
		Score:   score,
	}, true
}

// structuralStage flags long pages that have neither headings nor a single
// prose line. Real articles always carry one or the other.
func (d *Detector) structuralStage(content string) (Verdict, bool) {
	if len(content) < d.structuralMinLength {
		return Verdict{}, false
	}
	headings, prose := 0, 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if headingPattern.MatchString(trimmed) {
			headings++
			continue
		}
		if nonProseLinePattern.MatchString(trimmed) {
			continue
		}
		if len(strings.Fields(markdownLinkPattern.ReplaceAllString(trimmed, "x"))) >= minProseWords {
			prose++
		}
	}
	if headings > 0 || prose > 0 {
		return Verdict{}, false
	}
	return Verdict{
		Blocked: true,
		Reason:  "no headings or prose in long page",
		Stage:   StageStructural,
		Score:   1,
	}, true
}

// boilerplateRatio is the share of non-whitespace characters taken up by link
// and image syntax or bare URLs.
func boilerplateRatio(content string) float64 {
	total := countNonSpace(content)
	if total == 0 {
		return 0
	}
	markup := 0
	for _, m := range markdownLinkPattern.FindAllString(content, -1) {
		markup += countNonSpace(m)
	}
	stripped := markdownLinkPattern.ReplaceAllString(content, " ")
	for _, m := range bareURLPattern.FindAllString(stripped, -1) {
		markup += countNonSpace(m)
	}
	return float64(markup) / float64(total)
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			n++
		}
	}
	return n
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
